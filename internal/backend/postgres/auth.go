package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
	pkgcrypto "github.com/crescendoapp/crescendo/internal/crypto"
	"github.com/crescendoapp/crescendo/internal/errs"
	"github.com/crescendoapp/crescendo/internal/kvstore"
	"github.com/crescendoapp/crescendo/internal/model"
)

const sessionKey = "session"

// tokenRecord is the persisted session shape in the restart-durable store.
type tokenRecord struct {
	AccessToken string    `json:"access_token"`
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthBackend implements backend.AuthClient against the users table: argon2id
// credential verification, HS256 access tokens, and a persisted session in
// the restart-durable store.
type AuthBackend struct {
	db      *DB
	tokens  kvstore.Store
	signKey []byte
	ttl     time.Duration
	events  chan backend.AuthEvent
	log     *zap.Logger
}

// NewAuthBackend constructs the auth client. tokens is the restart-durable
// tier holding the persisted session.
func NewAuthBackend(db *DB, tokens kvstore.Store, signKey []byte, accessTTL time.Duration, log *zap.Logger) *AuthBackend {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	return &AuthBackend{
		db:      db,
		tokens:  tokens,
		signKey: signKey,
		ttl:     accessTTL,
		events:  make(chan backend.AuthEvent, 8),
		log:     log,
	}
}

// Register creates a user with a default-role profile. Returns
// errs.ErrAlreadyExists when the email is taken.
func (a *AuthBackend) Register(ctx context.Context, email, password, fullName string) (uuid.UUID, error) {
	if email == "" || password == "" {
		return uuid.Nil, errors.New("empty email/password")
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	salt, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	hash := pkgcrypto.HashPassword([]byte(password), salt)

	tx, err := a.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insUser = `INSERT INTO users (id, email, pwd_hash, salt_auth) VALUES ($1,$2,$3,$4)`
	if _, err := tx.Exec(ctx, insUser, uid, email, hash, salt); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, errs.ErrAlreadyExists
		}
		return uuid.Nil, err
	}
	const insProfile = `INSERT INTO profiles (id, full_name, role) VALUES ($1,$2,$3)`
	if _, err := tx.Exec(ctx, insProfile, uid, fullName, string(model.DefaultRole)); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return uid, nil
}

// SignIn verifies credentials, issues an access token, and persists the
// session. Bad credentials and unknown emails both map to ErrUnauthorized.
func (a *AuthBackend) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	const sel = `SELECT id, pwd_hash, salt_auth FROM users WHERE email=$1`
	var (
		uid  uuid.UUID
		hash []byte
		salt []byte
	)
	err := a.db.Pool.QueryRow(ctx, sel, email).Scan(&uid, &hash, &salt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !pkgcrypto.VerifyPassword([]byte(password), salt, hash) {
		return nil, errs.ErrUnauthorized
	}

	token, exp, err := a.issueAccessToken(uid, email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	sess := &model.Session{AccessToken: token, UserID: uid, Email: email, ExpiresAt: exp}
	if err := a.tokens.Set(sessionKey, tokenRecord{
		AccessToken: token, UserID: uid, Email: email, ExpiresAt: exp,
	}); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	a.emit(backend.AuthEvent{Kind: backend.SignedIn, Session: sess})
	return sess, nil
}

// Restore returns the persisted session, validating the stored token.
func (a *AuthBackend) Restore(ctx context.Context) (*model.Session, error) {
	var rec tokenRecord
	if err := a.tokens.Get(sessionKey, &rec); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNoSession
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	if err := a.validateToken(rec.AccessToken); err != nil {
		_ = a.tokens.Delete(sessionKey)
		return nil, errs.ErrSessionExpired
	}
	return &model.Session{
		AccessToken: rec.AccessToken,
		UserID:      rec.UserID,
		Email:       rec.Email,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// SignOut discards the persisted session.
func (a *AuthBackend) SignOut(ctx context.Context) error {
	if err := a.tokens.Delete(sessionKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	a.emit(backend.AuthEvent{Kind: backend.SignedOut})
	return nil
}

// Events returns the auth state transition stream.
func (a *AuthBackend) Events() <-chan backend.AuthEvent { return a.events }

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (a *AuthBackend) issueAccessToken(userID uuid.UUID, email string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.signKey)
	return signed, exp, err
}

func (a *AuthBackend) validateToken(token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signKey, nil
	}, jwt.WithExpirationRequired())
	return err
}

// emit is non-blocking: direct callers apply transitions synchronously, the
// stream only serves out-of-band observers.
func (a *AuthBackend) emit(ev backend.AuthEvent) {
	select {
	case a.events <- ev:
	default:
		a.log.Debug("auth event dropped; no listener")
	}
}
