// Package session owns the authenticated identity: it bootstraps from
// persisted credentials, resolves the profile and school, exposes
// sign-in/sign-out, and guards against indefinite loading with a watchdog.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
	"github.com/crescendoapp/crescendo/internal/epoch"
	"github.com/crescendoapp/crescendo/internal/errs"
	"github.com/crescendoapp/crescendo/internal/kvstore"
	"github.com/crescendoapp/crescendo/internal/model"
)

// ProfileSource resolves the stored profile joined with its school.
// Implementations: backend/postgres.ProfileRepo.
type ProfileSource interface {
	// Fetch returns the profile and its tenant (nil when the profile is not
	// bound to a school). Returns errs.ErrNotFound when no profile row exists.
	Fetch(ctx context.Context, identity model.Identity) (*model.Profile, *model.Tenant, error)
}

// Notifier surfaces user-visible notices. The UI layer implements it.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(string)

// Notify calls f.
func (f NotifierFunc) Notify(message string) { f(message) }

// NoticeTenantSuspended is shown when a forced sign-out follows school suspension.
const NoticeTenantSuspended = "Your school's access has been suspended. Contact support."

const lastTenantKey = "last_active_tenant"

// Config tunes the store.
type Config struct {
	// WatchdogTimeout bounds profile resolution during bootstrap. The
	// loading flag is force-released at the deadline regardless of outcome.
	WatchdogTimeout time.Duration

	// RootEmail is the hard-coded root address: a missing profile for this
	// identity self-heals to super-admin instead of the default role.
	RootEmail string

	// StrictProfileErrors surfaces profile fetch failures instead of
	// silently falling back to the default role. A missing profile row is
	// never an error in either mode.
	StrictProfileErrors bool
}

func (c Config) withDefaults() Config {
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 8 * time.Second
	}
	return c
}

// State is a point-in-time snapshot of the authenticated identity.
type State struct {
	Session  *model.Session
	Identity *model.Identity
	Profile  *model.Profile
	Role     model.Role // "" when unauthenticated or role revoked
	TenantID uuid.UUID
	Loading  bool
}

// Store resolves and owns the base identity. All mutation goes through the
// store; consumers read snapshots via State.
type Store struct {
	auth     backend.AuthClient
	profiles ProfileSource
	epochs   *epoch.Counter
	durable  kvstore.Store
	notify   Notifier
	log      *zap.Logger
	cfg      Config

	mu       sync.Mutex
	session  *model.Session
	identity *model.Identity
	profile  *model.Profile
	role     model.Role
	tenantID uuid.UUID
	loading  bool

	stopEvents chan struct{}
	eventsOnce sync.Once
	signingOut bool
}

// New constructs the store. durable is the restart-durable tier (holds the
// last-active tenant id).
func New(auth backend.AuthClient, profiles ProfileSource, epochs *epoch.Counter, durable kvstore.Store, notify Notifier, log *zap.Logger, cfg Config) *Store {
	if notify == nil {
		notify = NotifierFunc(func(string) {})
	}
	return &Store{
		auth:       auth,
		profiles:   profiles,
		epochs:     epochs,
		durable:    durable,
		notify:     notify,
		log:        log,
		cfg:        cfg.withDefaults(),
		stopEvents: make(chan struct{}),
	}
}

// Bootstrap restores a persisted session and resolves the profile, racing a
// watchdog timer. Restore failures degrade to unauthenticated; the loading
// flag is released exactly once whichever side of the race finishes first.
func (s *Store) Bootstrap(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	// Idempotent loading release shared by the watchdog and the normal path.
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			s.loading = false
			s.mu.Unlock()
		})
	}

	done := make(chan struct{})
	timer := time.NewTimer(s.cfg.WatchdogTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			s.log.Warn("bootstrap watchdog fired; releasing loading state",
				zap.Duration("deadline", s.cfg.WatchdogTimeout))
			release()
		case <-done:
		}
	}()
	defer close(done)
	defer release()

	sess, err := s.auth.Restore(ctx)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNoSession):
			s.log.Debug("no persisted session")
		case errors.Is(err, errs.ErrSessionExpired):
			s.log.Info("persisted session expired")
		default:
			// Degrade to unauthenticated rather than surfacing.
			s.log.Error("session restore failed", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	s.session = sess
	s.identity = &model.Identity{ID: sess.UserID, Email: sess.Email}
	id := *s.identity
	s.mu.Unlock()

	if err := s.syncProfile(ctx, id); err != nil && !errors.Is(err, errs.ErrTenantSuspended) {
		s.log.Error("profile resolution failed during bootstrap", zap.Error(err))
	}

	s.eventsOnce.Do(func() { go s.consumeAuthEvents() })
}

// SignIn authenticates and resolves the profile. Auth failures propagate to
// the caller unchanged; no retry.
func (s *Store) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	sess, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.identity = &model.Identity{ID: sess.UserID, Email: sess.Email}
	id := *s.identity
	s.mu.Unlock()

	if err := s.syncProfile(ctx, id); err != nil {
		return nil, err
	}
	s.eventsOnce.Do(func() { go s.consumeAuthEvents() })
	return sess, nil
}

// SignOut clears the session, surfaces the reason when non-empty, and bumps
// the identity epoch so every dependent cache and subscription resets. This
// is a deliberate full reset, not a partial cleanup.
func (s *Store) SignOut(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.signingOut {
		s.mu.Unlock()
		return
	}
	s.signingOut = true
	s.mu.Unlock()

	if err := s.auth.SignOut(ctx); err != nil {
		s.log.Warn("backend sign-out failed; clearing local state anyway", zap.Error(err))
	}

	s.mu.Lock()
	s.session = nil
	s.identity = nil
	s.profile = nil
	s.role = ""
	s.tenantID = uuid.Nil
	s.signingOut = false
	s.mu.Unlock()

	if reason != "" {
		s.notify.Notify(reason)
	}
	s.epochs.Bump()
}

// RefreshProfile re-runs profile resolution for the current identity. Used
// after externally-known profile mutations.
func (s *Store) RefreshProfile(ctx context.Context) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return errs.ErrNoSession
	}
	id := *s.identity
	s.mu.Unlock()
	return s.syncProfile(ctx, id)
}

// State returns a snapshot of the current identity state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Session:  s.session,
		Identity: s.identity,
		Profile:  s.profile,
		Role:     s.role,
		TenantID: s.tenantID,
		Loading:  s.loading,
	}
}

// Identity returns the base identity, if any.
func (s *Store) Identity() (model.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return model.Identity{}, false
	}
	return *s.identity, true
}

// Close stops the auth-event consumer.
func (s *Store) Close() {
	select {
	case <-s.stopEvents:
	default:
		close(s.stopEvents)
	}
}

// syncProfile resolves Profile+Tenant and applies the role policy:
//  1. suspended school and not super-admin: forced sign-out, returns
//     errs.ErrTenantSuspended;
//  2. missing profile for the root address: self-heal to super-admin;
//  3. missing profile otherwise: default role;
//  4. stored role verbatim.
//
// Fetch errors (distinct from a missing row) fall back to the default role
// unless StrictProfileErrors is set.
func (s *Store) syncProfile(ctx context.Context, id model.Identity) error {
	p, ten, err := s.profiles.Fetch(ctx, id)
	switch {
	case err == nil:
		if ten != nil && !ten.Active && p.Role != model.RoleSuperAdmin {
			s.log.Info("school suspended; forcing sign-out",
				zap.String("tenant", ten.ID.String()),
				zap.String("role", string(p.Role)))
			s.mu.Lock()
			s.profile = nil
			s.role = ""
			s.mu.Unlock()
			s.SignOut(ctx, NoticeTenantSuspended)
			return errs.ErrTenantSuspended
		}
		s.mu.Lock()
		s.profile = p
		s.role = p.Role
		s.tenantID = p.TenantID
		s.mu.Unlock()
		if p.TenantID != uuid.Nil && s.durable != nil {
			if err := s.durable.Set(lastTenantKey, p.TenantID.String()); err != nil {
				s.log.Warn("persisting last-active tenant failed", zap.Error(err))
			}
		}
		return nil

	case errors.Is(err, errs.ErrNotFound):
		role := model.DefaultRole
		if id.Email != "" && id.Email == s.cfg.RootEmail {
			role = model.RoleSuperAdmin
			s.log.Info("no profile for root identity; self-healing to super-admin")
		} else {
			s.log.Info("no stored profile; using default role",
				zap.String("role", string(role)))
		}
		s.mu.Lock()
		s.profile = nil
		s.role = role
		s.mu.Unlock()
		return nil

	default:
		if s.cfg.StrictProfileErrors {
			return fmt.Errorf("profile fetch: %w", err)
		}
		// Distinct from the missing-row path above: this is a backend
		// failure being masked by the fallback role.
		s.log.Error("profile fetch failed; falling back to default role",
			zap.Error(err),
			zap.String("role", string(model.DefaultRole)))
		s.mu.Lock()
		s.profile = nil
		s.role = model.DefaultRole
		s.mu.Unlock()
		return nil
	}
}

// consumeAuthEvents applies out-of-band auth state transitions.
func (s *Store) consumeAuthEvents() {
	events := s.auth.Events()
	for {
		select {
		case <-s.stopEvents:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.applyAuthEvent(ev)
		}
	}
}

func (s *Store) applyAuthEvent(ev backend.AuthEvent) {
	switch ev.Kind {
	case backend.SignedIn:
		if ev.Session == nil {
			return
		}
		s.mu.Lock()
		// SignIn/Bootstrap already applied this session directly.
		same := s.session != nil && s.session.AccessToken == ev.Session.AccessToken
		if !same {
			s.session = ev.Session
			s.identity = &model.Identity{ID: ev.Session.UserID, Email: ev.Session.Email}
		}
		id := s.identity
		s.mu.Unlock()
		if !same && id != nil {
			if err := s.syncProfile(context.Background(), *id); err != nil && !errors.Is(err, errs.ErrTenantSuspended) {
				s.log.Error("profile resolution failed on auth event", zap.Error(err))
			}
		}

	case backend.TokenRefreshed:
		if ev.Session == nil {
			return
		}
		s.mu.Lock()
		s.session = ev.Session
		s.mu.Unlock()

	case backend.SignedOut:
		s.mu.Lock()
		alreadyOut := s.session == nil && s.identity == nil
		s.session = nil
		s.identity = nil
		s.profile = nil
		s.role = ""
		s.tenantID = uuid.Nil
		s.mu.Unlock()
		if !alreadyOut {
			s.epochs.Bump()
		}
	}
}
