package backend

import (
	"context"

	"github.com/crescendoapp/crescendo/internal/model"
)

// AuthEventKind tags an auth state transition.
type AuthEventKind int

const (
	// SignedIn is emitted after a session becomes active (sign-in or restore).
	SignedIn AuthEventKind = iota
	// SignedOut is emitted after the session is cleared.
	SignedOut
	// TokenRefreshed is emitted when the backend rotates the access token.
	TokenRefreshed
)

// AuthEvent is one auth state transition. Session is nil for SignedOut.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *model.Session
}

// AuthClient is the authentication collaborator: it owns credential
// persistence and the session expiry/refresh cycle.
type AuthClient interface {
	// Restore returns the persisted session, errs.ErrNoSession when none
	// exists, or errs.ErrSessionExpired when the stored token is stale.
	Restore(ctx context.Context) (*model.Session, error)

	// SignIn authenticates with email/password and persists the session.
	SignIn(ctx context.Context, email, password string) (*model.Session, error)

	// SignOut discards the persisted session.
	SignOut(ctx context.Context) error

	// Events returns the auth state transition stream.
	Events() <-chan AuthEvent
}
