// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across backend/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication or a privileged
	// mutation attempted by a non-privileged actor.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoSession indicates no persisted session could be restored.
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired indicates a restored session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrTenantSuspended indicates the actor's school has been deactivated.
	ErrTenantSuspended = errors.New("tenant suspended")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrClosed indicates an operation on a collection or feed that has been shut down.
	ErrClosed = errors.New("closed")
)
