// Package model defines domain entities shared by the identity and sync services.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the authorization role of an actor within a school.
type Role string

// Roles known to the platform. RoleStudent is also the default assigned
// when an identity has no stored profile yet (fresh sign-up).
const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleProfessor  Role = "professor"
	RoleStudent    Role = "student"
	RoleGuardian   Role = "guardian"
)

// DefaultRole is used when profile resolution finds no stored row.
const DefaultRole = RoleStudent

// Session is the credential bundle held for an authenticated identity.
// The token is opaque to everything except the auth backend that issued it.
type Session struct {
	AccessToken string
	UserID      uuid.UUID
	Email       string
	ExpiresAt   time.Time
}

// Expired reports whether the session's access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Identity is the authenticated principal. Created on sign-in, destroyed on sign-out.
type Identity struct {
	ID    uuid.UUID
	Email string
}

// Profile is the stored one-to-one extension of an Identity.
type Profile struct {
	ID            uuid.UUID
	FullName      string
	Role          Role
	TenantID      uuid.UUID // zero when the profile is not bound to a school
	Accessibility map[string]any
	UpdatedAt     time.Time
}

// Tenant is a school: an isolated customer organization.
type Tenant struct {
	ID       uuid.UUID
	Name     string
	Active   bool
	Branding map[string]any
}

// GhostSession is a full identity substitution: while active the app behaves
// as if the target were the authenticated identity. It is the only overlay
// field that must survive a session epoch reset.
type GhostSession struct {
	TargetID     uuid.UUID `json:"target_id"`
	TargetName   string    `json:"target_name"`
	TargetRole   Role      `json:"target_role"`
	OriginatorID uuid.UUID `json:"originator_id"`
}

// AuditEntry is a write-once record of a privileged mutation.
type AuditEntry struct {
	ActorID   uuid.UUID
	EventType string
	Table     string
	RecordID  string
	Before    map[string]any
	After     map[string]any
	Bypass    bool
	At        time.Time
}
