// Package overlay layers revocable identity overrides on top of the base
// authenticated identity: a role override ("view as"), a mirror target
// ("watch as"), and a ghost session (full identity substitution). None of
// them mutate the base identity owned by the session store.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/audit"
	"github.com/crescendoapp/crescendo/internal/epoch"
	"github.com/crescendoapp/crescendo/internal/errs"
	"github.com/crescendoapp/crescendo/internal/kvstore"
	"github.com/crescendoapp/crescendo/internal/model"
	"github.com/crescendoapp/crescendo/internal/session"
)

// Storage keys. The ghost record lives in the reload-durable tier; the
// bypass flag in the restart-durable tier.
const (
	ghostKey  = "ghost_session"
	bypassKey = "bypass_active"
)

// Audit event types emitted on successful overlay mutations.
const (
	EventRoleOverride = "overlay.role_override"
	EventMirrorTarget = "overlay.mirror_target"
	EventGhostStart   = "overlay.ghost_start"
	EventGhostStop    = "overlay.ghost_stop"
	EventBypass       = "overlay.bypass"
)

// Config identifies the root allowlist.
type Config struct {
	// RootEmails are identities that are always verifiably privileged,
	// regardless of stored role.
	RootEmails []string
}

// IdentitySource exposes the base identity owned by the session store.
type IdentitySource interface {
	// Identity returns the authenticated principal, if any.
	Identity() (model.Identity, bool)
	// State returns the current identity snapshot.
	State() session.State
}

// Manager is the overlay state machine. Role override and mirror target are
// volatile; the ghost record survives epoch resets; the bypass flag survives
// restarts.
type Manager struct {
	sessions IdentitySource
	trail    *audit.Trail
	epochs   *epoch.Counter
	ghosts   kvstore.Store // reload-durable
	durable  kvstore.Store // restart-durable
	log      *zap.Logger
	cfg      Config

	mu           sync.Mutex
	roleOverride model.Role
	mirrorTarget uuid.UUID
}

// New constructs the manager and restores the ghost record and bypass flag
// from their durable tiers.
func New(sessions IdentitySource, trail *audit.Trail, epochs *epoch.Counter, ghosts, durable kvstore.Store, log *zap.Logger, cfg Config) *Manager {
	return &Manager{
		sessions: sessions,
		trail:    trail,
		epochs:   epochs,
		ghosts:   ghosts,
		durable:  durable,
		log:      log,
		cfg:      cfg,
	}
}

// IsVerifiablyPrivileged reports whether the base identity may mutate
// overlay state. Derived from the base identity only: an overlay can never
// grant itself privilege.
func (m *Manager) IsVerifiablyPrivileged() bool {
	id, ok := m.sessions.Identity()
	if ok {
		for _, root := range m.cfg.RootEmails {
			if strings.EqualFold(id.Email, root) {
				return true
			}
		}
	}
	switch m.sessions.State().Role {
	case model.RoleSuperAdmin, model.RoleAdmin:
		return true
	}
	return false
}

// SetRoleOverride sets or clears ("") the pretended role. Returns
// errs.ErrUnauthorized, with state untouched, for non-privileged callers.
func (m *Manager) SetRoleOverride(ctx context.Context, role model.Role) error {
	if !m.IsVerifiablyPrivileged() {
		return errs.ErrUnauthorized
	}
	m.mu.Lock()
	prev := m.roleOverride
	m.roleOverride = role
	m.mu.Unlock()
	m.trail.Record(ctx, EventRoleOverride, "overlay", "role_override",
		map[string]any{"role": string(prev)},
		map[string]any{"role": string(role)})
	return nil
}

// SetMirrorTarget sets or clears (uuid.Nil) the mirrored subject id. The
// mirror is orthogonal to role resolution; data hooks use it to scope what
// they display.
func (m *Manager) SetMirrorTarget(ctx context.Context, target uuid.UUID) error {
	if !m.IsVerifiablyPrivileged() {
		return errs.ErrUnauthorized
	}
	m.mu.Lock()
	prev := m.mirrorTarget
	m.mirrorTarget = target
	m.mu.Unlock()
	m.trail.Record(ctx, EventMirrorTarget, "overlay", "mirror_target",
		map[string]any{"target": prev.String()},
		map[string]any{"target": target.String()})
	return nil
}

// StartGhost begins a full identity substitution. The ghost record is made
// durable strictly before the epoch bump that resets dependent state: if the
// write fails, no reset happens and the overlay is unchanged.
func (m *Manager) StartGhost(ctx context.Context, targetID uuid.UUID, targetName string, targetRole model.Role) error {
	if !m.IsVerifiablyPrivileged() {
		return errs.ErrUnauthorized
	}
	id, ok := m.sessions.Identity()
	if !ok {
		return errs.ErrNoSession
	}
	g := model.GhostSession{
		TargetID:     targetID,
		TargetName:   targetName,
		TargetRole:   targetRole,
		OriginatorID: id.ID,
	}
	if err := m.ghosts.Set(ghostKey, g); err != nil {
		return fmt.Errorf("persist ghost session: %w", err)
	}
	m.trail.Record(ctx, EventGhostStart, "overlay", targetID.String(),
		nil,
		map[string]any{"target": targetID.String(), "role": string(targetRole), "originator": id.ID.String()})
	m.log.Info("ghost session started",
		zap.String("target", targetID.String()),
		zap.String("role", string(targetRole)))
	m.epochs.Bump()
	return nil
}

// StopGhost ends the substitution: the durable record is removed first, then
// the epoch bump re-derives all state under the real identity.
func (m *Manager) StopGhost(ctx context.Context) error {
	if !m.IsVerifiablyPrivileged() {
		return errs.ErrUnauthorized
	}
	g, active := m.Ghost()
	if !active {
		return nil
	}
	if err := m.ghosts.Delete(ghostKey); err != nil {
		return fmt.Errorf("clear ghost session: %w", err)
	}
	m.trail.Record(ctx, EventGhostStop, "overlay", g.TargetID.String(),
		map[string]any{"target": g.TargetID.String(), "role": string(g.TargetRole)},
		nil)
	m.log.Info("ghost session stopped", zap.String("target", g.TargetID.String()))
	m.epochs.Bump()
	return nil
}

// SetBypass toggles the durable safety flag that simultaneously relaxes
// restrictions and enables audit logging.
func (m *Manager) SetBypass(ctx context.Context, active bool) error {
	if !m.IsVerifiablyPrivileged() {
		return errs.ErrUnauthorized
	}
	prev := m.BypassActive()
	if err := m.durable.Set(bypassKey, active); err != nil {
		return fmt.Errorf("persist bypass flag: %w", err)
	}
	// Recorded after the flag change so enabling bypass audits itself.
	m.trail.Record(ctx, EventBypass, "overlay", "bypass",
		map[string]any{"active": prev},
		map[string]any{"active": active})
	return nil
}

// BypassActive reports the durable bypass flag.
func (m *Manager) BypassActive() bool {
	var active bool
	if err := m.durable.Get(bypassKey, &active); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			m.log.Warn("reading bypass flag failed", zap.Error(err))
		}
		return false
	}
	return active
}

// Ghost returns the active ghost session, if any.
func (m *Manager) Ghost() (model.GhostSession, bool) {
	var g model.GhostSession
	if err := m.ghosts.Get(ghostKey, &g); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			m.log.Warn("reading ghost session failed", zap.Error(err))
		}
		return model.GhostSession{}, false
	}
	return g, true
}

// RoleOverride returns the volatile role override, "" when unset.
func (m *Manager) RoleOverride() model.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roleOverride
}

// MirrorTarget returns the mirrored subject id, uuid.Nil when unset.
func (m *Manager) MirrorTarget() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mirrorTarget
}

// EffectiveRole resolves the acting role fresh on every call: ghost role if
// a ghost session is active, else the override if set, else the stored
// profile role.
func (m *Manager) EffectiveRole() model.Role {
	if g, active := m.Ghost(); active {
		return g.TargetRole
	}
	if o := m.RoleOverride(); o != "" {
		return o
	}
	return m.sessions.State().Role
}

// EffectiveIdentity returns the acting identity: the ghost target while a
// ghost session is active, otherwise the base identity.
func (m *Manager) EffectiveIdentity() (uuid.UUID, string, bool) {
	if g, active := m.Ghost(); active {
		return g.TargetID, g.TargetName, true
	}
	id, ok := m.sessions.Identity()
	if !ok {
		return uuid.Nil, "", false
	}
	return id.ID, id.Email, true
}
