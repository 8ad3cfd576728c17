package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/crescendoapp/crescendo/internal/errs"
	"github.com/crescendoapp/crescendo/internal/model"
)

// ProfileRepo resolves profiles joined with their school.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

const fetchProfileSQL = `SELECT p.full_name, p.role, p.tenant_id, p.accessibility, p.updated_at,
       t.name, t.active, t.branding
FROM profiles p
LEFT JOIN tenants t ON t.id = p.tenant_id
WHERE p.id=$1`

// Fetch returns the profile and its tenant (nil when unbound). Returns
// errs.ErrNotFound when no profile row exists for the identity.
func (r *ProfileRepo) Fetch(ctx context.Context, identity model.Identity) (*model.Profile, *model.Tenant, error) {
	var (
		p        model.Profile
		role     string
		tenantID *uuid.UUID
		tName    *string
		tActive  *bool
		branding map[string]any
	)
	row := r.db.Pool.QueryRow(ctx, fetchProfileSQL, identity.ID)
	err := row.Scan(&p.FullName, &role, &tenantID, &p.Accessibility, &p.UpdatedAt, &tName, &tActive, &branding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch profile: %w", err)
	}

	p.ID = identity.ID
	p.Role = model.Role(role)
	if tenantID != nil {
		p.TenantID = *tenantID
	}

	var ten *model.Tenant
	if tenantID != nil && tName != nil && tActive != nil {
		ten = &model.Tenant{
			ID:       *tenantID,
			Name:     *tName,
			Active:   *tActive,
			Branding: branding,
		}
	}
	return &p, ten, nil
}
