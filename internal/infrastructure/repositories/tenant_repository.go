package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/db"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const tenantColumns = `id, name, slug, domain, plan, status, settings, created_at, updated_at`

type tenantRow struct {
	ID        uuid.UUID      `db:"id"`
	Name      string         `db:"name"`
	Slug      string         `db:"slug"`
	Domain    sql.NullString `db:"domain"`
	Plan      string         `db:"plan"`
	Status    string         `db:"status"`
	Settings  []byte         `db:"settings"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *tenantRow) toDomain() (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:        r.ID,
		Name:      r.Name,
		Slug:      r.Slug,
		Domain:    r.Domain.String,
		Plan:      tenant.SubscriptionPlan(r.Plan),
		Status:    tenant.TenantStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &t.Settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	return t, nil
}

// TenantRepository reads tenants from Postgres. Tenant writes belong to the
// surrounding product.
type TenantRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

func NewTenantRepository(database *db.Database, logger *logrus.Logger) ports.TenantRepository {
	return &TenantRepository{db: database, logger: logger}
}

func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	return r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	return r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
}

func (r *TenantRepository) getOne(ctx context.Context, query string, arg any) (*tenant.Tenant, error) {
	var row tenantRow
	if err := r.db.DB.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", tenant.ErrTenantNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return row.toDomain()
}

// List returns tenants ordered by creation time.
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	var rows []tenantRow
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at, id LIMIT $1 OFFSET $2`
	if err := r.db.DB.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants := make([]*tenant.Tenant, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{"tenant_id": rows[i].ID}).WithError(err).Warn("skipping tenant with unreadable settings")
			}
			continue
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}
