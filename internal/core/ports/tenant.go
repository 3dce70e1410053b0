package ports

import (
	"context"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/google/uuid"
)

// TenantRepository is the read side of the tenant source of truth.
// Implementations return an error wrapping tenant.ErrTenantNotFound for unknown tenants.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error)
}

// TenantRegistry resolves an identifier (UUID or slug) to a tenant using a TTL cache.
type TenantRegistry interface {
	// Resolve returns the tenant or an error wrapping tenant.ErrTenantUnresolvable when
	// no fresh or stale-within-grace entry can be produced.
	Resolve(ctx context.Context, ref string) (*tenant.Tenant, error)
	// Invalidate drops any cached entry for the tenant.
	Invalidate(id uuid.UUID)
}

// TenantCacheEvictor is implemented by tenant stores that keep a shared cache, so that
// an invalidation reaches every replica rather than only the local registry.
type TenantCacheEvictor interface {
	Evict(ctx context.Context, id uuid.UUID, slug string)
}
