package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

func cacheSetSilently(c ports.Cache, ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.Set(ctx, key, b, ttl)
}

func cacheGet[T any](c ports.Cache, ctx context.Context, key string) (*T, bool) {
	if c == nil {
		return nil, false
	}
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// CachingTenantRepository puts a shared cache (Redis in production) in front of the
// tenant store so that several service replicas do not all hit Postgres when their
// in-process registries expire.
type CachingTenantRepository struct {
	inner ports.TenantRepository
	cache ports.Cache
	ttl   time.Duration
	sf    singleflight.Group
}

var (
	_ ports.TenantRepository   = (*CachingTenantRepository)(nil)
	_ ports.TenantCacheEvictor = (*CachingTenantRepository)(nil)
)

func NewCachingTenantRepository(inner ports.TenantRepository, cache ports.Cache, ttl time.Duration) *CachingTenantRepository {
	return &CachingTenantRepository{inner: inner, cache: cache, ttl: ttl}
}

func idKey(id uuid.UUID) string  { return "tenant:id:" + id.String() }
func slugKey(slug string) string { return "tenant:slug:" + slug }

func (c *CachingTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	return c.load(ctx, idKey(id), func() (*tenant.Tenant, error) { return c.inner.GetByID(ctx, id) })
}

func (c *CachingTenantRepository) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	return c.load(ctx, slugKey(slug), func() (*tenant.Tenant, error) { return c.inner.GetBySlug(ctx, slug) })
}

// List is not cached; it is only used for bulk preloading.
func (c *CachingTenantRepository) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	tenants, err := c.inner.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		c.store(ctx, t)
	}
	return tenants, nil
}

// Evict removes the cached entries of a tenant. An empty slug leaves the slug key to
// expire on its own.
func (c *CachingTenantRepository) Evict(ctx context.Context, id uuid.UUID, slug string) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Delete(ctx, idKey(id))
	if slug != "" {
		_ = c.cache.Delete(ctx, slugKey(slug))
	}
}

func (c *CachingTenantRepository) load(ctx context.Context, key string, loader func() (*tenant.Tenant, error)) (*tenant.Tenant, error) {
	if v, ok := cacheGet[tenant.Tenant](c.cache, ctx, key); ok {
		return v, nil
	}
	res, err, _ := c.sf.Do(key, func() (any, error) {
		t, err := loader()
		if err != nil {
			return nil, err
		}
		c.store(ctx, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	t, ok := res.(*tenant.Tenant)
	if !ok {
		return nil, fmt.Errorf("unexpected type from singleflight result")
	}
	return t, nil
}

func (c *CachingTenantRepository) store(ctx context.Context, t *tenant.Tenant) {
	cacheSetSilently(c.cache, ctx, idKey(t.ID), t, c.ttl)
	cacheSetSilently(c.cache, ctx, slugKey(t.Slug), t, c.ttl)
}
