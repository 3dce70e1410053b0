package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
)

// MemoryTenantRepository serves a fixed tenant set for local runs without Postgres.
type MemoryTenantRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*tenant.Tenant
	bySlug map[string]*tenant.Tenant
}

var _ ports.TenantRepository = (*MemoryTenantRepository)(nil)

func NewMemoryTenantRepository(tenants ...*tenant.Tenant) *MemoryTenantRepository {
	r := &MemoryTenantRepository{
		byID:   make(map[uuid.UUID]*tenant.Tenant, len(tenants)),
		bySlug: make(map[string]*tenant.Tenant, len(tenants)),
	}
	for _, t := range tenants {
		r.Put(t)
	}
	return r
}

// LoadTenantsFile reads a JSON array of tenants.
func LoadTenantsFile(path string) (*MemoryTenantRepository, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	var tenants []*tenant.Tenant
	if err := json.Unmarshal(raw, &tenants); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}
	for i, t := range tenants {
		if t.ID == uuid.Nil || t.Slug == "" {
			return nil, fmt.Errorf("tenant %d: id and slug are required", i)
		}
		if t.Status == "" {
			t.Status = tenant.TenantStatusActive
		}
	}
	return NewMemoryTenantRepository(tenants...), nil
}

// Put inserts or replaces a tenant.
func (r *MemoryTenantRepository) Put(t *tenant.Tenant) {
	c := *t
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[c.ID]; ok {
		delete(r.bySlug, old.Slug)
	}
	r.byID[c.ID] = &c
	r.bySlug[c.Slug] = &c
}

func (r *MemoryTenantRepository) GetByID(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
	}
	c := *t
	return &c, nil
}

func (r *MemoryTenantRepository) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySlug[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, slug)
	}
	c := *t
	return &c, nil
}

func (r *MemoryTenantRepository) List(_ context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	r.mu.RLock()
	all := make([]*tenant.Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		c := *t
		all = append(all, &c)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Slug < all[j].Slug })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
