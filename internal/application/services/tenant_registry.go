package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// TenantRegistryConfig groups the cache policy of the registry.
type TenantRegistryConfig struct {
	// TTL is how long an entry is served without refreshing.
	TTL time.Duration
	// Grace is how long past TTL a stale entry is still served while a refresh runs.
	Grace time.Duration
	// NegativeTTL is how long an unknown identifier is remembered as unknown.
	NegativeTTL time.Duration
	// NegativeMax caps the number of remembered unknown identifiers.
	NegativeMax int
	// ResolveTimeout bounds a single lookup against the tenant store.
	ResolveTimeout time.Duration
	// Now returns wall-clock time. Defaults to time.Now.
	Now func() time.Time
}

type registryEntry struct {
	tenant     *tenant.Tenant
	fetchedAt  time.Time
	refreshing atomic.Bool
}

// TenantRegistryService resolves tenant identifiers with a TTL cache, a stale grace
// period and a fail-closed policy when nothing usable is known.
type TenantRegistryService struct {
	repo    ports.TenantRepository
	cfg     TenantRegistryConfig
	logger  *logrus.Logger
	metrics *Metrics

	mu       sync.RWMutex
	byID     map[uuid.UUID]*registryEntry
	slugs    map[string]uuid.UUID
	negative map[string]time.Time
	// negPrunedAt is when expired negative entries were last swept.
	negPrunedAt time.Time

	sf singleflight.Group
}

var _ ports.TenantRegistry = (*TenantRegistryService)(nil)

func NewTenantRegistryService(repo ports.TenantRepository, cfg *TenantRegistryConfig, metrics *Metrics, logger *logrus.Logger) *TenantRegistryService {
	c := TenantRegistryConfig{
		TTL:            time.Minute,
		Grace:          5 * time.Minute,
		NegativeTTL:    10 * time.Second,
		NegativeMax:    10_000,
		ResolveTimeout: 2 * time.Second,
		Now:            time.Now,
	}
	if cfg != nil {
		if cfg.TTL > 0 {
			c.TTL = cfg.TTL
		}
		if cfg.Grace >= 0 {
			c.Grace = cfg.Grace
		}
		if cfg.NegativeTTL > 0 {
			c.NegativeTTL = cfg.NegativeTTL
		}
		if cfg.NegativeMax > 0 {
			c.NegativeMax = cfg.NegativeMax
		}
		if cfg.ResolveTimeout > 0 {
			c.ResolveTimeout = cfg.ResolveTimeout
		}
		if cfg.Now != nil {
			c.Now = cfg.Now
		}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &TenantRegistryService{
		repo:     repo,
		cfg:      c,
		logger:   logger,
		metrics:  metrics,
		byID:     make(map[uuid.UUID]*registryEntry),
		slugs:    make(map[string]uuid.UUID),
		negative: make(map[string]time.Time),
	}
}

// Resolve maps a tenant UUID or slug to the tenant. Returned tenants are shared and
// must not be modified.
func (r *TenantRegistryService) Resolve(ctx context.Context, ref string) (*tenant.Tenant, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty tenant identifier", tenant.ErrTenantUnresolvable)
	}
	now := r.cfg.Now()

	r.mu.RLock()
	entry := r.lookupLocked(ref)
	negUntil, negative := r.negative[ref]
	r.mu.RUnlock()

	if entry != nil {
		age := now.Sub(entry.fetchedAt)
		if age < r.cfg.TTL {
			r.metrics.RegistryLookups.WithLabelValues("hit").Inc()
			return entry.tenant, nil
		}
		if age < r.cfg.TTL+r.cfg.Grace {
			r.metrics.RegistryLookups.WithLabelValues("stale").Inc()
			r.refreshAsync(ref, entry)
			return entry.tenant, nil
		}
	}
	if negative {
		if now.Before(negUntil) {
			r.metrics.RegistryLookups.WithLabelValues("negative").Inc()
			return nil, fmt.Errorf("%w: %w", tenant.ErrTenantUnresolvable, tenant.ErrTenantNotFound)
		}
		r.mu.Lock()
		if until, ok := r.negative[ref]; ok && !now.Before(until) {
			delete(r.negative, ref)
		}
		r.mu.Unlock()
	}

	r.metrics.RegistryLookups.WithLabelValues("miss").Inc()
	t, err := r.load(ctx, ref)
	if err != nil {
		r.metrics.RegistryLookups.WithLabelValues("error").Inc()
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"tenant_ref": ref}).WithError(err).Warn("tenant registry: resolution failed")
		}
		return nil, fmt.Errorf("%w: %w", tenant.ErrTenantUnresolvable, err)
	}
	return t, nil
}

// Invalidate forgets any cached entry for id, including the shared cache when the
// tenant store keeps one.
func (r *TenantRegistryService) Invalidate(id uuid.UUID) {
	var slug string
	r.mu.Lock()
	if e, ok := r.byID[id]; ok {
		slug = e.tenant.Slug
		delete(r.slugs, slug)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ev, ok := r.repo.(ports.TenantCacheEvictor); ok {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ResolveTimeout)
		ev.Evict(ctx, id, slug)
		cancel()
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"tenant_id": id}).Info("tenant registry: entry invalidated")
	}
}

// Preload fills the cache from the tenant store so the first requests after startup
// do not all miss.
func (r *TenantRegistryService) Preload(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	loaded := 0
	for offset := 0; ; offset += batch {
		page, err := r.repo.List(ctx, batch, offset)
		if err != nil {
			return loaded, fmt.Errorf("failed to preload tenants: %w", err)
		}
		for _, t := range page {
			r.store(t)
		}
		loaded += len(page)
		if len(page) < batch {
			return loaded, nil
		}
	}
}

func (r *TenantRegistryService) lookupLocked(ref string) *registryEntry {
	if id, err := uuid.Parse(ref); err == nil {
		return r.byID[id]
	}
	if id, ok := r.slugs[ref]; ok {
		return r.byID[id]
	}
	return nil
}

func (r *TenantRegistryService) refreshAsync(ref string, entry *registryEntry) {
	if !entry.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer entry.refreshing.Store(false)
		if _, err := r.load(context.Background(), ref); err != nil && r.logger != nil {
			r.logger.WithFields(logrus.Fields{"tenant_ref": ref}).WithError(err).Warn("tenant registry: background refresh failed; serving stale entry")
		}
	}()
}

func (r *TenantRegistryService) load(ctx context.Context, ref string) (*tenant.Tenant, error) {
	res, err, _ := r.sf.Do(ref, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.ResolveTimeout)
		defer cancel()

		var t *tenant.Tenant
		var err error
		if id, perr := uuid.Parse(ref); perr == nil {
			t, err = r.repo.GetByID(lctx, id)
		} else {
			t, err = r.repo.GetBySlug(lctx, ref)
		}
		if err != nil {
			if errors.Is(err, tenant.ErrTenantNotFound) {
				r.rememberUnknown(ref)
			}
			return nil, err
		}
		if t == nil {
			return nil, tenant.ErrTenantNotFound
		}
		r.store(t)
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

// NegativeCount returns the number of identifiers currently remembered as unknown.
func (r *TenantRegistryService) NegativeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.negative)
}

// rememberUnknown records ref as unknown. Expired entries are swept at most once per
// NegativeTTL, and when the map is still full it is reset.
func (r *TenantRegistryService) rememberUnknown(ref string) {
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.negative) >= r.cfg.NegativeMax || now.Sub(r.negPrunedAt) >= r.cfg.NegativeTTL {
		for k, until := range r.negative {
			if !now.Before(until) {
				delete(r.negative, k)
			}
		}
		r.negPrunedAt = now
	}
	if len(r.negative) >= r.cfg.NegativeMax {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"entries": len(r.negative)}).Warn("tenant registry: negative cache full; resetting")
		}
		clear(r.negative)
	}
	r.negative[ref] = now.Add(r.cfg.NegativeTTL)
}

func (r *TenantRegistryService) store(t *tenant.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[t.ID]; ok && old.tenant.Slug != t.Slug {
		delete(r.slugs, old.tenant.Slug)
	}
	r.byID[t.ID] = &registryEntry{tenant: t, fetchedAt: r.cfg.Now()}
	r.slugs[t.Slug] = t.ID
	delete(r.negative, t.Slug)
	delete(r.negative, t.ID.String())
}
