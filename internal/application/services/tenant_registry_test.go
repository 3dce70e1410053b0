package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	impl "github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/mocks"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newRegistry(repo *mocks.TenantRepositoryMock, now *fakeNow) (*impl.TenantRegistryService, *impl.Metrics) {
	m := impl.NewMetrics(prometheus.NewRegistry())
	r := impl.NewTenantRegistryService(repo, &impl.TenantRegistryConfig{
		TTL:         time.Minute,
		Grace:       5 * time.Minute,
		NegativeTTL: 10 * time.Second,
		Now:         now.Now,
	}, m, nil)
	return r, m
}

func slugRepo(calls *atomic.Int32, tenants ...*tenant.Tenant) *mocks.TenantRepositoryMock {
	return &mocks.TenantRepositoryMock{
		GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
			calls.Add(1)
			for _, t := range tenants {
				if t.Slug == slug {
					return t, nil
				}
			}
			return nil, tenant.ErrTenantNotFound
		},
	}
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	acme := newTenant("acme", 100)
	var calls atomic.Int32
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, m := newRegistry(slugRepo(&calls, acme), now)

	got, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, acme.ID, got.ID)

	now.Advance(30 * time.Second)
	got, err = reg.Resolve(context.Background(), " acme ")
	require.NoError(t, err)
	require.Equal(t, acme.ID, got.ID)

	// The entry is indexed by id as well as slug.
	got, err = reg.Resolve(context.Background(), acme.ID.String())
	require.NoError(t, err)
	require.Equal(t, "acme", got.Slug)

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, float64(2), testutil.ToFloat64(m.RegistryLookups.WithLabelValues("hit")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RegistryLookups.WithLabelValues("miss")))
}

func TestResolve_ServesStaleWhileRefreshing(t *testing.T) {
	acme := newTenant("acme", 100)
	updated := *acme
	updated.Plan = tenant.PlanEnterprise

	var calls atomic.Int32
	repo := &mocks.TenantRepositoryMock{GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
		if calls.Add(1) == 1 {
			return acme, nil
		}
		return &updated, nil
	}}
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, m := newRegistry(repo, now)

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	now.Advance(2 * time.Minute)
	got, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, tenant.PlanPro, got.Plan)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RegistryLookups.WithLabelValues("stale")))

	require.Eventually(t, func() bool {
		got, err := reg.Resolve(context.Background(), "acme")
		return err == nil && got.Plan == tenant.PlanEnterprise
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}

func TestResolve_FailsClosedAfterGrace(t *testing.T) {
	acme := newTenant("acme", 100)
	storeDown := errors.New("connection refused")
	var calls atomic.Int32
	repo := &mocks.TenantRepositoryMock{GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
		if calls.Add(1) == 1 {
			return acme, nil
		}
		return nil, storeDown
	}}
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, m := newRegistry(repo, now)

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	now.Advance(6 * time.Minute)
	got, err := reg.Resolve(context.Background(), "acme")
	require.Nil(t, got)
	require.ErrorIs(t, err, tenant.ErrTenantUnresolvable)
	require.ErrorIs(t, err, storeDown)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RegistryLookups.WithLabelValues("error")))

	// Store errors other than not-found are not remembered.
	_, err = reg.Resolve(context.Background(), "acme")
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestResolve_NegativeCacheForUnknownTenant(t *testing.T) {
	var calls atomic.Int32
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, m := newRegistry(slugRepo(&calls), now)

	for i := 0; i < 3; i++ {
		_, err := reg.Resolve(context.Background(), "ghost-tenant")
		require.ErrorIs(t, err, tenant.ErrTenantUnresolvable)
		require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	}
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, float64(2), testutil.ToFloat64(m.RegistryLookups.WithLabelValues("negative")))

	now.Advance(11 * time.Second)
	_, err := reg.Resolve(context.Background(), "ghost-tenant")
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	require.Equal(t, int32(2), calls.Load())
}

func TestResolve_NegativeCacheIsPrunedAndBounded(t *testing.T) {
	var calls atomic.Int32
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, _ := newRegistry(slugRepo(&calls), now)
	ctx := context.Background()

	for i := 0; i < 10_000; i++ {
		_, err := reg.Resolve(ctx, fmt.Sprintf("ghost-%d", i))
		require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	}
	require.Equal(t, 10_000, reg.NegativeCount())

	now.Advance(time.Hour)
	_, err := reg.Resolve(ctx, "ghost-next")
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	require.Equal(t, 1, reg.NegativeCount())

	// An expired entry is dropped on lookup even when the store then fails.
	now.Advance(time.Hour)
	var flaky atomic.Int32
	reg2, _ := newRegistry(&mocks.TenantRepositoryMock{GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
		if flaky.Add(1) == 1 {
			return nil, tenant.ErrTenantNotFound
		}
		return nil, errors.New("connection reset")
	}}, now)
	_, err = reg2.Resolve(ctx, "ghost-a")
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	require.Equal(t, 1, reg2.NegativeCount())
	now.Advance(11 * time.Second)
	_, err = reg2.Resolve(ctx, "ghost-a")
	require.Error(t, err)
	require.Zero(t, reg2.NegativeCount())

	capped := impl.NewTenantRegistryService(slugRepo(&calls), &impl.TenantRegistryConfig{
		NegativeTTL: time.Minute,
		NegativeMax: 3,
		Now:         now.Now,
	}, nil, nil)
	for i := 0; i < 7; i++ {
		_, _ = capped.Resolve(ctx, fmt.Sprintf("ghost-%d", i))
		require.LessOrEqual(t, capped.NegativeCount(), 3)
	}
}

func TestResolve_EmptyIdentifier(t *testing.T) {
	now := &fakeNow{t: time.Now()}
	reg, _ := newRegistry(&mocks.TenantRepositoryMock{}, now)

	_, err := reg.Resolve(context.Background(), "   ")
	require.ErrorIs(t, err, tenant.ErrTenantUnresolvable)
}

func TestResolve_ConcurrentMissesShareOneLookup(t *testing.T) {
	acme := newTenant("acme", 100)
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	repo := &mocks.TenantRepositoryMock{GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return acme, nil
	}}
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, _ := newRegistry(repo, now)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Resolve(context.Background(), "acme")
			errs <- err
		}()
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestInvalidate_ForcesReload(t *testing.T) {
	acme := newTenant("acme", 100)
	var calls atomic.Int32
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, _ := newRegistry(slugRepo(&calls, acme), now)

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	reg.Invalidate(acme.ID)
	reg.Invalidate(uuid.New())

	_, err = reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestPreload_PagesThroughStore(t *testing.T) {
	all := []*tenant.Tenant{
		newTenant("a", 10), newTenant("b", 10), newTenant("c", 10), newTenant("d", 10), newTenant("e", 10),
	}
	var pages, lookups atomic.Int32
	repo := &mocks.TenantRepositoryMock{
		ListFn: func(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
			pages.Add(1)
			if offset >= len(all) {
				return nil, nil
			}
			end := offset + limit
			if end > len(all) {
				end = len(all)
			}
			return all[offset:end], nil
		},
		GetBySlugFn: func(ctx context.Context, slug string) (*tenant.Tenant, error) {
			lookups.Add(1)
			return nil, tenant.ErrTenantNotFound
		},
	}
	now := &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, _ := newRegistry(repo, now)

	n, err := reg.Preload(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int32(3), pages.Load())

	for _, want := range all {
		got, err := reg.Resolve(context.Background(), want.Slug)
		require.NoError(t, err)
		require.Equal(t, want.ID, got.ID)
	}
	require.Zero(t, lookups.Load())
}

func TestPreload_StoreErrorReportsPartialCount(t *testing.T) {
	repo := &mocks.TenantRepositoryMock{ListFn: func(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
		if offset == 0 {
			return []*tenant.Tenant{newTenant("a", 1), newTenant("b", 1)}, nil
		}
		return nil, errors.New("timeout")
	}}
	now := &fakeNow{t: time.Now()}
	reg, _ := newRegistry(repo, now)

	n, err := reg.Preload(context.Background(), 2)
	require.Error(t, err)
	require.Equal(t, 2, n)
}
