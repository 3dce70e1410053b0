package services_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	impl "github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/avatarctic/tenant-metering/go/internal/clock"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/mocks"
)

func newTenant(slug string, rps int) *tenant.Tenant {
	return &tenant.Tenant{
		ID:     uuid.New(),
		Name:   slug,
		Slug:   slug,
		Plan:   tenant.PlanPro,
		Status: tenant.TenantStatusActive,
		Settings: tenant.TenantSettings{
			Limits: tenant.TenantLimits{RequestsPerSecond: rps},
		},
	}
}

type limiterFixture struct {
	svc     *impl.RateLimiterService
	clk     *clock.ManualClock
	metrics *impl.Metrics
}

func newLimiter(t *testing.T, cfg impl.RateLimiterConfig, tenants ...*tenant.Tenant) limiterFixture {
	t.Helper()
	clk := clock.NewManualClock(0)
	cfg.Clock = clk
	if cfg.WallNow == nil {
		wall := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		cfg.WallNow = func() time.Time { return wall }
	}
	m := impl.NewMetrics(prometheus.NewRegistry())
	return limiterFixture{
		svc:     impl.NewRateLimiterService(mocks.StaticRegistry(tenants...), &cfg, m, nil),
		clk:     clk,
		metrics: m,
	}
}

// assertWindowBound checks that no trailing one-second window (t-1s, t] holds more
// than limit admissions. ts must be sorted.
func assertWindowBound(t *testing.T, ts []time.Duration, limit int) {
	t.Helper()
	j := 0
	for i := range ts {
		for ts[i]-ts[j] >= time.Second {
			j++
		}
		require.LessOrEqualf(t, i-j+1, limit, "window ending at %s admitted %d", ts[i], i-j+1)
	}
}

func TestAdmitTenant_BurstOf250AgainstCapacity200(t *testing.T) {
	acme := newTenant("acme", 200)
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	allowed, denied := 0, 0
	for i := 0; i < 250; i++ {
		d := f.svc.AdmitTenant(acme, 1)
		if d.Allowed {
			allowed++
		} else {
			denied++
			require.Greater(t, d.RetryAfter, time.Duration(0))
			require.LessOrEqual(t, d.RetryAfter, time.Second)
		}
		require.NoError(t, f.clk.Advance(4*time.Millisecond))
	}
	require.Equal(t, 200, allowed)
	require.Equal(t, 50, denied)
	require.Equal(t, float64(200), testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("allowed")))
	require.Equal(t, float64(50), testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("rate_limited")))
}

func TestAdmitTenant_WindowBlocksSecondBurstUntilBoundary(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	for i := 0; i < 10; i++ {
		require.True(t, f.svc.AdmitTenant(acme, 1).Allowed)
	}
	d := f.svc.AdmitTenant(acme, 1)
	require.False(t, d.Allowed)
	require.Equal(t, time.Second, d.RetryAfter)
	require.Equal(t, 0, d.Remaining)

	// The bucket has refilled almost entirely but the window is still full.
	require.NoError(t, f.clk.Advance(999*time.Millisecond))
	d = f.svc.AdmitTenant(acme, 1)
	require.False(t, d.Allowed)
	require.Equal(t, time.Millisecond, d.RetryAfter)

	require.NoError(t, f.clk.Advance(time.Millisecond))
	for i := 0; i < 5; i++ {
		require.True(t, f.svc.AdmitTenant(acme, 1).Allowed)
	}
}

func TestAdmitTenant_NeverExceedsRateOverTime(t *testing.T) {
	const capacity = 50
	acme := newTenant("acme", capacity)
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	rng := rand.New(rand.NewSource(42))
	var admitted []time.Duration
	var elapsed time.Duration
	for i := 0; i < 5000; i++ {
		step := time.Duration(rng.Intn(4000)) * time.Microsecond
		require.NoError(t, f.clk.Advance(step))
		elapsed += step
		if f.svc.AdmitTenant(acme, 1+rng.Intn(2)).Allowed {
			admitted = append(admitted, elapsed)
		}
	}

	seconds := elapsed.Seconds()
	if seconds < 1 {
		seconds = 1
	}
	require.LessOrEqual(t, float64(len(admitted)), capacity*seconds+capacity)
	// Every admission here costs at least one unit, so the count bound is implied.
	assertWindowBound(t, admitted, capacity)
}

func TestAdmitTenant_ConcurrentCallersRespectCapacity(t *testing.T) {
	acme := newTenant("acme", 200)
	f := newLimiter(t, impl.RateLimiterConfig{Shards: 4}, acme)

	perPhase := make([]int, 11)
	for phase := 0; phase <= 10; phase++ {
		switch {
		case phase == 10:
			require.NoError(t, f.clk.Advance(200*time.Millisecond))
		case phase > 0:
			require.NoError(t, f.clk.Advance(100*time.Millisecond))
		}
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for g := 0; g < 50; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n := 0
				for i := 0; i < 10; i++ {
					if f.svc.AdmitTenant(acme, 1).Allowed {
						n++
					}
				}
				mu.Lock()
				perPhase[phase] += n
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	require.Equal(t, 200, perPhase[0])
	for phase := 1; phase < 10; phase++ {
		require.Zerof(t, perPhase[phase], "phase %d", phase)
	}
	// The first burst has left the trailing window and the bucket is full again.
	require.Equal(t, 200, perPhase[10])
}

func TestAdmitTenant_TenantsAreIsolated(t *testing.T) {
	a := newTenant("alpha", 5)
	b := newTenant("beta", 5)
	f := newLimiter(t, impl.RateLimiterConfig{}, a, b)

	for i := 0; i < 20; i++ {
		f.svc.AdmitTenant(a, 1)
	}
	require.False(t, f.svc.AdmitTenant(a, 1).Allowed)

	d := f.svc.AdmitTenant(b, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 4, d.Remaining)
}

func TestAdmitTenant_BurstWindowLimitBelowCapacity(t *testing.T) {
	acme := newTenant("acme", 10)
	acme.Settings.Limits.BurstWindowLimit = 4
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	for i := 0; i < 4; i++ {
		require.True(t, f.svc.AdmitTenant(acme, 1).Allowed)
	}
	d := f.svc.AdmitTenant(acme, 1)
	require.False(t, d.Allowed)
	require.Equal(t, 10, d.Limit)
}

func TestAdmitTenant_CostAboveWindowIsOversize(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	d := f.svc.AdmitTenant(acme, 11)
	require.False(t, d.Allowed)
	require.True(t, d.Oversize)
	require.Zero(t, d.RetryAfter)
	require.Equal(t, 10, d.Limit)
	require.Zero(t, f.svc.StateCount())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("oversize")))

	// The rejection consumed nothing.
	require.Equal(t, 10, f.svc.Peek(acme).Remaining)

	d = f.svc.AdmitTenant(acme, 4)
	require.True(t, d.Allowed)
	require.Equal(t, 6, d.Remaining)
}

func TestAdmitTenant_CapacityChangeClampsTokens(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newLimiter(t, impl.RateLimiterConfig{}, acme)

	require.True(t, f.svc.AdmitTenant(acme, 2).Allowed)
	require.Equal(t, 8, f.svc.Peek(acme).Remaining)

	acme.Settings.Limits.RequestsPerSecond = 5
	d := f.svc.Peek(acme)
	require.Equal(t, 5, d.Limit)
	require.Equal(t, 3, d.Remaining)
}

func TestPeek_DoesNotConsume(t *testing.T) {
	acme := newTenant("acme", 3)
	wall := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newLimiter(t, impl.RateLimiterConfig{WallNow: func() time.Time { return wall }}, acme)

	for i := 0; i < 5; i++ {
		d := f.svc.Peek(acme)
		require.True(t, d.Allowed)
		require.Equal(t, 3, d.Remaining)
		require.Equal(t, wall, d.Reset)
	}
	for i := 0; i < 3; i++ {
		require.True(t, f.svc.AdmitTenant(acme, 1).Allowed)
	}
	d := f.svc.Peek(acme)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.WithinDuration(t, wall.Add(time.Second), d.Reset, time.Millisecond)
}

func TestAdmitTenant_IdleStateEvictedAndColdStartIsFull(t *testing.T) {
	a := newTenant("alpha", 10)
	b := newTenant("beta", 10)
	f := newLimiter(t, impl.RateLimiterConfig{Shards: 1, IdleTTL: time.Minute, SweepInterval: time.Second}, a, b)

	for i := 0; i < 10; i++ {
		f.svc.AdmitTenant(a, 1)
	}
	require.Equal(t, 1, f.svc.StateCount())

	require.NoError(t, f.clk.Advance(2*time.Minute))
	require.True(t, f.svc.AdmitTenant(b, 1).Allowed)
	require.Equal(t, 1, f.svc.StateCount())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LimiterEvictions))

	d := f.svc.AdmitTenant(a, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 9, d.Remaining)
	require.Equal(t, 2, f.svc.StateCount())
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.LimiterStates))
}

func TestAdmit_ResolutionFailuresAreDenied(t *testing.T) {
	acme := newTenant("acme", 10)
	frozen := newTenant("frozen", 10)
	frozen.Status = tenant.TenantStatusSuspended
	f := newLimiter(t, impl.RateLimiterConfig{}, acme, frozen)
	ctx := context.Background()

	d, err := f.svc.Admit(ctx, "ghost-tenant", 1)
	require.ErrorIs(t, err, tenant.ErrTenantUnresolvable)
	require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	require.False(t, d.Allowed)

	d, err = f.svc.Admit(ctx, "frozen", 1)
	require.ErrorIs(t, err, tenant.ErrTenantInactive)
	require.False(t, d.Allowed)
	require.Equal(t, frozen, d.Tenant)

	d, err = f.svc.Admit(ctx, acme.ID.String(), 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, acme, d.Tenant)

	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("unresolvable")))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("inactive")))
	// Only admitted tenants get limiter state.
	require.Equal(t, 1, f.svc.StateCount())
}
