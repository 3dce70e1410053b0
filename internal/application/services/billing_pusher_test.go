package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	impl "github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/repositories"
	"github.com/avatarctic/tenant-metering/go/internal/mocks"
)

type pusherFixture struct {
	store    *repositories.MemoryUsageRepository
	reporter *mocks.BillingReporterMock
	alerter  *mocks.AlerterMock
	metrics  *impl.Metrics
	now      *fakeNow
	pusher   *impl.BillingPusher

	mu   sync.Mutex
	keys []string
}

func newPusherFixture(t *testing.T, maxAttempts int, tenants ...*tenant.Tenant) *pusherFixture {
	t.Helper()
	f := &pusherFixture{
		store:   repositories.NewMemoryUsageRepository(),
		alerter: &mocks.AlerterMock{},
		metrics: impl.NewMetrics(prometheus.NewRegistry()),
		now:     &fakeNow{t: hour0.Add(2 * time.Hour)},
	}
	f.reporter = &mocks.BillingReporterMock{ReportFn: func(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error {
		f.mu.Lock()
		f.keys = append(f.keys, rec.IdempotencyKey())
		f.mu.Unlock()
		return nil
	}}
	f.pusher = impl.NewBillingPusher(f.store, mocks.StaticRegistry(tenants...), f.reporter, f.alerter, &impl.BillingPusherConfig{
		MaxAttempts:   maxAttempts,
		BaseDelay:     time.Minute,
		MaxDelay:      time.Hour,
		RatePerSecond: 1000,
		Burst:         100,
		Now:           f.now.Now,
	}, f.metrics, nil)
	return f
}

func (f *pusherFixture) closeWindow(t *testing.T, tn *tenant.Tenant, start time.Time, counts usage.Counts) {
	t.Helper()
	require.NoError(t, f.store.CloseWindow(context.Background(), &usage.Record{
		TenantID:    tn.ID,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		Counts:      counts,
		ComputedAt:  start.Add(time.Hour),
	}))
}

func TestPushPending_MarksRecordsBilled(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newPusherFixture(t, 5, acme)
	f.closeWindow(t, acme, hour0, usage.Counts{Trace: 1000, Seat: 5})
	f.closeWindow(t, acme, hour0.Add(time.Hour), usage.Counts{Trace: 7})

	report, err := f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, impl.PushReport{Attempted: 2, Billed: 2}, report)
	require.Len(t, f.keys, 2)
	require.Equal(t, (&usage.Record{TenantID: acme.ID, WindowStart: hour0}).IdempotencyKey(), f.keys[0])

	rec, err := f.store.GetRecord(context.Background(), acme.ID, hour0)
	require.NoError(t, err)
	require.Equal(t, usage.BillingBilled, rec.BillingStatus)
	require.NotNil(t, rec.BilledAt)
	require.Equal(t, f.now.Now(), *rec.BilledAt)
	require.Equal(t, float64(2), testutil.ToFloat64(f.metrics.BillingPushes.WithLabelValues("billed")))

	report, err = f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

func TestPushPending_RetriesWithBackoff(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newPusherFixture(t, 5, acme)
	f.closeWindow(t, acme, hour0, usage.Counts{Trace: 1})
	calls := 0
	f.reporter.ReportFn = func(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error {
		calls++
		if calls == 1 {
			return errors.New("provider 503")
		}
		return nil
	}

	report, err := f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	rec, err := f.store.GetRecord(context.Background(), acme.ID, hour0)
	require.NoError(t, err)
	require.Equal(t, usage.BillingPending, rec.BillingStatus)
	require.Equal(t, 1, rec.BillingAttempts)
	require.Equal(t, f.now.Now().Add(time.Minute), *rec.NextBillingAt)

	// Not due yet.
	report, err = f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Attempted)

	f.now.Advance(time.Minute)
	report, err = f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Billed)
	require.Equal(t, 2, calls)
}

func TestPushPending_AbandonsAfterMaxAttempts(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newPusherFixture(t, 2, acme)
	f.closeWindow(t, acme, hour0, usage.Counts{Seat: 3})
	f.reporter.ReportFn = func(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error {
		return errors.New("invalid subscription item")
	}

	report, err := f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, f.alerter.Count())

	f.now.Advance(time.Hour)
	report, err = f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Abandoned)
	require.Equal(t, 1, f.alerter.Count())

	rec, err := f.store.GetRecord(context.Background(), acme.ID, hour0)
	require.NoError(t, err)
	require.Equal(t, usage.BillingAbandoned, rec.BillingStatus)
	require.Equal(t, 2, rec.BillingAttempts)
	require.Nil(t, rec.NextBillingAt)

	f.now.Advance(24 * time.Hour)
	report, err = f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

func TestPushPending_UnknownTenantCountsAsFailure(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newPusherFixture(t, 5)
	f.closeWindow(t, acme, hour0, usage.Counts{Trace: 1})

	report, err := f.pusher.PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Empty(t, f.keys)
}

func TestPushPending_CanceledContext(t *testing.T) {
	acme := newTenant("acme", 10)
	f := newPusherFixture(t, 5, acme)
	f.closeWindow(t, acme, hour0, usage.Counts{Trace: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pusher.PushPending(ctx)
	require.ErrorIs(t, err, context.Canceled)

	rec, err := f.store.GetRecord(context.Background(), acme.ID, hour0)
	require.NoError(t, err)
	require.Equal(t, usage.BillingPending, rec.BillingStatus)
	require.Zero(t, rec.BillingAttempts)
}
