package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avatarctic/tenant-metering/go/internal/application/services"
)

type aggregatorStub struct {
	runs    atomic.Int32
	retries atomic.Int32
	lastNow atomic.Value
}

func (a *aggregatorStub) RunOnce(ctx context.Context, now time.Time) (services.RunReport, error) {
	a.runs.Add(1)
	a.lastNow.Store(now)
	return services.RunReport{WindowsClosed: 1}, nil
}

func (a *aggregatorStub) RetryFailed(ctx context.Context, now time.Time) (services.RunReport, error) {
	a.retries.Add(1)
	return services.RunReport{}, nil
}

type billingStub struct{ pushes atomic.Int32 }

func (b *billingStub) PushPending(ctx context.Context) (services.PushReport, error) {
	b.pushes.Add(1)
	return services.PushReport{}, nil
}

type retentionStub struct{ cutoff atomic.Value }

func (r *retentionStub) DeleteBilledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.cutoff.Store(cutoff)
	return 3, nil
}

func TestNextRun_AlignedToIntervalWithOffset(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 20, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 1, 1, 11, 1, 0, 0, time.UTC), nextRun(now, time.Hour, time.Minute))

	now = time.Date(2025, 1, 1, 10, 0, 30, 0, time.UTC)
	require.Equal(t, time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC), nextRun(now, time.Hour, time.Minute))

	now = time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 1, 1, 11, 1, 0, 0, time.UTC), nextRun(now, time.Hour, time.Minute))
}

func TestRunNow_UsesAggregatorWithoutStart(t *testing.T) {
	agg := &aggregatorStub{}
	s := NewMeteringScheduler(agg, nil, nil, DefaultConfig(), nil)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.WindowsClosed)
	require.Equal(t, int32(1), agg.runs.Load())
	require.Equal(t, fixed, agg.lastNow.Load())
}

func TestStartStop_LoopsRunAndExit(t *testing.T) {
	agg := &aggregatorStub{}
	bill := &billingStub{}
	ret := &retentionStub{}
	cfg := DefaultConfig()
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.BillingInterval = 5 * time.Millisecond
	cfg.RetentionInterval = 5 * time.Millisecond
	s := NewMeteringScheduler(agg, bill, ret, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsRunning())
	require.Eventually(t, func() bool {
		return agg.retries.Load() > 0 && bill.pushes.Load() > 0 && ret.cutoff.Load() != nil
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	before := agg.runs.Load()
	require.NoError(t, s.Stop(ctx))
	require.False(t, s.IsRunning())
	// Stopping flushes closeable windows once more.
	require.Greater(t, agg.runs.Load(), before)
	require.ErrorIs(t, s.Stop(ctx), ErrSchedulerNotRunning)
}

func TestStart_DisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	s := NewMeteringScheduler(&aggregatorStub{}, nil, nil, cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	require.False(t, s.IsRunning())
}

func TestFlush_UsesCallerContext(t *testing.T) {
	agg := &aggregatorStub{}
	s := NewMeteringScheduler(agg, nil, nil, DefaultConfig(), nil)
	fixed := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	report, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.WindowsClosed)
	require.Equal(t, fixed, agg.lastNow.Load())
}
