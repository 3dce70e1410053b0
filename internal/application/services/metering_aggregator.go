package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrMeteringPersist wraps storage failures while closing a window.
var ErrMeteringPersist = errors.New("metering persist failure")

// MeteringAggregatorConfig groups configuration for the aggregator.
type MeteringAggregatorConfig struct {
	// Parallelism caps how many tenants are aggregated concurrently.
	Parallelism int
	// StoreTimeout bounds each call to the usage store.
	StoreTimeout time.Duration
	// MaxWindowsPerTenant caps the windows closed for one tenant in a single pass.
	MaxWindowsPerTenant int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	// AlertThreshold is the number of consecutive failures that raises an alert.
	AlertThreshold int
}

type tenantFailure struct {
	attempts    int
	nextAttempt time.Time
	lastErr     string
	alerted     bool
}

// TenantFailure describes a tenant whose aggregation is deferred.
type TenantFailure struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error"`
}

// RunReport summarizes one aggregation pass.
type RunReport struct {
	Tenants       int         `json:"tenants"`
	WindowsClosed int         `json:"windows_closed"`
	LateDiscarded int         `json:"late_discarded"`
	Deferred      int         `json:"deferred"`
	Failed        []uuid.UUID `json:"failed,omitempty"`
	Canceled      bool        `json:"canceled"`
}

// MeteringAggregator rolls buffered usage events into hourly records. Each window is
// closed by one atomic store call that writes the record and advances the watermark;
// the drained events leave the bus only after that call succeeds.
type MeteringAggregator struct {
	bus     ports.UsageBus
	store   ports.UsageStore
	alerter ports.Alerter
	cfg     MeteringAggregatorConfig
	metrics *Metrics
	logger  *logrus.Logger

	runMu sync.Mutex

	mu       sync.Mutex
	failures map[uuid.UUID]*tenantFailure
}

func NewMeteringAggregator(bus ports.UsageBus, store ports.UsageStore, alerter ports.Alerter, cfg *MeteringAggregatorConfig, metrics *Metrics, logger *logrus.Logger) *MeteringAggregator {
	c := MeteringAggregatorConfig{
		Parallelism:         4,
		StoreTimeout:        5 * time.Second,
		MaxWindowsPerTenant: 48,
		RetryBaseDelay:      30 * time.Second,
		RetryMaxDelay:       30 * time.Minute,
		AlertThreshold:      5,
	}
	if cfg != nil {
		if cfg.Parallelism > 0 {
			c.Parallelism = cfg.Parallelism
		}
		if cfg.StoreTimeout > 0 {
			c.StoreTimeout = cfg.StoreTimeout
		}
		if cfg.MaxWindowsPerTenant > 0 {
			c.MaxWindowsPerTenant = cfg.MaxWindowsPerTenant
		}
		if cfg.RetryBaseDelay > 0 {
			c.RetryBaseDelay = cfg.RetryBaseDelay
		}
		if cfg.RetryMaxDelay > 0 {
			c.RetryMaxDelay = cfg.RetryMaxDelay
		}
		if cfg.AlertThreshold > 0 {
			c.AlertThreshold = cfg.AlertThreshold
		}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &MeteringAggregator{
		bus:      bus,
		store:    store,
		alerter:  alerter,
		cfg:      c,
		metrics:  metrics,
		logger:   logger,
		failures: make(map[uuid.UUID]*tenantFailure),
	}
}

// RunOnce closes every closeable window for every tenant with buffered events or a
// pending retry whose backoff has elapsed at now. Tenants in backoff are skipped and
// counted as deferred. The returned error is non-nil only when ctx was canceled.
func (a *MeteringAggregator) RunOnce(ctx context.Context, now time.Time) (RunReport, error) {
	ids := a.bus.Tenants()
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	a.mu.Lock()
	for id := range a.failures {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	return a.run(ctx, now, ids)
}

// RetryFailed reprocesses only the tenants whose backoff has elapsed at now.
func (a *MeteringAggregator) RetryFailed(ctx context.Context, now time.Time) (RunReport, error) {
	a.mu.Lock()
	ids := make([]uuid.UUID, 0, len(a.failures))
	for id, f := range a.failures {
		if !now.Before(f.nextAttempt) {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	if len(ids) == 0 {
		return RunReport{}, nil
	}
	return a.run(ctx, now, ids)
}

// Failures returns the tenants currently deferred.
func (a *MeteringAggregator) Failures() []TenantFailure {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TenantFailure, 0, len(a.failures))
	for id, f := range a.failures {
		out = append(out, TenantFailure{TenantID: id, Attempts: f.attempts, NextAttempt: f.nextAttempt, LastError: f.lastErr})
	}
	return out
}

func (a *MeteringAggregator) run(ctx context.Context, now time.Time, ids []uuid.UUID) (RunReport, error) {
	// A tenant is never aggregated by two passes at once.
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := time.Now()
	defer func() { a.metrics.RunDuration.Observe(time.Since(start).Seconds()) }()

	var (
		report RunReport
		repMu  sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(a.cfg.Parallelism)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if a.inBackoff(id, now) {
			report.Deferred++
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			closed, late, err := a.closeTenant(ctx, id, now)

			repMu.Lock()
			report.Tenants++
			report.WindowsClosed += closed
			report.LateDiscarded += late
			if err != nil && ctx.Err() == nil {
				report.Failed = append(report.Failed, id)
			}
			repMu.Unlock()

			switch {
			case err == nil:
				a.clearFailure(id)
			case ctx.Err() != nil:
				// Canceled mid-tenant; the watermark still marks the resume point.
			default:
				a.recordFailure(ctx, id, now, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		report.Canceled = true
		if a.logger != nil {
			a.logger.WithFields(logrus.Fields{"windows_closed": report.WindowsClosed}).Warn("metering: run canceled; remaining tenants resume next run")
		}
		return report, err
	}
	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"tenants":        report.Tenants,
			"windows_closed": report.WindowsClosed,
			"failed":         len(report.Failed),
			"deferred":       report.Deferred,
			"late_discarded": report.LateDiscarded,
		}).Info("metering: run complete")
	}
	return report, nil
}

// closeTenant closes the tenant's windows in order, starting at its watermark. Hours
// without events produce no record; the watermark moves past them with the next
// closed window.
func (a *MeteringAggregator) closeTenant(ctx context.Context, tenantID uuid.UUID, now time.Time) (closed, late int, err error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	wm, ok, err := a.store.GetWatermark(sctx, tenantID)
	cancel()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read watermark: %w", ErrMeteringPersist, err)
	}

	var cursor time.Time
	if ok {
		cursor = wm.LastClosedWindowEnd.UTC()
		// Anything older than the watermark belongs to a closed window.
		if late = a.bus.DiscardBefore(tenantID, cursor); late > 0 {
			a.metrics.LateEventsDiscarded.Add(float64(late))
			if a.logger != nil {
				a.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "count": late, "watermark": cursor}).Warn("metering: discarded events for closed windows")
			}
		}
	} else {
		oldest, found := a.bus.Oldest(tenantID, time.Time{})
		if !found {
			return 0, 0, nil
		}
		cursor = usage.WindowFloor(oldest)
	}

	for i := 0; i < a.cfg.MaxWindowsPerTenant; i++ {
		if err := ctx.Err(); err != nil {
			return closed, late, err
		}
		oldest, found := a.bus.Oldest(tenantID, cursor)
		if !found {
			return closed, late, nil
		}
		windowStart := cursor
		if fl := usage.WindowFloor(oldest); fl.After(windowStart) {
			windowStart = fl
		}
		windowEnd := windowStart.Add(usage.WindowSize)
		if now.Before(windowEnd) {
			return closed, late, nil
		}

		events, mark := a.bus.Drain(tenantID, windowStart, windowEnd)
		rec := &usage.Record{
			TenantID:      tenantID,
			WindowStart:   windowStart,
			WindowEnd:     windowEnd,
			Counts:        usage.Sum(events),
			ComputedAt:    now.UTC(),
			BillingStatus: usage.BillingPending,
		}
		sctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
		err := a.store.CloseWindow(sctx, rec)
		cancel()
		if err != nil {
			return closed, late, fmt.Errorf("%w: window %s: %w", ErrMeteringPersist, windowStart.Format(time.RFC3339), err)
		}
		// Events published into this window after the drain stay buffered and are
		// discarded as late on the next pass.
		a.bus.Commit(tenantID, mark)
		a.metrics.WindowsClosed.Inc()
		closed++
		cursor = windowEnd

		if a.logger != nil {
			a.logger.WithFields(logrus.Fields{
				"tenant_id":    tenantID,
				"window_start": windowStart,
				"events":       len(events),
			}).Debug("metering: window closed")
		}
	}
	return closed, late, nil
}

func (a *MeteringAggregator) inBackoff(id uuid.UUID, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[id]
	return ok && now.Before(f.nextAttempt)
}

func (a *MeteringAggregator) clearFailure(id uuid.UUID) {
	a.mu.Lock()
	delete(a.failures, id)
	a.mu.Unlock()
}

func (a *MeteringAggregator) recordFailure(ctx context.Context, id uuid.UUID, now time.Time, cause error) {
	a.metrics.AggregationFailures.Inc()

	a.mu.Lock()
	f, ok := a.failures[id]
	if !ok {
		f = &tenantFailure{}
		a.failures[id] = f
	}
	f.attempts++
	f.nextAttempt = now.Add(calculateBackoff(f.attempts, a.cfg.RetryBaseDelay, a.cfg.RetryMaxDelay))
	f.lastErr = cause.Error()
	attempts := f.attempts
	next := f.nextAttempt
	shouldAlert := attempts >= a.cfg.AlertThreshold && !f.alerted
	if shouldAlert {
		f.alerted = true
	}
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{"tenant_id": id, "attempts": attempts, "next_attempt": next}).WithError(cause).Error("metering: aggregation failed; tenant deferred")
	}
	if !shouldAlert {
		return
	}
	a.metrics.AggregationAlerts.Inc()
	if a.alerter == nil {
		return
	}
	subject := fmt.Sprintf("Usage metering failing for tenant %s", id)
	body := fmt.Sprintf("Aggregation for tenant %s has failed %d consecutive times.\nLast error: %s\nNext attempt: %s", id, attempts, cause, next.Format(time.RFC3339))
	if err := a.alerter.Alert(ctx, subject, body); err != nil && a.logger != nil {
		a.logger.WithFields(logrus.Fields{"tenant_id": id}).WithError(err).Error("metering: failed to send alert")
	}
}

// calculateBackoff returns base * 2^(attempt-1), capped at maxDelay.
func calculateBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return maxDelay
	}
	d := base * time.Duration(1<<(attempt-1))
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}
