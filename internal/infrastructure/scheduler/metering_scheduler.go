package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/sirupsen/logrus"
)

// ErrSchedulerNotRunning is returned by Stop callers that expect a running scheduler.
var ErrSchedulerNotRunning = errors.New("scheduler is not running")

// Aggregator is the part of the metering aggregator the scheduler drives.
type Aggregator interface {
	RunOnce(ctx context.Context, now time.Time) (services.RunReport, error)
	RetryFailed(ctx context.Context, now time.Time) (services.RunReport, error)
}

// BillingPusher pushes closed records to the billing provider.
type BillingPusher interface {
	PushPending(ctx context.Context) (services.PushReport, error)
}

// RetentionStore deletes settled usage records.
type RetentionStore interface {
	DeleteBilledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds configuration for the metering scheduler.
type Config struct {
	Enabled bool
	// Interval is the aggregation period. Runs are aligned to UTC multiples of it.
	Interval time.Duration
	// Offset delays each aligned run so events stamped just before the boundary arrive.
	Offset          time.Duration
	RetryInterval   time.Duration
	BillingInterval time.Duration
	// RetentionInterval is how often cleanup runs; Retention is how long records are kept.
	RetentionInterval time.Duration
	Retention         time.Duration
	// RunTimeout bounds one aggregation, billing or cleanup pass.
	RunTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Interval:          time.Hour,
		Offset:            time.Minute,
		RetryInterval:     5 * time.Minute,
		BillingInterval:   5 * time.Minute,
		RetentionInterval: 24 * time.Hour,
		Retention:         730 * 24 * time.Hour,
		RunTimeout:        10 * time.Minute,
	}
}

// MeteringScheduler runs aggregation on an aligned timer, plus loops for deferred
// tenants, billing handoff and retention cleanup. It holds no lock shared with the
// request path.
type MeteringScheduler struct {
	aggregator Aggregator
	billing    BillingPusher
	retention  RetentionStore
	config     Config
	logger     *logrus.Logger
	now        func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

func NewMeteringScheduler(aggregator Aggregator, billing BillingPusher, retention RetentionStore, config Config, logger *logrus.Logger) *MeteringScheduler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Offset < 0 || config.Offset >= config.Interval {
		config.Offset = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.BillingInterval <= 0 {
		config.BillingInterval = def.BillingInterval
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = def.RetentionInterval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = def.RunTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MeteringScheduler{
		aggregator: aggregator,
		billing:    billing,
		retention:  retention,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Start launches the background loops. It is a no-op when already running or disabled.
func (s *MeteringScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Metering scheduler is disabled")
		return nil
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runAggregation(ctx)
	go s.every(ctx, s.config.RetryInterval, "retry", s.executeRetry)
	if s.billing != nil {
		s.wg.Add(1)
		go s.every(ctx, s.config.BillingInterval, "billing", s.executeBilling)
	}
	if s.retention != nil {
		s.wg.Add(1)
		go s.every(ctx, s.config.RetentionInterval, "retention", s.executeRetention)
	}

	s.logger.WithFields(logrus.Fields{
		"interval":       s.config.Interval,
		"offset":         s.config.Offset,
		"retry_interval": s.config.RetryInterval,
	}).Info("Metering scheduler started")
	return nil
}

// Stop cancels in-flight runs, waits for the loops to exit, then runs a final Flush
// bounded by ctx. Buffered events live only in memory, so windows left closeable at
// shutdown would otherwise be lost.
func (s *MeteringScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Metering scheduler stopped gracefully")
		_, err := s.Flush(ctx)
		return err
	case <-ctx.Done():
		s.logger.Warn("Metering scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *MeteringScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// RunNow performs one aggregation pass immediately, with the same semantics as a
// scheduled run. It works whether or not the loops are running.
func (s *MeteringScheduler) RunNow(ctx context.Context) (services.RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	return s.aggregator.RunOnce(ctx, s.now().UTC())
}

// Flush closes every window that is closeable now, bounded by ctx rather than the run
// timeout. Events of the still-open hour cannot be closed yet and stay on the bus.
func (s *MeteringScheduler) Flush(ctx context.Context) (services.RunReport, error) {
	report, err := s.aggregator.RunOnce(ctx, s.now().UTC())
	fields := logrus.Fields{"windows_closed": report.WindowsClosed, "failed": len(report.Failed)}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Final metering flush did not complete")
		return report, err
	}
	s.logger.WithFields(fields).Info("Final metering flush complete")
	return report, nil
}

// PushBillingNow performs one billing pass immediately.
func (s *MeteringScheduler) PushBillingNow(ctx context.Context) (services.PushReport, error) {
	if s.billing == nil {
		return services.PushReport{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	return s.billing.PushPending(ctx)
}

// nextRun returns the first aligned run time strictly after now.
func nextRun(now time.Time, interval, offset time.Duration) time.Time {
	next := now.UTC().Truncate(interval).Add(offset)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

func (s *MeteringScheduler) runAggregation(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := nextRun(s.now(), s.config.Interval, s.config.Offset)
		s.logger.WithFields(logrus.Fields{"next_run": next}).Debug("Metering run scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.executeAggregation(ctx)
	}
}

func (s *MeteringScheduler) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.WithFields(logrus.Fields{"loop": name}).Debug("Scheduler loop stopping")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *MeteringScheduler) executeAggregation(ctx context.Context) {
	report, err := s.RunNow(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Scheduled metering run did not complete")
		return
	}
	if len(report.Failed) > 0 {
		s.logger.WithFields(logrus.Fields{"failed": len(report.Failed)}).Warn("Scheduled metering run deferred failing tenants")
	}
}

func (s *MeteringScheduler) executeRetry(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	report, err := s.aggregator.RetryFailed(runCtx, s.now().UTC())
	if err != nil {
		s.logger.WithError(err).Warn("Metering retry run did not complete")
		return
	}
	if report.WindowsClosed > 0 || len(report.Failed) > 0 {
		s.logger.WithFields(logrus.Fields{"windows_closed": report.WindowsClosed, "failed": len(report.Failed)}).Info("Metering retry run complete")
	}
}

func (s *MeteringScheduler) executeBilling(ctx context.Context) {
	if _, err := s.PushBillingNow(ctx); err != nil {
		s.logger.WithError(err).Warn("Billing push run did not complete")
	}
}

func (s *MeteringScheduler) executeRetention(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	cutoff := s.now().UTC().Add(-s.config.Retention)
	n, err := s.retention.DeleteBilledBefore(runCtx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Usage retention cleanup failed")
		return
	}
	s.logger.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("Usage retention cleanup complete")
}
