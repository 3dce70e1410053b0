package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrBillingPush wraps failures handing a record to the billing provider.
var ErrBillingPush = errors.New("billing push failure")

// BillingPusherConfig groups configuration for pushing closed records to billing.
type BillingPusherConfig struct {
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RatePerSecond and Burst pace calls to the provider.
	RatePerSecond float64
	Burst         int
	PushTimeout   time.Duration
	Now           func() time.Time
}

// PushReport summarizes one billing pass.
type PushReport struct {
	Attempted int `json:"attempted"`
	Billed    int `json:"billed"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// BillingPusher drains the billing outbox: records written as pending by the
// aggregator are reported to the provider and marked billed. Failures are retried with
// backoff per record and never touch the aggregation watermark.
type BillingPusher struct {
	store    ports.UsageStore
	registry ports.TenantRegistry
	reporter ports.BillingReporter
	alerter  ports.Alerter
	limiter  *rate.Limiter
	cfg      BillingPusherConfig
	metrics  *Metrics
	logger   *logrus.Logger

	mu sync.Mutex
}

func NewBillingPusher(store ports.UsageStore, registry ports.TenantRegistry, reporter ports.BillingReporter, alerter ports.Alerter, cfg *BillingPusherConfig, metrics *Metrics, logger *logrus.Logger) *BillingPusher {
	c := BillingPusherConfig{
		BatchSize:     100,
		MaxAttempts:   10,
		BaseDelay:     time.Minute,
		MaxDelay:      6 * time.Hour,
		RatePerSecond: 20,
		Burst:         5,
		PushTimeout:   10 * time.Second,
		Now:           time.Now,
	}
	if cfg != nil {
		if cfg.BatchSize > 0 {
			c.BatchSize = cfg.BatchSize
		}
		if cfg.MaxAttempts > 0 {
			c.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.BaseDelay > 0 {
			c.BaseDelay = cfg.BaseDelay
		}
		if cfg.MaxDelay > 0 {
			c.MaxDelay = cfg.MaxDelay
		}
		if cfg.RatePerSecond > 0 {
			c.RatePerSecond = cfg.RatePerSecond
		}
		if cfg.Burst > 0 {
			c.Burst = cfg.Burst
		}
		if cfg.PushTimeout > 0 {
			c.PushTimeout = cfg.PushTimeout
		}
		if cfg.Now != nil {
			c.Now = cfg.Now
		}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &BillingPusher{
		store:    store,
		registry: registry,
		reporter: reporter,
		alerter:  alerter,
		limiter:  rate.NewLimiter(rate.Limit(c.RatePerSecond), c.Burst),
		cfg:      c,
		metrics:  metrics,
		logger:   logger,
	}
}

// PushPending reports one batch of due records.
func (p *BillingPusher) PushPending(ctx context.Context) (PushReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var report PushReport
	now := p.cfg.Now()
	recs, err := p.store.ListUnbilled(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list unbilled records: %w", err)
	}
	for _, rec := range recs {
		if err := p.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Attempted++
		if err := p.push(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if p.fail(ctx, rec, now, err) {
				report.Abandoned++
			} else {
				report.Failed++
			}
			continue
		}
		if err := p.store.MarkBilled(ctx, rec.TenantID, rec.WindowStart, p.cfg.Now()); err != nil {
			// The provider already has it; the idempotency key makes the next push a no-op.
			if p.logger != nil {
				p.logger.WithFields(logrus.Fields{"tenant_id": rec.TenantID, "window_start": rec.WindowStart}).WithError(err).Error("billing: failed to mark record billed")
			}
			report.Failed++
			continue
		}
		p.metrics.BillingPushes.WithLabelValues("billed").Inc()
		report.Billed++
	}
	if p.logger != nil && report.Attempted > 0 {
		p.logger.WithFields(logrus.Fields{"attempted": report.Attempted, "billed": report.Billed, "failed": report.Failed, "abandoned": report.Abandoned}).Info("billing: push pass complete")
	}
	return report, nil
}

func (p *BillingPusher) push(ctx context.Context, rec *usage.Record) error {
	t, err := p.registry.Resolve(ctx, rec.TenantID.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBillingPush, err)
	}
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PushTimeout)
	defer cancel()
	if err := p.reporter.Report(pctx, t, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrBillingPush, err)
	}
	return nil
}

// fail schedules the next attempt and reports whether the record was abandoned.
func (p *BillingPusher) fail(ctx context.Context, rec *usage.Record, now time.Time, cause error) bool {
	attempts := rec.BillingAttempts + 1
	abandoned := attempts >= p.cfg.MaxAttempts
	var next *time.Time
	if !abandoned {
		n := now.Add(calculateBackoff(attempts, p.cfg.BaseDelay, p.cfg.MaxDelay))
		next = &n
	}
	fields := logrus.Fields{"tenant_id": rec.TenantID, "window_start": rec.WindowStart, "attempts": attempts}
	if err := p.store.MarkBillingFailed(ctx, rec.TenantID, rec.WindowStart, attempts, next, abandoned); err != nil && p.logger != nil {
		p.logger.WithFields(fields).WithError(err).Error("billing: failed to record push failure")
	}
	if !abandoned {
		p.metrics.BillingPushes.WithLabelValues("failed").Inc()
		if p.logger != nil {
			p.logger.WithFields(fields).WithError(cause).Warn("billing: push failed; will retry")
		}
		return false
	}

	p.metrics.BillingPushes.WithLabelValues("abandoned").Inc()
	if p.logger != nil {
		p.logger.WithFields(fields).WithError(cause).Error("billing: giving up on record")
	}
	if p.alerter != nil {
		subject := fmt.Sprintf("Billing push abandoned for tenant %s", rec.TenantID)
		body := fmt.Sprintf("Usage record %s could not be reported after %d attempts.\nLast error: %s", rec.IdempotencyKey(), attempts, cause)
		if err := p.alerter.Alert(ctx, subject, body); err != nil && p.logger != nil {
			p.logger.WithFields(fields).WithError(err).Error("billing: failed to send alert")
		}
	}
	return true
}
