package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/usagerecord"
)

// StripeConfig holds the billing provider credentials.
type StripeConfig struct {
	SecretKey string
	TestMode  bool
}

// Validate checks that the key matches the configured mode.
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if c.TestMode && !strings.HasPrefix(c.SecretKey, "sk_test") {
		return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
	}
	if !c.TestMode && !strings.HasPrefix(c.SecretKey, "sk_live") {
		return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
	}
	return nil
}

// StripeReporter reports each non-zero kind of a usage record to the tenant's metered
// subscription item. Records are sent with action "set" at the window start, so a
// repeated push overwrites rather than adds, and every call carries an idempotency
// key derived from (tenant, window_start, kind).
type StripeReporter struct {
	client usagerecord.Client
	logger *logrus.Logger
}

var _ ports.BillingReporter = (*StripeReporter)(nil)

func NewStripeReporter(cfg *StripeConfig, logger *logrus.Logger) (*StripeReporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newStripeReporter(cfg.SecretKey, stripe.GetBackend(stripe.APIBackend), logger), nil
}

func newStripeReporter(key string, backend stripe.Backend, logger *logrus.Logger) *StripeReporter {
	return &StripeReporter{client: usagerecord.Client{B: backend, Key: key}, logger: logger}
}

func (r *StripeReporter) Report(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error {
	items := t.Settings.Billing.SubscriptionItems
	if len(items) == 0 {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"tenant_id": t.ID, "window_start": rec.WindowStart}).Debug("billing: tenant has no metered subscription items; nothing to report")
		}
		return nil
	}
	for _, kind := range usage.Kinds {
		itemID, ok := items[string(kind)]
		if !ok || itemID == "" {
			continue
		}
		qty := rec.Counts.Get(kind)
		if qty == 0 {
			continue
		}
		params := &stripe.UsageRecordParams{
			SubscriptionItem: stripe.String(itemID),
			Quantity:         stripe.Int64(qty),
			Timestamp:        stripe.Int64(rec.WindowStart.Unix()),
			Action:           stripe.String("set"),
		}
		params.Context = ctx
		params.SetIdempotencyKey(IdempotencyKey(rec, kind))

		ur, err := r.client.New(params)
		if err != nil {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{
					"tenant_id":            t.ID,
					"subscription_item_id": itemID,
					"kind":                 kind,
				}).WithError(err).Error("Failed to report usage to Stripe")
			}
			return fmt.Errorf("stripe: failed to report %s usage: %w", kind, err)
		}
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"tenant_id":       t.ID,
				"usage_record_id": ur.ID,
				"kind":            kind,
				"quantity":        qty,
			}).Info("Reported usage to Stripe")
		}
	}
	return nil
}

// IdempotencyKey derives the per-kind provider key for a record.
func IdempotencyKey(rec *usage.Record, kind usage.Kind) string {
	return rec.IdempotencyKey() + ":" + string(kind)
}

// LogReporter logs records instead of sending them anywhere. Used when no provider key
// is configured.
type LogReporter struct {
	logger *logrus.Logger
}

var _ ports.BillingReporter = (*LogReporter)(nil)

func NewLogReporter(logger *logrus.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) Report(_ context.Context, t *tenant.Tenant, rec *usage.Record) error {
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"tenant_id":       t.ID,
			"tenant_slug":     t.Slug,
			"window_start":    rec.WindowStart,
			"idempotency_key": rec.IdempotencyKey(),
			"counts":          rec.Counts,
		}).Info("billing: usage record ready")
	}
	return nil
}
