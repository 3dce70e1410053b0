package services

import (
	"context"
	"fmt"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UsageServiceConfig bounds the timestamps accepted from callers.
type UsageServiceConfig struct {
	// MaxFutureSkew is how far ahead of now an event may be stamped.
	MaxFutureSkew time.Duration
	// MaxEventAge is how far behind now an event may be stamped. One window plus the
	// schedule offset accepts everything the next aggregation run can still count.
	MaxEventAge time.Duration
	Now         func() time.Time
}

// UsageService is the entry point request handlers use to report consumption and to
// read closed usage back.
type UsageService struct {
	bus    ports.UsageBus
	store  ports.UsageStore
	cfg    UsageServiceConfig
	logger *logrus.Logger
}

var _ ports.UsageService = (*UsageService)(nil)

func NewUsageService(bus ports.UsageBus, store ports.UsageStore, cfg *UsageServiceConfig, logger *logrus.Logger) *UsageService {
	c := UsageServiceConfig{
		MaxFutureSkew: 5 * time.Minute,
		MaxEventAge:   usage.WindowSize + time.Minute,
		Now:           time.Now,
	}
	if cfg != nil {
		if cfg.MaxFutureSkew > 0 {
			c.MaxFutureSkew = cfg.MaxFutureSkew
		}
		if cfg.MaxEventAge > 0 {
			c.MaxEventAge = cfg.MaxEventAge
		}
		if cfg.Now != nil {
			c.Now = cfg.Now
		}
	}
	return &UsageService{bus: bus, store: store, cfg: c, logger: logger}
}

// Record publishes a single event for an admitted request. A zero occurredAt means now.
func (s *UsageService) Record(tenantID uuid.UUID, kind usage.Kind, quantity int64, occurredAt time.Time) error {
	now := s.cfg.Now().UTC()
	e := usage.Event{TenantID: tenantID, Kind: kind, Quantity: quantity, OccurredAt: occurredAt}
	if err := s.prepare(&e, now); err != nil {
		return err
	}
	s.bus.Publish(e)
	return nil
}

// RecordBatch validates every event before publishing any of them.
func (s *UsageService) RecordBatch(events []usage.Event) error {
	now := s.cfg.Now().UTC()
	for i := range events {
		if err := s.prepare(&events[i], now); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	for _, e := range events {
		s.bus.Publish(e)
	}
	return nil
}

// prepare defaults and normalizes e's timestamp and validates it against now.
func (s *UsageService) prepare(e *usage.Event, now time.Time) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	if err := e.Validate(); err != nil {
		return err
	}
	if e.OccurredAt.After(now.Add(s.cfg.MaxFutureSkew)) || e.OccurredAt.Before(now.Add(-s.cfg.MaxEventAge)) {
		return fmt.Errorf("%w: %s", usage.ErrTimestampOutOfRange, e.OccurredAt.Format(time.RFC3339))
	}
	return nil
}

// Summary totals closed records over the trailing days and derives daily averages.
func (s *UsageService) Summary(ctx context.Context, tenantID uuid.UUID, days int) (*usage.Summary, error) {
	if days <= 0 {
		days = 30
	}
	to := s.cfg.Now().UTC()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)
	recs, err := s.store.ListRecords(ctx, tenantID, from, to)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"tenant_id": tenantID}).WithError(err).Error("usage summary: failed to list records")
		}
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	sum := &usage.Summary{
		TenantID:      tenantID,
		PeriodDays:    days,
		From:          from,
		To:            to,
		HoursOfData:   len(recs),
		DailyAverages: make(map[usage.Kind]float64, len(usage.Kinds)),
	}
	for _, r := range recs {
		sum.Totals.Merge(r.Counts)
	}
	for _, k := range usage.Kinds {
		sum.DailyAverages[k] = float64(sum.Totals.Get(k)) / float64(days)
	}
	return sum, nil
}
