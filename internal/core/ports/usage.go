package ports

import (
	"context"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/google/uuid"
)

// DrainMark identifies the events returned by one Drain call: those in [Since, Until)
// published at or before sequence Seq.
type DrainMark struct {
	Since time.Time
	Until time.Time
	Seq   uint64
}

// UsageBus buffers usage events per tenant between the request path and the aggregator.
type UsageBus interface {
	// Publish never blocks. It reports false when an older event was dropped to make room.
	Publish(e usage.Event) bool
	// Drain returns a copy of buffered events with since <= OccurredAt < until, and the
	// mark that identifies them. It does not remove anything.
	Drain(tenantID uuid.UUID, since, until time.Time) ([]usage.Event, DrainMark)
	// Commit removes the events covered by mark and returns how many were removed.
	// Events published after the Drain stay buffered even when they fall in the range.
	Commit(tenantID uuid.UUID, mark DrainMark) int
	// DiscardBefore removes every event with OccurredAt < before and returns the count.
	DiscardBefore(tenantID uuid.UUID, before time.Time) int
	// Oldest returns the earliest buffered OccurredAt at or after since.
	Oldest(tenantID uuid.UUID, since time.Time) (time.Time, bool)
	Tenants() []uuid.UUID
}

// UsageStore is the durable store for usage records and watermarks.
type UsageStore interface {
	// GetWatermark returns ok=false when the tenant has never closed a window.
	GetWatermark(ctx context.Context, tenantID uuid.UUID) (wm usage.Watermark, ok bool, err error)
	// CloseWindow upserts the record and advances the watermark to rec.WindowEnd as one
	// atomic unit. A rerun with identical counts leaves the stored record unchanged.
	CloseWindow(ctx context.Context, rec *usage.Record) error
	GetRecord(ctx context.Context, tenantID uuid.UUID, windowStart time.Time) (*usage.Record, error)
	ListRecords(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*usage.Record, error)

	// ListUnbilled returns pending records due for a billing attempt at now.
	ListUnbilled(ctx context.Context, now time.Time, limit int) ([]*usage.Record, error)
	MarkBilled(ctx context.Context, tenantID uuid.UUID, windowStart, at time.Time) error
	MarkBillingFailed(ctx context.Context, tenantID uuid.UUID, windowStart time.Time, attempts int, next *time.Time, abandoned bool) error

	// DeleteBilledBefore removes billed or abandoned records whose window ended before cutoff.
	DeleteBilledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageService is the request-path facade for reporting and reading usage.
type UsageService interface {
	Record(tenantID uuid.UUID, kind usage.Kind, quantity int64, occurredAt time.Time) error
	RecordBatch(events []usage.Event) error
	Summary(ctx context.Context, tenantID uuid.UUID, days int) (*usage.Summary, error)
}
