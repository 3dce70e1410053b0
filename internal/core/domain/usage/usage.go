package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidKind     = errors.New("invalid usage kind")
	ErrInvalidQuantity = errors.New("usage quantity must be non-negative")
	ErrMissingTenant   = errors.New("usage event has no tenant")
	// ErrTimestampOutOfRange rejects events stamped too far in the future or older
	// than the accepted lateness.
	ErrTimestampOutOfRange = errors.New("usage event timestamp out of range")
)

// WindowSize is the length of one aggregation window.
const WindowSize = time.Hour

type Kind string

const (
	KindTrace        Kind = "trace"
	KindSeat         Kind = "seat"
	KindAPIRequest   Kind = "api_request"
	KindTokensIn     Kind = "tokens_in"
	KindTokensOut    Kind = "tokens_out"
	KindStorageBytes Kind = "storage_bytes"
)

// Kinds lists every usage kind in a stable order.
var Kinds = []Kind{KindTrace, KindSeat, KindAPIRequest, KindTokensIn, KindTokensOut, KindStorageBytes}

func (k Kind) Valid() bool {
	switch k {
	case KindTrace, KindSeat, KindAPIRequest, KindTokensIn, KindTokensOut, KindStorageBytes:
		return true
	}
	return false
}

// Event is one unit of consumption reported after an admitted request.
type Event struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	Kind       Kind      `json:"kind"`
	Quantity   int64     `json:"quantity"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) Validate() error {
	if e.TenantID == uuid.Nil {
		return ErrMissingTenant
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.Quantity < 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// Counts holds summed quantities per kind for one window.
type Counts struct {
	Trace        int64 `json:"trace" db:"trace"`
	Seat         int64 `json:"seat" db:"seat"`
	APIRequest   int64 `json:"api_request" db:"api_request"`
	TokensIn     int64 `json:"tokens_in" db:"tokens_in"`
	TokensOut    int64 `json:"tokens_out" db:"tokens_out"`
	StorageBytes int64 `json:"storage_bytes" db:"storage_bytes"`
}

func (c *Counts) Add(k Kind, qty int64) {
	switch k {
	case KindTrace:
		c.Trace += qty
	case KindSeat:
		c.Seat += qty
	case KindAPIRequest:
		c.APIRequest += qty
	case KindTokensIn:
		c.TokensIn += qty
	case KindTokensOut:
		c.TokensOut += qty
	case KindStorageBytes:
		c.StorageBytes += qty
	}
}

func (c Counts) Get(k Kind) int64 {
	switch k {
	case KindTrace:
		return c.Trace
	case KindSeat:
		return c.Seat
	case KindAPIRequest:
		return c.APIRequest
	case KindTokensIn:
		return c.TokensIn
	case KindTokensOut:
		return c.TokensOut
	case KindStorageBytes:
		return c.StorageBytes
	}
	return 0
}

// Merge adds every kind of other into c.
func (c *Counts) Merge(other Counts) {
	for _, k := range Kinds {
		c.Add(k, other.Get(k))
	}
}

func (c Counts) IsZero() bool {
	return c == Counts{}
}

// Sum folds events into per-kind totals.
func Sum(events []Event) Counts {
	var c Counts
	for _, e := range events {
		c.Add(e.Kind, e.Quantity)
	}
	return c
}

type BillingStatus string

const (
	BillingPending   BillingStatus = "pending"
	BillingBilled    BillingStatus = "billed"
	BillingAbandoned BillingStatus = "abandoned"
)

// Record is the finalized rollup for one tenant and one hour. It is keyed by
// (TenantID, WindowStart).
type Record struct {
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	Counts      Counts    `json:"counts"`
	ComputedAt  time.Time `json:"computed_at" db:"computed_at"`

	BillingStatus   BillingStatus `json:"billing_status" db:"billing_status"`
	BillingAttempts int           `json:"billing_attempts" db:"billing_attempts"`
	NextBillingAt   *time.Time    `json:"next_billing_at,omitempty" db:"next_billing_at"`
	BilledAt        *time.Time    `json:"billed_at,omitempty" db:"billed_at"`
}

// IdempotencyKey identifies this window towards the billing provider.
func (r *Record) IdempotencyKey() string {
	return fmt.Sprintf("usage:%s:%d", r.TenantID, r.WindowStart.Unix())
}

// Watermark is the end of the last closed window for a tenant.
type Watermark struct {
	TenantID            uuid.UUID `json:"tenant_id" db:"tenant_id"`
	LastClosedWindowEnd time.Time `json:"last_closed_window_end" db:"last_closed_window_end"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// WindowFloor returns the UTC hour boundary at or before t.
func WindowFloor(t time.Time) time.Time {
	return t.UTC().Truncate(WindowSize)
}

// Summary aggregates closed records over a trailing period.
type Summary struct {
	TenantID      uuid.UUID        `json:"tenant_id"`
	PeriodDays    int              `json:"period_days"`
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	Totals        Counts           `json:"totals"`
	DailyAverages map[Kind]float64 `json:"daily_averages"`
	HoursOfData   int              `json:"hours_of_data"`
}
