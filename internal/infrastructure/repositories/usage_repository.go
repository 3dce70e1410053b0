package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/db"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrRecordNotFound is returned when no usage record exists for the key.
var ErrRecordNotFound = errors.New("usage record not found")

const recordColumns = `tenant_id, window_start, window_end, trace, seat, api_request, tokens_in, tokens_out,
	storage_bytes, computed_at, billing_status, billing_attempts, next_billing_at, billed_at`

// The WHERE clause keeps a recomputation with identical counts from touching the row,
// so computed_at and the billing state survive reruns.
const upsertRecordSQL = `
	INSERT INTO usage_records (tenant_id, window_start, window_end, trace, seat, api_request,
		tokens_in, tokens_out, storage_bytes, computed_at, billing_status, billing_attempts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', 0)
	ON CONFLICT (tenant_id, window_start) DO UPDATE SET
		trace = EXCLUDED.trace,
		seat = EXCLUDED.seat,
		api_request = EXCLUDED.api_request,
		tokens_in = EXCLUDED.tokens_in,
		tokens_out = EXCLUDED.tokens_out,
		storage_bytes = EXCLUDED.storage_bytes,
		computed_at = EXCLUDED.computed_at,
		billing_status = 'pending',
		billing_attempts = 0,
		next_billing_at = NULL
	WHERE (usage_records.trace, usage_records.seat, usage_records.api_request,
		usage_records.tokens_in, usage_records.tokens_out, usage_records.storage_bytes)
		IS DISTINCT FROM
		(EXCLUDED.trace, EXCLUDED.seat, EXCLUDED.api_request,
		EXCLUDED.tokens_in, EXCLUDED.tokens_out, EXCLUDED.storage_bytes)`

const advanceWatermarkSQL = `
	INSERT INTO metering_watermarks (tenant_id, last_closed_window_end, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (tenant_id) DO UPDATE SET
		last_closed_window_end = EXCLUDED.last_closed_window_end,
		updated_at = EXCLUDED.updated_at
	WHERE metering_watermarks.last_closed_window_end < EXCLUDED.last_closed_window_end`

type usageRecordRow struct {
	TenantID        uuid.UUID    `db:"tenant_id"`
	WindowStart     time.Time    `db:"window_start"`
	WindowEnd       time.Time    `db:"window_end"`
	Trace           int64        `db:"trace"`
	Seat            int64        `db:"seat"`
	APIRequest      int64        `db:"api_request"`
	TokensIn        int64        `db:"tokens_in"`
	TokensOut       int64        `db:"tokens_out"`
	StorageBytes    int64        `db:"storage_bytes"`
	ComputedAt      time.Time    `db:"computed_at"`
	BillingStatus   string       `db:"billing_status"`
	BillingAttempts int          `db:"billing_attempts"`
	NextBillingAt   sql.NullTime `db:"next_billing_at"`
	BilledAt        sql.NullTime `db:"billed_at"`
}

func (r *usageRecordRow) toDomain() *usage.Record {
	rec := &usage.Record{
		TenantID:    r.TenantID,
		WindowStart: r.WindowStart.UTC(),
		WindowEnd:   r.WindowEnd.UTC(),
		Counts: usage.Counts{
			Trace:        r.Trace,
			Seat:         r.Seat,
			APIRequest:   r.APIRequest,
			TokensIn:     r.TokensIn,
			TokensOut:    r.TokensOut,
			StorageBytes: r.StorageBytes,
		},
		ComputedAt:      r.ComputedAt.UTC(),
		BillingStatus:   usage.BillingStatus(r.BillingStatus),
		BillingAttempts: r.BillingAttempts,
	}
	if r.NextBillingAt.Valid {
		t := r.NextBillingAt.Time.UTC()
		rec.NextBillingAt = &t
	}
	if r.BilledAt.Valid {
		t := r.BilledAt.Time.UTC()
		rec.BilledAt = &t
	}
	return rec
}

// UsageRepository persists usage records and watermarks in Postgres.
type UsageRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

var _ ports.UsageStore = (*UsageRepository)(nil)

func NewUsageRepository(database *db.Database, logger *logrus.Logger) *UsageRepository {
	return &UsageRepository{db: database, logger: logger}
}

func (r *UsageRepository) GetWatermark(ctx context.Context, tenantID uuid.UUID) (usage.Watermark, bool, error) {
	var wm usage.Watermark
	query := `SELECT tenant_id, last_closed_window_end, updated_at FROM metering_watermarks WHERE tenant_id = $1`
	if err := r.db.DB.GetContext(ctx, &wm, query, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return usage.Watermark{}, false, nil
		}
		return usage.Watermark{}, false, fmt.Errorf("failed to get watermark: %w", err)
	}
	wm.LastClosedWindowEnd = wm.LastClosedWindowEnd.UTC()
	return wm, true, nil
}

// CloseWindow writes the record and advances the watermark in one transaction.
func (r *UsageRepository) CloseWindow(ctx context.Context, rec *usage.Record) (err error) {
	tx, err := r.db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin close-window transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && r.logger != nil {
				r.logger.WithFields(logrus.Fields{"tenant_id": rec.TenantID}).WithError(rbErr).Error("failed to roll back close-window transaction")
			}
		}
	}()

	c := rec.Counts
	if _, err = tx.ExecContext(ctx, upsertRecordSQL,
		rec.TenantID, rec.WindowStart.UTC(), rec.WindowEnd.UTC(),
		c.Trace, c.Seat, c.APIRequest, c.TokensIn, c.TokensOut, c.StorageBytes,
		rec.ComputedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert usage record: %w", err)
	}
	if _, err = tx.ExecContext(ctx, advanceWatermarkSQL, rec.TenantID, rec.WindowEnd.UTC(), rec.ComputedAt.UTC()); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit close-window transaction: %w", err)
	}
	return nil
}

func (r *UsageRepository) GetRecord(ctx context.Context, tenantID uuid.UUID, windowStart time.Time) (*usage.Record, error) {
	var row usageRecordRow
	query := `SELECT ` + recordColumns + ` FROM usage_records WHERE tenant_id = $1 AND window_start = $2`
	if err := r.db.DB.GetContext(ctx, &row, query, tenantID, windowStart.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return row.toDomain(), nil
}

// ListRecords returns records fully inside [from, to), oldest first.
func (r *UsageRepository) ListRecords(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*usage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM usage_records
		WHERE tenant_id = $1 AND window_start >= $2 AND window_end <= $3
		ORDER BY window_start`
	return r.selectRecords(ctx, query, tenantID, from.UTC(), to.UTC())
}

func (r *UsageRepository) ListUnbilled(ctx context.Context, now time.Time, limit int) ([]*usage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM usage_records
		WHERE billing_status = 'pending' AND (next_billing_at IS NULL OR next_billing_at <= $1)
		ORDER BY window_start, tenant_id
		LIMIT $2`
	return r.selectRecords(ctx, query, now.UTC(), limit)
}

func (r *UsageRepository) selectRecords(ctx context.Context, query string, args ...any) ([]*usage.Record, error) {
	var rows []usageRecordRow
	if err := r.db.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	out := make([]*usage.Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (r *UsageRepository) MarkBilled(ctx context.Context, tenantID uuid.UUID, windowStart, at time.Time) error {
	query := `UPDATE usage_records SET billing_status = 'billed', billed_at = $3, next_billing_at = NULL
		WHERE tenant_id = $1 AND window_start = $2`
	return r.execOne(ctx, query, tenantID, windowStart.UTC(), at.UTC())
}

func (r *UsageRepository) MarkBillingFailed(ctx context.Context, tenantID uuid.UUID, windowStart time.Time, attempts int, next *time.Time, abandoned bool) error {
	status := usage.BillingPending
	if abandoned {
		status = usage.BillingAbandoned
	}
	var nextAt sql.NullTime
	if next != nil {
		nextAt = sql.NullTime{Time: next.UTC(), Valid: true}
	}
	query := `UPDATE usage_records SET billing_status = $3, billing_attempts = $4, next_billing_at = $5
		WHERE tenant_id = $1 AND window_start = $2`
	return r.execOne(ctx, query, tenantID, windowStart.UTC(), string(status), attempts, nextAt)
}

func (r *UsageRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update usage record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteBilledBefore removes settled records whose window ended before cutoff.
func (r *UsageRepository) DeleteBilledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM usage_records WHERE window_end < $1 AND billing_status IN ('billed', 'abandoned')`
	res, err := r.db.DB.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
