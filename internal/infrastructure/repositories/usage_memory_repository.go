package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
)

type recordKey struct {
	tenantID    uuid.UUID
	windowStart int64
}

func keyOf(tenantID uuid.UUID, windowStart time.Time) recordKey {
	return recordKey{tenantID: tenantID, windowStart: windowStart.UTC().Unix()}
}

// MemoryUsageRepository is a process-local UsageStore with the same semantics as the
// Postgres store. Used for local runs and tests.
type MemoryUsageRepository struct {
	mu         sync.Mutex
	records    map[recordKey]*usage.Record
	watermarks map[uuid.UUID]usage.Watermark
}

var _ ports.UsageStore = (*MemoryUsageRepository)(nil)

func NewMemoryUsageRepository() *MemoryUsageRepository {
	return &MemoryUsageRepository{
		records:    make(map[recordKey]*usage.Record),
		watermarks: make(map[uuid.UUID]usage.Watermark),
	}
}

func cloneRecord(r *usage.Record) *usage.Record {
	c := *r
	if r.NextBillingAt != nil {
		t := *r.NextBillingAt
		c.NextBillingAt = &t
	}
	if r.BilledAt != nil {
		t := *r.BilledAt
		c.BilledAt = &t
	}
	return &c
}

func (m *MemoryUsageRepository) GetWatermark(_ context.Context, tenantID uuid.UUID) (usage.Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.watermarks[tenantID]
	return wm, ok, nil
}

func (m *MemoryUsageRepository) CloseWindow(ctx context.Context, rec *usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(rec.TenantID, rec.WindowStart)
	if existing, ok := m.records[k]; !ok || existing.Counts != rec.Counts {
		c := cloneRecord(rec)
		c.WindowStart = c.WindowStart.UTC()
		c.WindowEnd = c.WindowEnd.UTC()
		c.ComputedAt = c.ComputedAt.UTC()
		c.BillingStatus = usage.BillingPending
		c.BillingAttempts = 0
		c.NextBillingAt = nil
		c.BilledAt = nil
		m.records[k] = c
	}
	m.advanceLocked(rec.TenantID, rec.WindowEnd, rec.ComputedAt)
	return nil
}

func (m *MemoryUsageRepository) advanceLocked(tenantID uuid.UUID, to, at time.Time) {
	if wm, ok := m.watermarks[tenantID]; ok && !wm.LastClosedWindowEnd.Before(to) {
		return
	}
	m.watermarks[tenantID] = usage.Watermark{TenantID: tenantID, LastClosedWindowEnd: to.UTC(), UpdatedAt: at.UTC()}
}

func (m *MemoryUsageRepository) GetRecord(_ context.Context, tenantID uuid.UUID, windowStart time.Time) (*usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[keyOf(tenantID, windowStart)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryUsageRepository) ListRecords(_ context.Context, tenantID uuid.UUID, from, to time.Time) ([]*usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*usage.Record
	for _, r := range m.records {
		if r.TenantID == tenantID && !r.WindowStart.Before(from) && !r.WindowEnd.After(to) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

func (m *MemoryUsageRepository) ListUnbilled(_ context.Context, now time.Time, limit int) ([]*usage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*usage.Record
	for _, r := range m.records {
		if r.BillingStatus != usage.BillingPending {
			continue
		}
		if r.NextBillingAt != nil && r.NextBillingAt.After(now) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].TenantID.String() < out[j].TenantID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryUsageRepository) MarkBilled(_ context.Context, tenantID uuid.UUID, windowStart, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[keyOf(tenantID, windowStart)]
	if !ok {
		return ErrRecordNotFound
	}
	t := at.UTC()
	r.BillingStatus = usage.BillingBilled
	r.BilledAt = &t
	r.NextBillingAt = nil
	return nil
}

func (m *MemoryUsageRepository) MarkBillingFailed(_ context.Context, tenantID uuid.UUID, windowStart time.Time, attempts int, next *time.Time, abandoned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[keyOf(tenantID, windowStart)]
	if !ok {
		return ErrRecordNotFound
	}
	r.BillingAttempts = attempts
	r.NextBillingAt = nil
	if next != nil {
		t := next.UTC()
		r.NextBillingAt = &t
	}
	r.BillingStatus = usage.BillingPending
	if abandoned {
		r.BillingStatus = usage.BillingAbandoned
	}
	return nil
}

func (m *MemoryUsageRepository) DeleteBilledBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.records {
		if r.WindowEnd.Before(cutoff) && (r.BillingStatus == usage.BillingBilled || r.BillingStatus == usage.BillingAbandoned) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
