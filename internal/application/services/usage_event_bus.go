package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// compactThreshold is the number of consumed slots at the head of a buffer that
// triggers a copy down.
const compactThreshold = 1024

// busEntry pairs an event with the bus-wide sequence it was published under.
type busEntry struct {
	seq   uint64
	event usage.Event
}

type tenantBuffer struct {
	mu      sync.Mutex
	items   []busEntry
	head    int
	retired bool
}

func (b *tenantBuffer) size() int { return len(b.items) - b.head }

func (b *tenantBuffer) compact() {
	if b.head < compactThreshold || b.head*2 < len(b.items) {
		return
	}
	n := copy(b.items, b.items[b.head:])
	clear(b.items[n:])
	b.items = b.items[:n]
	b.head = 0
}

// BusStats is a point-in-time view of the bus.
type BusStats struct {
	Tenants   int    `json:"tenants"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity_per_tenant"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// UsageEventBus keeps a bounded FIFO of usage events per tenant. Publishing takes only
// the tenant's buffer lock and never waits on consumers; reads are non-destructive and
// events leave the buffer only through Commit or DiscardBefore.
type UsageEventBus struct {
	mu       sync.RWMutex
	buffers  map[uuid.UUID]*tenantBuffer
	capacity int

	// seq is assigned under the buffer lock, so within a buffer it only grows.
	seq atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64

	metrics *Metrics
	logger  *logrus.Logger
}

var _ ports.UsageBus = (*UsageEventBus)(nil)

func NewUsageEventBus(capacityPerTenant int, metrics *Metrics, logger *logrus.Logger) *UsageEventBus {
	if capacityPerTenant <= 0 {
		capacityPerTenant = 100_000
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &UsageEventBus{
		buffers:  make(map[uuid.UUID]*tenantBuffer),
		capacity: capacityPerTenant,
		metrics:  metrics,
		logger:   logger,
	}
}

// Publish appends e to its tenant's buffer. When the buffer is full the oldest event is
// dropped, counted, and false is returned.
func (b *UsageEventBus) Publish(e usage.Event) bool {
	for {
		buf := b.buffer(e.TenantID)
		buf.mu.Lock()
		if buf.retired {
			buf.mu.Unlock()
			continue
		}
		kept := true
		if buf.size() >= b.capacity {
			old := buf.items[buf.head].event
			buf.items[buf.head] = busEntry{}
			buf.head++
			kept = false
			b.dropped.Add(1)
			b.metrics.EventsDropped.WithLabelValues(string(old.Kind)).Inc()
		} else {
			b.metrics.EventsBuffered.Inc()
		}
		buf.items = append(buf.items, busEntry{seq: b.seq.Add(1), event: e})
		buf.compact()
		buf.mu.Unlock()

		b.published.Add(1)
		b.metrics.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
		if !kept && b.logger != nil {
			b.logger.WithFields(logrus.Fields{"tenant_id": e.TenantID, "capacity": b.capacity}).Warn("usage bus: buffer full, dropped oldest event")
		}
		return kept
	}
}

// Drain returns copies of the buffered events with since <= OccurredAt < until.
func (b *UsageEventBus) Drain(tenantID uuid.UUID, since, until time.Time) ([]usage.Event, ports.DrainMark) {
	mark := ports.DrainMark{Since: since, Until: until}
	buf := b.lookup(tenantID)
	if buf == nil {
		mark.Seq = b.seq.Load()
		return nil, mark
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	mark.Seq = b.seq.Load()
	var out []usage.Event
	for _, it := range buf.items[buf.head:] {
		if inRange(it.event.OccurredAt, since, until) {
			out = append(out, it.event)
		}
	}
	return out, mark
}

// Commit removes the events a Drain returned. A buffer left empty is retired from the
// index.
func (b *UsageEventBus) Commit(tenantID uuid.UUID, mark ports.DrainMark) int {
	return b.remove(tenantID, func(it busEntry) bool {
		return it.seq <= mark.Seq && inRange(it.event.OccurredAt, mark.Since, mark.Until)
	})
}

// DiscardBefore removes every event that occurred before the given time.
func (b *UsageEventBus) DiscardBefore(tenantID uuid.UUID, before time.Time) int {
	return b.remove(tenantID, func(it busEntry) bool {
		return it.event.OccurredAt.Before(before)
	})
}

func (b *UsageEventBus) remove(tenantID uuid.UUID, drop func(busEntry) bool) int {
	buf := b.lookup(tenantID)
	if buf == nil {
		return 0
	}
	buf.mu.Lock()
	live := buf.items[buf.head:]
	kept := buf.items[:0]
	for _, it := range live {
		if !drop(it) {
			kept = append(kept, it)
		}
	}
	removed := len(live) - len(kept)
	clear(buf.items[len(kept):])
	buf.items = kept
	buf.head = 0
	empty := len(kept) == 0
	buf.mu.Unlock()

	if removed > 0 {
		b.metrics.EventsBuffered.Sub(float64(removed))
	}
	if empty {
		b.retire(tenantID, buf)
	}
	return removed
}

func inRange(t, since, until time.Time) bool {
	return !t.Before(since) && t.Before(until)
}

// Oldest returns the earliest OccurredAt at or after since among buffered events.
func (b *UsageEventBus) Oldest(tenantID uuid.UUID, since time.Time) (time.Time, bool) {
	buf := b.lookup(tenantID)
	if buf == nil {
		return time.Time{}, false
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	var oldest time.Time
	found := false
	for _, it := range buf.items[buf.head:] {
		at := it.event.OccurredAt
		if at.Before(since) {
			continue
		}
		if !found || at.Before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found
}

// Tenants lists tenants that currently have buffered events.
func (b *UsageEventBus) Tenants() []uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(b.buffers))
	for id := range b.buffers {
		ids = append(ids, id)
	}
	return ids
}

func (b *UsageEventBus) Stats() BusStats {
	b.mu.RLock()
	bufs := make([]*tenantBuffer, 0, len(b.buffers))
	for _, buf := range b.buffers {
		bufs = append(bufs, buf)
	}
	b.mu.RUnlock()

	st := BusStats{Tenants: len(bufs), Capacity: b.capacity, Published: b.published.Load(), Dropped: b.dropped.Load()}
	for _, buf := range bufs {
		buf.mu.Lock()
		st.Buffered += buf.size()
		buf.mu.Unlock()
	}
	return st
}

func (b *UsageEventBus) lookup(id uuid.UUID) *tenantBuffer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buffers[id]
}

func (b *UsageEventBus) buffer(id uuid.UUID) *tenantBuffer {
	if buf := b.lookup(id); buf != nil {
		return buf
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[id]
	if !ok {
		buf = &tenantBuffer{}
		b.buffers[id] = buf
	}
	return buf
}

// retire removes buf from the index if it is still empty. Publishers holding a stale
// pointer see the retired flag and look the buffer up again.
func (b *UsageEventBus) retire(id uuid.UUID, buf *tenantBuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buffers[id] != buf {
		return
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.size() == 0 {
		buf.retired = true
		delete(b.buffers, id)
	}
}
