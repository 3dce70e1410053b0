package services

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/clock"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const slidingWindow = int64(time.Second)

// RateLimiterConfig groups configuration parameters for the rate limiter.
type RateLimiterConfig struct {
	// DefaultCapacity applies to tenants whose plan and settings carry no limit.
	DefaultCapacity int
	Shards          int
	// IdleTTL is how long a tenant's state survives without traffic.
	IdleTTL time.Duration
	// SweepInterval is the minimum time between idle sweeps of one shard.
	SweepInterval time.Duration
	// BucketResolution is the granularity of the sliding window counters.
	BucketResolution time.Duration
	Clock            clock.Clock
	// WallNow converts bucket refill times into reset timestamps. Defaults to time.Now.
	WallNow func() time.Time
}

type windowBucket struct {
	slot  int64
	last  int64
	count int
}

type tenantState struct {
	mu          sync.Mutex
	capacity    int
	windowLimit int
	tokens      float64
	lastRefill  int64
	lastSeen    int64
	buckets     []windowBucket
	windowTotal int
	evicted     bool
}

type limiterShard struct {
	mu        sync.Mutex
	states    map[uuid.UUID]*tenantState
	lastSweep int64
}

// RateLimiterService admits requests per tenant with a lazily refilled token bucket
// combined with a trailing one-second window. All state is in memory; a tenant's
// state is guarded by its own mutex and located through a sharded index.
type RateLimiterService struct {
	registry        ports.TenantRegistry
	shards          []*limiterShard
	defaultCapacity int
	idleTTL         int64
	sweepInterval   int64
	resolution      int64
	clock           clock.Clock
	wallNow         func() time.Time
	metrics         *Metrics
	logger          *logrus.Logger
}

var _ ports.RateLimiter = (*RateLimiterService)(nil)

func NewRateLimiterService(registry ports.TenantRegistry, cfg *RateLimiterConfig, metrics *Metrics, logger *logrus.Logger) *RateLimiterService {
	// Apply defaults
	dc := 200
	shards := 64
	ttl := 10 * time.Minute
	sweep := time.Minute
	res := 10 * time.Millisecond
	var clk clock.Clock
	wall := time.Now
	if cfg != nil {
		if cfg.DefaultCapacity > 0 {
			dc = cfg.DefaultCapacity
		}
		if cfg.Shards > 0 {
			shards = cfg.Shards
		}
		if cfg.IdleTTL > 0 {
			ttl = cfg.IdleTTL
		}
		if cfg.SweepInterval > 0 {
			sweep = cfg.SweepInterval
		}
		if cfg.BucketResolution > 0 && cfg.BucketResolution <= time.Second {
			res = cfg.BucketResolution
		}
		clk = cfg.Clock
		if cfg.WallNow != nil {
			wall = cfg.WallNow
		}
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &RateLimiterService{
		registry:        registry,
		shards:          make([]*limiterShard, shards),
		defaultCapacity: dc,
		idleTTL:         int64(ttl),
		sweepInterval:   int64(sweep),
		resolution:      int64(res),
		clock:           clk,
		wallNow:         wall,
		metrics:         metrics,
		logger:          logger,
	}
	for i := range s.shards {
		s.shards[i] = &limiterShard{states: make(map[uuid.UUID]*tenantState)}
	}
	return s
}

// Admit resolves ref and runs the admission decision. Unresolvable or inactive
// tenants are denied together with the cause.
func (s *RateLimiterService) Admit(ctx context.Context, ref string, cost int) (ports.Decision, error) {
	t, err := s.registry.Resolve(ctx, ref)
	if err != nil {
		s.metrics.AdmissionDecisions.WithLabelValues("unresolvable").Inc()
		return ports.Decision{Allowed: false}, err
	}
	if !t.CanAccess() {
		s.metrics.AdmissionDecisions.WithLabelValues("inactive").Inc()
		return ports.Decision{Allowed: false, Tenant: t}, tenant.ErrTenantInactive
	}
	return s.AdmitTenant(t, cost), nil
}

// AdmitTenant consumes cost units from t's bucket and window when both allow it.
func (s *RateLimiterService) AdmitTenant(t *tenant.Tenant, cost int) ports.Decision {
	if cost < 1 {
		cost = 1
	}
	capacity := t.RateCapacity(s.defaultCapacity)
	windowLimit := t.WindowLimit(s.defaultCapacity)
	if cost > windowLimit {
		s.metrics.AdmissionDecisions.WithLabelValues("oversize").Inc()
		return ports.Decision{Limit: capacity, Oversize: true, Tenant: t}
	}

	st := s.acquire(t.ID, capacity, windowLimit)
	defer st.mu.Unlock()

	now := s.clock.NowNanos()
	st.reconfigure(capacity, windowLimit)
	st.advance(now)
	st.lastSeen = now

	d := ports.Decision{Limit: st.capacity, Tenant: t}
	if float64(cost) <= st.tokens && st.windowTotal+cost <= st.windowLimit {
		st.tokens -= float64(cost)
		st.record(now, cost, s.resolution)
		d.Allowed = true
		s.metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
	} else {
		d.RetryAfter = st.retryAfter(now, cost)
		s.metrics.AdmissionDecisions.WithLabelValues("rate_limited").Inc()
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"tenant_id": t.ID, "tokens": st.tokens, "window_total": st.windowTotal, "retry_after": d.RetryAfter}).Debug("rate limiter: request denied")
		}
	}
	d.Remaining = st.remaining()
	d.Reset = s.wallNow().Add(st.fullIn())
	return d
}

// Peek reports the tenant's current quota without consuming anything.
func (s *RateLimiterService) Peek(t *tenant.Tenant) ports.Decision {
	capacity := t.RateCapacity(s.defaultCapacity)
	windowLimit := t.WindowLimit(s.defaultCapacity)

	st := s.acquire(t.ID, capacity, windowLimit)
	defer st.mu.Unlock()

	now := s.clock.NowNanos()
	st.reconfigure(capacity, windowLimit)
	st.advance(now)
	rem := st.remaining()
	d := ports.Decision{Allowed: rem > 0, Limit: st.capacity, Remaining: rem, Tenant: t}
	if rem == 0 {
		d.RetryAfter = st.retryAfter(now, 1)
	}
	d.Reset = s.wallNow().Add(st.fullIn())
	return d
}

// StateCount returns the number of live tenant states.
func (s *RateLimiterService) StateCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.states)
		sh.mu.Unlock()
	}
	return n
}

func (s *RateLimiterService) shardFor(id uuid.UUID) *limiterShard {
	return s.shards[xxhash.Sum64(id[:])%uint64(len(s.shards))]
}

// acquire returns the tenant's live state with its mutex held. A state evicted between
// the index lookup and the lock is discarded and the lookup retried, so only one state
// per tenant is ever in use.
func (s *RateLimiterService) acquire(id uuid.UUID, capacity, windowLimit int) *tenantState {
	for {
		sh := s.shardFor(id)
		now := s.clock.NowNanos()

		sh.mu.Lock()
		if now-sh.lastSweep >= s.sweepInterval {
			s.sweepLocked(sh, now)
		}
		st, ok := sh.states[id]
		if !ok {
			// Fresh state starts with a full bucket.
			st = &tenantState{
				capacity:    capacity,
				windowLimit: windowLimit,
				tokens:      float64(capacity),
				lastRefill:  now,
				lastSeen:    now,
			}
			sh.states[id] = st
			s.metrics.LimiterStates.Inc()
		}
		sh.mu.Unlock()

		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// sweepLocked evicts idle states. States whose lock is held are in use and skipped.
func (s *RateLimiterService) sweepLocked(sh *limiterShard, now int64) {
	sh.lastSweep = now
	for id, st := range sh.states {
		if !st.mu.TryLock() {
			continue
		}
		if now-st.lastSeen >= s.idleTTL {
			st.evicted = true
			delete(sh.states, id)
			s.metrics.LimiterStates.Dec()
			s.metrics.LimiterEvictions.Inc()
		}
		st.mu.Unlock()
	}
}

func (st *tenantState) reconfigure(capacity, windowLimit int) {
	if st.capacity == capacity && st.windowLimit == windowLimit {
		return
	}
	st.capacity = capacity
	st.windowLimit = windowLimit
	if st.tokens > float64(capacity) {
		st.tokens = float64(capacity)
	}
}

// advance refills tokens for the elapsed time and drops window buckets whose newest
// admission is at least one window old.
func (st *tenantState) advance(now int64) {
	if elapsed := now - st.lastRefill; elapsed > 0 {
		st.tokens = math.Min(float64(st.capacity), st.tokens+float64(elapsed)*st.ratePerNano())
		st.lastRefill = now
	}
	drop := 0
	for drop < len(st.buckets) && now-st.buckets[drop].last >= slidingWindow {
		st.windowTotal -= st.buckets[drop].count
		drop++
	}
	if drop > 0 {
		st.buckets = append(st.buckets[:0], st.buckets[drop:]...)
	}
}

func (st *tenantState) record(now int64, cost int, resolution int64) {
	slot := now - now%resolution
	if n := len(st.buckets); n > 0 && st.buckets[n-1].slot == slot {
		st.buckets[n-1].count += cost
		st.buckets[n-1].last = now
	} else {
		st.buckets = append(st.buckets, windowBucket{slot: slot, last: now, count: cost})
	}
	st.windowTotal += cost
}

func (st *tenantState) ratePerNano() float64 {
	return float64(st.capacity) / float64(time.Second)
}

// retryAfter is the earliest delay after which both the bucket and the window admit
// cost. Both constraints only relax as time passes, so the answer is the larger of the
// two individual waits.
func (st *tenantState) retryAfter(now int64, cost int) time.Duration {
	var bucketWait int64
	if missing := float64(cost) - st.tokens; missing > 0 {
		bucketWait = int64(math.Ceil(missing / st.ratePerNano()))
	}
	var windowWait int64
	if excess := st.windowTotal + cost - st.windowLimit; excess > 0 {
		freed := 0
		for _, b := range st.buckets {
			freed += b.count
			if freed >= excess {
				windowWait = b.last + slidingWindow - now
				break
			}
		}
	}
	wait := bucketWait
	if windowWait > wait {
		wait = windowWait
	}
	if wait <= 0 {
		wait = 1
	}
	return time.Duration(wait)
}

func (st *tenantState) remaining() int {
	rem := int(math.Floor(st.tokens))
	if w := st.windowLimit - st.windowTotal; w < rem {
		rem = w
	}
	if rem < 0 {
		return 0
	}
	return rem
}

func (st *tenantState) fullIn() time.Duration {
	missing := float64(st.capacity) - st.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / st.ratePerNano()))
}
