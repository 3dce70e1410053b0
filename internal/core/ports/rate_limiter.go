package ports

import (
	"context"
	"time"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Limit is the tenant's capacity in requests per second.
	Limit int
	// Remaining is the cost still admissible right now after this decision.
	Remaining int
	// Reset is when the bucket would be full again if no further requests arrive.
	Reset time.Time
	// Oversize marks a cost above the tenant's window limit. Such a request can never be
	// admitted, so RetryAfter is zero.
	Oversize bool
	Tenant   *tenant.Tenant
}

// RateLimiter makes per-tenant admission decisions without performing I/O on the
// hot path beyond tenant resolution. Implementations MUST be safe for concurrent use.
type RateLimiter interface {
	// Admit resolves ref and consumes cost units when admissible. A resolution failure
	// returns a denied decision together with the resolution error.
	Admit(ctx context.Context, ref string, cost int) (Decision, error)
	// AdmitTenant runs the decision for an already resolved tenant. A cost above the
	// window limit is rejected without touching the tenant's state.
	AdmitTenant(t *tenant.Tenant, cost int) Decision
	// Peek reports the tenant's current quota without consuming it.
	Peek(t *tenant.Tenant) Decision
}
