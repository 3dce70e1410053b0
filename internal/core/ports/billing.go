package ports

import (
	"context"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
)

// BillingReporter hands finalized usage records to an external billing provider.
// Implementations must pass rec.IdempotencyKey() (or a derivation of it) to the provider
// so repeated pushes are never double counted.
type BillingReporter interface {
	Report(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error
}

// Alerter raises an operator-facing alert.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}
