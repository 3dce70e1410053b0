package ports

import "context"

// HealthChecker checks one dependency. A nil error means healthy.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}
