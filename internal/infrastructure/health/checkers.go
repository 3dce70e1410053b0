package health

import (
	"context"
	"errors"

	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	infraDB "github.com/avatarctic/tenant-metering/go/internal/infrastructure/db"
	"github.com/go-redis/redis/v8"
)

var errSchedulerStopped = errors.New("scheduler is not running")

type dbHealthChecker struct{ db *infraDB.Database }

func (d *dbHealthChecker) Name() string                    { return "database" }
func (d *dbHealthChecker) Check(ctx context.Context) error { return d.db.DB.PingContext(ctx) }

type redisHealthChecker struct{ client redis.Cmdable }

func (r *redisHealthChecker) Name() string                    { return "redis" }
func (r *redisHealthChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// schedulerHealthChecker reports unhealthy when the metering scheduler is not running.
type schedulerHealthChecker struct{ running func() bool }

func (s *schedulerHealthChecker) Name() string { return "metering_scheduler" }
func (s *schedulerHealthChecker) Check(context.Context) error {
	if !s.running() {
		return errSchedulerStopped
	}
	return nil
}

func NewDBHealthChecker(db *infraDB.Database) ports.HealthChecker { return &dbHealthChecker{db: db} }

func NewRedisHealthChecker(client redis.Cmdable) ports.HealthChecker {
	return &redisHealthChecker{client: client}
}

// NewSchedulerHealthChecker wraps any scheduler exposing IsRunning.
func NewSchedulerHealthChecker(running func() bool) ports.HealthChecker {
	return &schedulerHealthChecker{running: running}
}
