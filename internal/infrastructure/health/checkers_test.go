package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/db"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/health"
)

func TestDBHealthChecker(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	checker := health.NewDBHealthChecker(&db.Database{DB: sqlx.NewDb(sqlDB, "postgres")})
	require.Equal(t, "database", checker.Name())

	mock.ExpectPing()
	require.NoError(t, checker.Check(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	require.Error(t, checker.Check(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthChecker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	checker := health.NewRedisHealthChecker(client)
	require.Equal(t, "redis", checker.Name())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, checker.Check(ctx))
}

func TestSchedulerHealthChecker(t *testing.T) {
	running := false
	checker := health.NewSchedulerHealthChecker(func() bool { return running })
	require.Equal(t, "metering_scheduler", checker.Name())
	require.Error(t, checker.Check(context.Background()))
	running = true
	require.NoError(t, checker.Check(context.Background()))
}
