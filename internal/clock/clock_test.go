package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avatarctic/tenant-metering/go/internal/clock"
)

func TestManualClock_AdvanceAndSet(t *testing.T) {
	c := clock.NewManualClock(100)
	require.Equal(t, int64(100), c.NowNanos())

	require.NoError(t, c.Advance(time.Second))
	require.Equal(t, int64(100)+int64(time.Second), c.NowNanos())

	require.Error(t, c.Advance(-time.Nanosecond))
	require.Equal(t, int64(100)+int64(time.Second), c.NowNanos())

	c.Set(5)
	require.Equal(t, int64(5), c.NowNanos())
}

func TestSystemClock_Monotonic(t *testing.T) {
	c := clock.NewSystemClock()
	prev := c.NowNanos()
	for i := 0; i < 1000; i++ {
		now := c.NowNanos()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}
