package usage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
)

func TestSum_ByKind(t *testing.T) {
	tid := uuid.New()
	events := []usage.Event{
		{TenantID: tid, Kind: usage.KindTrace, Quantity: 3},
		{TenantID: tid, Kind: usage.KindTrace, Quantity: 2},
		{TenantID: tid, Kind: usage.KindSeat, Quantity: 1},
		{TenantID: tid, Kind: usage.KindTokensOut, Quantity: 40},
	}
	c := usage.Sum(events)
	require.Equal(t, int64(5), c.Trace)
	require.Equal(t, int64(1), c.Seat)
	require.Equal(t, int64(40), c.TokensOut)
	require.Equal(t, int64(0), c.APIRequest)
}

func TestEvent_Validate(t *testing.T) {
	ok := usage.Event{TenantID: uuid.New(), Kind: usage.KindSeat, Quantity: 0}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Kind = "bananas"
	require.True(t, errors.Is(bad.Validate(), usage.ErrInvalidKind))

	bad = ok
	bad.Quantity = -1
	require.ErrorIs(t, bad.Validate(), usage.ErrInvalidQuantity)

	bad = ok
	bad.TenantID = uuid.Nil
	require.ErrorIs(t, bad.Validate(), usage.ErrMissingTenant)
}

func TestWindowFloor_UTCAligned(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	ts := time.Date(2025, 3, 1, 10, 47, 12, 0, loc)
	got := usage.WindowFloor(ts)
	require.Equal(t, time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC), got)
}

func TestRecord_IdempotencyKey(t *testing.T) {
	tid := uuid.MustParse("7d1f7c7e-4a43-4d8b-9b7a-0e2b8f4f2a11")
	r := usage.Record{TenantID: tid, WindowStart: time.Unix(1700000000, 0).UTC()}
	require.Equal(t, "usage:7d1f7c7e-4a43-4d8b-9b7a-0e2b8f4f2a11:1700000000", r.IdempotencyKey())
}

func TestCounts_Merge(t *testing.T) {
	a := usage.Counts{Trace: 1, StorageBytes: 10}
	a.Merge(usage.Counts{Trace: 2, APIRequest: 7})
	require.Equal(t, usage.Counts{Trace: 3, APIRequest: 7, StorageBytes: 10}, a)
	require.False(t, a.IsZero())
	require.True(t, usage.Counts{}.IsZero())
}
