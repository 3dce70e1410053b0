package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/form"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
)

type recordedCall struct {
	method, path   string
	quantity       int64
	timestamp      int64
	action         string
	idempotencyKey string
}

// mockBackend implements stripe.Backend for testing.
type mockBackend struct {
	mu    sync.Mutex
	calls []recordedCall
	err   error
}

func (m *mockBackend) Call(method, path, key string, params stripe.ParamsContainer, v stripe.LastResponseSetter) error {
	p := params.(*stripe.UsageRecordParams)
	m.mu.Lock()
	m.calls = append(m.calls, recordedCall{
		method:         method,
		path:           path,
		quantity:       *p.Quantity,
		timestamp:      *p.Timestamp,
		action:         *p.Action,
		idempotencyKey: *p.GetParams().IdempotencyKey,
	})
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, _ := json.Marshal(map[string]any{"id": "mbur_123", "quantity": *p.Quantity, "subscription_item": *p.SubscriptionItem, "timestamp": *p.Timestamp})
	return json.Unmarshal(data, v)
}

func (m *mockBackend) CallStreaming(method, path, key string, params stripe.ParamsContainer, v stripe.StreamingLastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallRaw(method, path, key string, body *form.Values, params *stripe.Params, v stripe.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) CallMultipart(method, path, key, boundary string, body *bytes.Buffer, params *stripe.Params, v stripe.LastResponseSetter) error {
	return nil
}

func (m *mockBackend) SetMaxNetworkRetries(maxNetworkRetries int64) {}

func billedTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:   uuid.MustParse("0b7f3c1e-2f1e-4a7c-9d61-0a4b2f6f9a10"),
		Slug: "acme",
		Settings: tenant.TenantSettings{Billing: tenant.TenantBilling{SubscriptionItems: map[string]string{
			"trace": "si_trace",
			"seat":  "si_seat",
		}}},
	}
}

func TestStripeReporter_ReportsConfiguredNonZeroKinds(t *testing.T) {
	backend := &mockBackend{}
	r := newStripeReporter("sk_test_123", backend, logrus.New())
	tn := billedTenant()
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	rec := &usage.Record{TenantID: tn.ID, WindowStart: start, WindowEnd: start.Add(time.Hour), Counts: usage.Counts{Trace: 1000, Seat: 0, APIRequest: 7}}

	require.NoError(t, r.Report(context.Background(), tn, rec))
	require.Len(t, backend.calls, 1)
	c := backend.calls[0]
	require.Equal(t, "/v1/subscription_items/si_trace/usage_records", c.path)
	require.Equal(t, int64(1000), c.quantity)
	require.Equal(t, start.Unix(), c.timestamp)
	require.Equal(t, "set", c.action)
	require.Equal(t, rec.IdempotencyKey()+":trace", c.idempotencyKey)
}

func TestStripeReporter_SameRecordSameKeys(t *testing.T) {
	backend := &mockBackend{}
	r := newStripeReporter("sk_test_123", backend, nil)
	tn := billedTenant()
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	rec := &usage.Record{TenantID: tn.ID, WindowStart: start, WindowEnd: start.Add(time.Hour), Counts: usage.Counts{Trace: 3, Seat: 2}}

	require.NoError(t, r.Report(context.Background(), tn, rec))
	require.NoError(t, r.Report(context.Background(), tn, rec))
	require.Len(t, backend.calls, 4)
	require.Equal(t, backend.calls[0].idempotencyKey, backend.calls[2].idempotencyKey)
	require.Equal(t, backend.calls[1].idempotencyKey, backend.calls[3].idempotencyKey)
	require.NotEqual(t, backend.calls[0].idempotencyKey, backend.calls[1].idempotencyKey)
}

func TestStripeReporter_ProviderErrorIsReturned(t *testing.T) {
	backend := &mockBackend{err: errors.New("boom")}
	r := newStripeReporter("sk_test_123", backend, logrus.New())
	tn := billedTenant()
	rec := &usage.Record{TenantID: tn.ID, WindowStart: time.Now().UTC().Truncate(time.Hour), Counts: usage.Counts{Trace: 1}}
	require.Error(t, r.Report(context.Background(), tn, rec))
}

func TestStripeReporter_NoItemsIsNoop(t *testing.T) {
	backend := &mockBackend{}
	r := newStripeReporter("sk_test_123", backend, nil)
	tn := &tenant.Tenant{ID: uuid.New()}
	require.NoError(t, r.Report(context.Background(), tn, &usage.Record{TenantID: tn.ID, Counts: usage.Counts{Trace: 5}}))
	require.Empty(t, backend.calls)
}

func TestStripeConfig_Validate(t *testing.T) {
	require.Error(t, (&StripeConfig{}).Validate())
	require.NoError(t, (&StripeConfig{SecretKey: "sk_test_abc", TestMode: true}).Validate())
	require.Error(t, (&StripeConfig{SecretKey: "sk_live_abc", TestMode: true}).Validate())
	require.NoError(t, (&StripeConfig{SecretKey: "sk_live_abc"}).Validate())
}
