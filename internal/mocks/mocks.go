package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
)

// TenantRepositoryMock is a lightweight mock for TenantRepository
type TenantRepositoryMock struct {
	GetByIDFn   func(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	GetBySlugFn func(ctx context.Context, slug string) (*tenant.Tenant, error)
	ListFn      func(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error)
}

func (m *TenantRepositoryMock) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
}
func (m *TenantRepositoryMock) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	if m.GetBySlugFn != nil {
		return m.GetBySlugFn(ctx, slug)
	}
	return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, slug)
}
func (m *TenantRepositoryMock) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, limit, offset)
	}
	return nil, nil
}

// TenantRegistryMock is a lightweight mock for TenantRegistry
type TenantRegistryMock struct {
	ResolveFn    func(ctx context.Context, ref string) (*tenant.Tenant, error)
	InvalidateFn func(id uuid.UUID)
}

func (m *TenantRegistryMock) Resolve(ctx context.Context, ref string) (*tenant.Tenant, error) {
	if m.ResolveFn != nil {
		return m.ResolveFn(ctx, ref)
	}
	return nil, tenant.ErrTenantUnresolvable
}
func (m *TenantRegistryMock) Invalidate(id uuid.UUID) {
	if m.InvalidateFn != nil {
		m.InvalidateFn(id)
	}
}

// StaticRegistry resolves tenants from a fixed set keyed by id and slug.
func StaticRegistry(tenants ...*tenant.Tenant) *TenantRegistryMock {
	byRef := make(map[string]*tenant.Tenant, 2*len(tenants))
	for _, t := range tenants {
		byRef[t.ID.String()] = t
		byRef[t.Slug] = t
	}
	return &TenantRegistryMock{ResolveFn: func(ctx context.Context, ref string) (*tenant.Tenant, error) {
		if t, ok := byRef[ref]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("%w: %w", tenant.ErrTenantUnresolvable, tenant.ErrTenantNotFound)
	}}
}

// RateLimiterMock is a lightweight mock for RateLimiter
type RateLimiterMock struct {
	AdmitFn       func(ctx context.Context, ref string, cost int) (ports.Decision, error)
	AdmitTenantFn func(t *tenant.Tenant, cost int) ports.Decision
	PeekFn        func(t *tenant.Tenant) ports.Decision
}

func (m *RateLimiterMock) Admit(ctx context.Context, ref string, cost int) (ports.Decision, error) {
	if m.AdmitFn != nil {
		return m.AdmitFn(ctx, ref, cost)
	}
	return ports.Decision{}, tenant.ErrTenantUnresolvable
}
func (m *RateLimiterMock) AdmitTenant(t *tenant.Tenant, cost int) ports.Decision {
	if m.AdmitTenantFn != nil {
		return m.AdmitTenantFn(t, cost)
	}
	return ports.Decision{Allowed: true, Tenant: t}
}
func (m *RateLimiterMock) Peek(t *tenant.Tenant) ports.Decision {
	if m.PeekFn != nil {
		return m.PeekFn(t)
	}
	return ports.Decision{Allowed: true, Tenant: t}
}

// UsageServiceMock records published events unless RecordFn is set.
type UsageServiceMock struct {
	RecordFn      func(tenantID uuid.UUID, kind usage.Kind, quantity int64, occurredAt time.Time) error
	RecordBatchFn func(events []usage.Event) error
	SummaryFn     func(ctx context.Context, tenantID uuid.UUID, days int) (*usage.Summary, error)

	mu     sync.Mutex
	Events []usage.Event
}

func (m *UsageServiceMock) Record(tenantID uuid.UUID, kind usage.Kind, quantity int64, occurredAt time.Time) error {
	if m.RecordFn != nil {
		return m.RecordFn(tenantID, kind, quantity, occurredAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, usage.Event{TenantID: tenantID, Kind: kind, Quantity: quantity, OccurredAt: occurredAt})
	return nil
}
func (m *UsageServiceMock) RecordBatch(events []usage.Event) error {
	if m.RecordBatchFn != nil {
		return m.RecordBatchFn(events)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, events...)
	return nil
}
func (m *UsageServiceMock) Summary(ctx context.Context, tenantID uuid.UUID, days int) (*usage.Summary, error) {
	if m.SummaryFn != nil {
		return m.SummaryFn(ctx, tenantID, days)
	}
	return &usage.Summary{TenantID: tenantID, PeriodDays: days}, nil
}

// Recorded returns a copy of the events captured so far.
func (m *UsageServiceMock) Recorded() []usage.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]usage.Event(nil), m.Events...)
}

// BillingReporterMock is a lightweight mock for BillingReporter
type BillingReporterMock struct {
	ReportFn func(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error
}

func (m *BillingReporterMock) Report(ctx context.Context, t *tenant.Tenant, rec *usage.Record) error {
	if m.ReportFn != nil {
		return m.ReportFn(ctx, t, rec)
	}
	return nil
}

// AlerterMock captures alert subjects.
type AlerterMock struct {
	AlertFn func(ctx context.Context, subject, body string) error

	mu       sync.Mutex
	Subjects []string
}

func (m *AlerterMock) Alert(ctx context.Context, subject, body string) error {
	m.mu.Lock()
	m.Subjects = append(m.Subjects, subject)
	m.mu.Unlock()
	if m.AlertFn != nil {
		return m.AlertFn(ctx, subject, body)
	}
	return nil
}

func (m *AlerterMock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Subjects)
}

// CacheMock is an in-memory Cache; set Err to make every call fail.
type CacheMock struct {
	mu    sync.Mutex
	items map[string][]byte
	Err   error
	Gets  int
}

func (m *CacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if m.Err != nil {
		return nil, false, m.Err
	}
	v, ok := m.items[key]
	return v, ok, nil
}
func (m *CacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	m.items[key] = value
	return nil
}
func (m *CacheMock) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.items, key)
	return nil
}

// HealthCheckerMock is a lightweight mock for HealthChecker
type HealthCheckerMock struct {
	NameValue string
	CheckFn   func(ctx context.Context) error
}

func (m *HealthCheckerMock) Name() string { return m.NameValue }
func (m *HealthCheckerMock) Check(ctx context.Context) error {
	if m.CheckFn != nil {
		return m.CheckFn(ctx)
	}
	return nil
}

var (
	_ ports.TenantRepository = (*TenantRepositoryMock)(nil)
	_ ports.TenantRegistry   = (*TenantRegistryMock)(nil)
	_ ports.RateLimiter      = (*RateLimiterMock)(nil)
	_ ports.UsageService     = (*UsageServiceMock)(nil)
	_ ports.BillingReporter  = (*BillingReporterMock)(nil)
	_ ports.Alerter          = (*AlerterMock)(nil)
	_ ports.Cache            = (*CacheMock)(nil)
	_ ports.HealthChecker    = (*HealthCheckerMock)(nil)
)
