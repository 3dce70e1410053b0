package tenant

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTenantNotFound is returned by the tenant store when no tenant matches the identifier.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantUnresolvable means the identifier could not be mapped to a tenant and no
	// usable cached entry exists. Admission must be denied.
	ErrTenantUnresolvable = errors.New("tenant unresolvable")
	// ErrTenantInactive is returned when a resolved tenant is suspended or canceled.
	ErrTenantInactive = errors.New("tenant is not active")
)

type Tenant struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	Slug      string           `json:"slug" db:"slug"`
	Domain    string           `json:"domain" db:"domain"`
	Plan      SubscriptionPlan `json:"plan" db:"plan"`
	Status    TenantStatus     `json:"status" db:"status"`
	Settings  TenantSettings   `json:"settings" db:"settings"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusCanceled  TenantStatus = "canceled"
)

// CanAccess returns true if the tenant may send traffic.
func (t *Tenant) CanAccess() bool {
	return t.Status == TenantStatusActive
}

type SubscriptionPlan string

const (
	PlanFree       SubscriptionPlan = "free"
	PlanStarter    SubscriptionPlan = "starter"
	PlanPro        SubscriptionPlan = "pro"
	PlanEnterprise SubscriptionPlan = "enterprise"
)

// DefaultRequestsPerSecond returns the plan's admission capacity, or 0 for unknown plans.
func (p SubscriptionPlan) DefaultRequestsPerSecond() int {
	switch p {
	case PlanFree:
		return 10
	case PlanStarter:
		return 50
	case PlanPro:
		return 200
	case PlanEnterprise:
		return 1000
	default:
		return 0
	}
}

type TenantSettings struct {
	Limits  TenantLimits  `json:"limits"`
	Billing TenantBilling `json:"billing"`
}

// TenantLimits overrides the plan defaults when the values are positive.
type TenantLimits struct {
	RequestsPerSecond int `json:"requests_per_second"`
	BurstWindowLimit  int `json:"burst_window_limit"`
}

// TenantBilling maps usage kinds to the billing provider's metered subscription items.
type TenantBilling struct {
	CustomerID        string            `json:"customer_id,omitempty"`
	SubscriptionItems map[string]string `json:"subscription_items,omitempty"`
}

// RateCapacity is the bucket size and refill rate in requests per second.
func (t *Tenant) RateCapacity(fallback int) int {
	if t.Settings.Limits.RequestsPerSecond > 0 {
		return t.Settings.Limits.RequestsPerSecond
	}
	if v := t.Plan.DefaultRequestsPerSecond(); v > 0 {
		return v
	}
	return fallback
}

// WindowLimit is the maximum admitted cost in any trailing second. It never exceeds
// the rate capacity.
func (t *Tenant) WindowLimit(fallback int) int {
	capacity := t.RateCapacity(fallback)
	if l := t.Settings.Limits.BurstWindowLimit; l > 0 && l < capacity {
		return l
	}
	return capacity
}
