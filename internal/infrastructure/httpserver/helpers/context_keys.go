package helpers

import (
	"github.com/labstack/echo/v4"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
)

type ctxKey string

const (
	keyTenant    ctxKey = "tenant"
	keyTenantRef ctxKey = "tenant_ref"
	keyRefSource ctxKey = "tenant_ref_source"
	keyDecision  ctxKey = "admission_decision"
)

func SetTenant(c echo.Context, t *tenant.Tenant) { c.Set(string(keyTenant), t) }
func GetTenant(c echo.Context) (*tenant.Tenant, bool) {
	v := c.Get(string(keyTenant))
	t, ok := v.(*tenant.Tenant)
	return t, ok
}

// SetTenantRef stores the raw tenant identifier and where it was found.
func SetTenantRef(c echo.Context, ref, source string) {
	c.Set(string(keyTenantRef), ref)
	c.Set(string(keyRefSource), source)
}
func GetTenantRefRaw(c echo.Context) (string, bool) {
	v := c.Get(string(keyTenantRef))
	s, ok := v.(string)
	return s, ok && s != ""
}
func GetTenantRefSource(c echo.Context) string {
	s, _ := c.Get(string(keyRefSource)).(string)
	return s
}

func SetDecision(c echo.Context, d ports.Decision) { c.Set(string(keyDecision), d) }
func GetDecision(c echo.Context) (ports.Decision, bool) {
	v := c.Get(string(keyDecision))
	d, ok := v.(ports.Decision)
	return d, ok
}
