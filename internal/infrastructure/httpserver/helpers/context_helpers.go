package helpers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
)

func GetTenantFromContext(c echo.Context) (*tenant.Tenant, error) {
	t, ok := GetTenant(c)
	if !ok || t == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid tenant context")
	}
	return t, nil
}

func GetActiveTenantFromContext(c echo.Context) (*tenant.Tenant, error) {
	t, err := GetTenantFromContext(c)
	if err != nil {
		return nil, err
	}
	if !t.CanAccess() {
		return nil, echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("tenant is %s", t.Status))
	}
	return t, nil
}

func GetTenantRefFromContext(c echo.Context) (string, error) {
	ref, ok := GetTenantRefRaw(c)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "tenant identifier required")
	}
	return ref, nil
}

// GetBearerToken returns the token of an "Authorization: Bearer" header, or "" when absent.
func GetBearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}
