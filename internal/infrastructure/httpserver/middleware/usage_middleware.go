package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

type UsageMiddleware struct {
	usageService ports.UsageService
	logger       *logrus.Logger
}

func NewUsageMiddleware(usageService ports.UsageService, logger *logrus.Logger) *UsageMiddleware {
	return &UsageMiddleware{usageService: usageService, logger: logger}
}

// RecordRequests publishes one api_request event for every admitted request whose
// handler did not fail with a server error.
func (m *UsageMiddleware) RecordRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			t, ok := helpers.GetTenant(c)
			if !ok || t == nil {
				return err
			}
			if responseStatus(c, err) >= http.StatusInternalServerError {
				return err
			}
			if recErr := m.usageService.Record(t.ID, usage.KindAPIRequest, 1, time.Now()); recErr != nil && m.logger != nil {
				m.logger.WithFields(logrus.Fields{"tenant_id": t.ID}).WithError(recErr).Warn("failed to record api_request usage")
			}
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
