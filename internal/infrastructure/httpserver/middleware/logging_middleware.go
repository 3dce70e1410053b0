package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

type LoggingMiddleware struct {
	logger *logrus.Logger
}

func NewLoggingMiddleware(logger *logrus.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) RequestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if m.logger != nil {
				fields := logrus.Fields{
					"method":      c.Request().Method,
					"path":        c.Path(),
					"status":      c.Response().Status,
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  c.Response().Header().Get(echo.HeaderXRequestID),
				}
				if t, ok := helpers.GetTenant(c); ok && t != nil {
					fields["tenant_id"] = t.ID
				}
				m.logger.WithFields(fields).Debug("request handled")
			}
			return err
		}
	}
}
