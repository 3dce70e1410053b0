package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the operator key for manual triggers.
const AdminKeyHeader = "X-Admin-Key"

type AdminMiddleware struct {
	keyHash []byte
	logger  *logrus.Logger
}

// NewAdminMiddleware takes the bcrypt hash of the admin key. An empty hash disables the
// admin endpoints.
func NewAdminMiddleware(keyHash string, logger *logrus.Logger) *AdminMiddleware {
	return &AdminMiddleware{keyHash: []byte(keyHash), logger: logger}
}

func (m *AdminMiddleware) RequireAdminKey() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(m.keyHash) == 0 {
				return echo.NewHTTPError(http.StatusNotFound, "admin endpoints are disabled")
			}
			key := c.Request().Header.Get(AdminKeyHeader)
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing admin key")
			}
			if err := bcrypt.CompareHashAndPassword(m.keyHash, []byte(key)); err != nil {
				if m.logger != nil {
					m.logger.WithFields(logrus.Fields{"ip": c.RealIP(), "path": c.Request().URL.Path}).Warn("admin key rejected")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin key")
			}
			return next(c)
		}
	}
}
