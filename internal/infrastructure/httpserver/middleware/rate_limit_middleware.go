package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/tenant"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

type RateLimitMiddleware struct {
	rateLimiter ports.RateLimiter
	logger      *logrus.Logger
}

func NewRateLimitMiddleware(rateLimiter ports.RateLimiter, logger *logrus.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{rateLimiter: rateLimiter, logger: logger}
}

// Handler resolves the tenant identifier found by the tenant middleware and admits the
// request against the tenant's quota. Requests that cannot be attributed to a known,
// active tenant are rejected.
func (r *RateLimitMiddleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ref, err := helpers.GetTenantRefFromContext(c)
			if err != nil {
				return err
			}

			decision, err := r.rateLimiter.Admit(c.Request().Context(), ref, 1)
			if err != nil {
				return r.rejectUnresolved(c, ref, err)
			}
			setRateLimitHeaders(c, decision)
			helpers.SetTenant(c, decision.Tenant)
			helpers.SetDecision(c, decision)

			if decision.Oversize {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, map[string]any{
					"error":   "cost_exceeds_limit",
					"message": "Request cost exceeds the tenant's per-second limit.",
				})
			}
			if !decision.Allowed {
				retryAfter := retryAfterSeconds(decision.RetryAfter)
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if r.logger != nil {
					r.logger.WithFields(logrus.Fields{"tenant_ref": ref, "retry_after_ms": decision.RetryAfter.Milliseconds()}).Debug("request rate limited")
				}
				return echo.NewHTTPError(http.StatusTooManyRequests, map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     "Tenant rate limit exceeded. Try again later.",
					"retry_after": retryAfter,
				})
			}
			return next(c)
		}
	}
}

func (r *RateLimitMiddleware) rejectUnresolved(c echo.Context, ref string, err error) error {
	switch {
	case errors.Is(err, tenant.ErrTenantInactive):
		return echo.NewHTTPError(http.StatusForbidden, "tenant is not active")
	case errors.Is(err, tenant.ErrTenantNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
	default:
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"tenant_ref": ref, "path": c.Request().URL.Path}).WithError(err).Warn("tenant could not be resolved; rejecting request")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant lookup unavailable")
	}
}

func setRateLimitHeaders(c echo.Context, d ports.Decision) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if d.Tenant != nil {
		h.Set("X-RateLimit-Scope", "tenant:"+d.Tenant.Slug)
	}
}

// retryAfterSeconds rounds up so a client honoring the header never retries early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
