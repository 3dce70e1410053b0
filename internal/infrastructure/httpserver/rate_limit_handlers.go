package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

type rateLimitStatusResponse struct {
	TenantID          string    `json:"tenant_id"`
	Slug              string    `json:"slug"`
	Plan              string    `json:"plan"`
	RequestsPerSecond int       `json:"requests_per_second"`
	Remaining         int       `json:"remaining"`
	RetryAfterMillis  int64     `json:"retry_after_ms"`
	ResetAt           time.Time `json:"reset_at"`
}

// getRateLimitStatus reports the caller's quota as it stood after admitting this request.
func (s *Server) getRateLimitStatus(c echo.Context) error {
	t, err := helpers.GetActiveTenantFromContext(c)
	if err != nil {
		return err
	}
	d := s.rateLimiter.Peek(t)
	return c.JSON(http.StatusOK, rateLimitStatusResponse{
		TenantID:          t.ID.String(),
		Slug:              t.Slug,
		Plan:              string(t.Plan),
		RequestsPerSecond: d.Limit,
		Remaining:         d.Remaining,
		RetryAfterMillis:  d.RetryAfter.Milliseconds(),
		ResetAt:           d.Reset.UTC(),
	})
}
