package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avatarctic/tenant-metering/go/internal/core/domain/usage"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

const maxSummaryDays = 366

type usageEventRequest struct {
	Kind       usage.Kind `json:"kind"`
	Quantity   int64      `json:"quantity"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type recordUsageRequest struct {
	Events []usageEventRequest `json:"events"`
}

func (s *Server) recordUsageEvents(c echo.Context) error {
	t, err := helpers.GetActiveTenantFromContext(c)
	if err != nil {
		return err
	}
	var req recordUsageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "events must not be empty")
	}

	events := make([]usage.Event, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, usage.Event{TenantID: t.ID, Kind: e.Kind, Quantity: e.Quantity, OccurredAt: e.OccurredAt})
	}
	if err := s.usageService.RecordBatch(events); err != nil {
		if errors.Is(err, usage.ErrInvalidKind) || errors.Is(err, usage.ErrInvalidQuantity) || errors.Is(err, usage.ErrTimestampOutOfRange) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record usage")
	}
	return c.JSON(http.StatusAccepted, map[string]any{"accepted": len(events)})
}

func (s *Server) getUsageSummary(c echo.Context) error {
	t, err := helpers.GetActiveTenantFromContext(c)
	if err != nil {
		return err
	}
	days := 30
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSummaryDays {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be between 1 and 366")
		}
		days = n
	}
	summary, err := s.usageService.Summary(c.Request().Context(), t.ID, days)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load usage summary")
	}
	return c.JSON(http.StatusOK, summary)
}
