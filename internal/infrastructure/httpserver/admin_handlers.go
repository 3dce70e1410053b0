package httpserver

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

func (s *Server) runMetering(c echo.Context) error {
	if s.metering == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metering is not configured")
	}
	report, err := s.metering.RunNow(c.Request().Context())
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("manual metering run did not complete")
		}
		return c.JSON(http.StatusAccepted, map[string]any{"completed": false, "error": err.Error(), "report": report})
	}
	return c.JSON(http.StatusOK, map[string]any{"completed": true, "report": report})
}

func (s *Server) pushBilling(c echo.Context) error {
	if s.metering == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metering is not configured")
	}
	report, err := s.metering.PushBillingNow(c.Request().Context())
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("manual billing push did not complete")
		}
		return c.JSON(http.StatusAccepted, map[string]any{"completed": false, "error": err.Error(), "report": report})
	}
	return c.JSON(http.StatusOK, map[string]any{"completed": true, "report": report})
}

func (s *Server) getUsageBusStats(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "usage bus is not configured")
	}
	return c.JSON(http.StatusOK, s.bus.Stats())
}

// invalidateTenant drops cached tenant state so plan or status changes apply on the
// next request instead of after the cache TTL.
func (s *Server) invalidateTenant(c echo.Context) error {
	if s.tenantRegistry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant registry is not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant id")
	}
	s.tenantRegistry.Invalidate(id)
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"tenant_id": id}).Info("tenant invalidated by operator")
	}
	return c.NoContent(http.StatusNoContent)
}
