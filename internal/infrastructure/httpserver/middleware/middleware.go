package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
)

// MiddlewareCollection holds all middleware instances
type MiddlewareCollection struct {
	Tenant    *TenantMiddleware
	RateLimit *RateLimitMiddleware
	Usage     *UsageMiddleware
	Admin     *AdminMiddleware
	Logging   *LoggingMiddleware
	Metrics   *MetricsMiddleware
}

// NewMiddlewareCollection creates a new collection of all middleware
func NewMiddlewareCollection(
	rateLimiter ports.RateLimiter,
	usageService ports.UsageService,
	logger *logrus.Logger,
	baseDomain string,
	jwtSecret string,
	adminKeyHash string,
	requestsTotal *prometheus.CounterVec,
	requestDuration *prometheus.HistogramVec,
) *MiddlewareCollection {
	return &MiddlewareCollection{
		Tenant:    NewTenantMiddleware(baseDomain, jwtSecret, logger),
		RateLimit: NewRateLimitMiddleware(rateLimiter, logger),
		Usage:     NewUsageMiddleware(usageService, logger),
		Admin:     NewAdminMiddleware(adminKeyHash, logger),
		Logging:   NewLoggingMiddleware(logger),
		Metrics:   NewMetricsMiddleware(requestsTotal, requestDuration),
	}
}
