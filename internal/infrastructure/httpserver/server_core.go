package httpserver

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	customMiddleware "github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/middleware"
)

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string
	Environment    string
	// BaseDomain enables tenant extraction from subdomains of it.
	BaseDomain string
}

// MeteringOperator exposes the manual metering and billing triggers.
type MeteringOperator interface {
	RunNow(ctx context.Context) (services.RunReport, error)
	PushBillingNow(ctx context.Context) (services.PushReport, error)
}

// BusInspector reports usage bus occupancy.
type BusInspector interface {
	Stats() services.BusStats
}

type ServerDeps struct {
	RateLimiter    ports.RateLimiter
	TenantRegistry ports.TenantRegistry
	UsageService   ports.UsageService
	Metering       MeteringOperator
	Bus            BusInspector
	HealthCheckers []ports.HealthChecker
	// Registry receives the HTTP metrics and is served on /metrics. Nil means the
	// prometheus default registry.
	Registry *prometheus.Registry
	// JWTSecret verifies identity-layer bearer tokens that carry a tenant_id claim.
	JWTSecret string
	// AdminKeyHash is the bcrypt hash of the operator key. Empty disables /admin.
	AdminKeyHash string
}

type Server struct {
	echo           *echo.Echo
	config         *ServerConfig
	logger         *logrus.Logger
	rateLimiter    ports.RateLimiter
	tenantRegistry ports.TenantRegistry
	usageService   ports.UsageService
	metering       MeteringOperator
	bus            BusInspector
	middleware     *customMiddleware.MiddlewareCollection
	healthCheckers []ports.HealthChecker
	gatherer       prometheus.Gatherer
}

func NewServer(serverConfig *ServerConfig, logger *logrus.Logger, deps ServerDeps) *Server {
	e := echo.New()
	e.HideBanner = true

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if deps.Registry != nil {
		reg, gatherer = deps.Registry, deps.Registry
	}
	httpMetrics := newHTTPMetrics(reg)

	server := &Server{
		echo:           e,
		config:         serverConfig,
		logger:         logger,
		rateLimiter:    deps.RateLimiter,
		tenantRegistry: deps.TenantRegistry,
		usageService:   deps.UsageService,
		metering:       deps.Metering,
		bus:            deps.Bus,
		healthCheckers: deps.HealthCheckers,
		gatherer:       gatherer,
		middleware: customMiddleware.NewMiddlewareCollection(
			deps.RateLimiter,
			deps.UsageService,
			logger,
			serverConfig.BaseDomain,
			deps.JWTSecret,
			deps.AdminKeyHash,
			httpMetrics.requestsTotal,
			httpMetrics.requestDuration,
		),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}
