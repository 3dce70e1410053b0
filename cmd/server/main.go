package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	config "github.com/avatarctic/tenant-metering/go/configs"
	"github.com/avatarctic/tenant-metering/go/internal/application/services"
	"github.com/avatarctic/tenant-metering/go/internal/core/ports"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/billing"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/db"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/email"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/health"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/redis"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/repositories"
	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/scheduler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Setup logger
	logger := logrus.New()
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(level)
	}

	logger.Info("Starting tenant metering service...")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	var (
		tenantRepo     ports.TenantRepository
		usageStore     ports.UsageStore
		retentionStore scheduler.RetentionStore
		hcSlice        []ports.HealthChecker
	)

	if cfg.Metering.Store == config.StoreMemory {
		memTenants := repositories.NewMemoryTenantRepository()
		if cfg.Metering.TenantsFile != "" {
			if memTenants, err = repositories.LoadTenantsFile(cfg.Metering.TenantsFile); err != nil {
				logger.Fatal("Failed to load tenants file:", err)
			}
		}
		memUsage := repositories.NewMemoryUsageRepository()
		tenantRepo, usageStore, retentionStore = memTenants, memUsage, memUsage
		logger.Warn("Using in-memory stores; usage records will not survive a restart")
	} else {
		// Initialize database (apply pool settings from config)
		database, err := db.NewDatabaseWithConfig(&cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database:", err)
		}
		defer database.Close()
		logger.Info("Connected to database successfully")

		// Run migrations
		if err := database.Migrate(cfg.Database.MigrationsPath); err != nil {
			logger.Fatal("Failed to run migrations:", err)
		}

		baseTenantRepo := repositories.NewTenantRepository(database, logger)
		tenantRepo = baseTenantRepo
		hcSlice = append(hcSlice, health.NewDBHealthChecker(database))

		if cfg.Redis.Enabled {
			redisClient, err := redis.NewRedisClient(&cfg.Redis)
			if err != nil {
				logger.Fatal("Failed to connect to Redis:", err)
			}
			defer redisClient.Close()
			logger.Info("Connected to Redis successfully")

			redisCache := redis.NewRedisCache(redisClient, cfg.Redis.KeyPrefix)
			tenantRepo = repositories.NewCachingTenantRepository(baseTenantRepo, redisCache, cfg.Registry.CacheTTL)
			hcSlice = append(hcSlice, health.NewRedisHealthChecker(redisClient))
		}

		pgUsage := repositories.NewUsageRepository(database, logger)
		usageStore, retentionStore = pgUsage, pgUsage
	}

	tenantRegistry := services.NewTenantRegistryService(tenantRepo, &services.TenantRegistryConfig{
		TTL:            cfg.Registry.TTL,
		Grace:          cfg.Registry.Grace,
		NegativeTTL:    cfg.Registry.NegativeTTL,
		NegativeMax:    cfg.Registry.NegativeMax,
		ResolveTimeout: cfg.Registry.ResolveTimeout,
	}, metrics, logger)

	preloadCtx, cancelPreload := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := tenantRegistry.Preload(preloadCtx, cfg.Registry.PreloadBatch); err != nil {
		logger.WithError(err).Warn("Tenant preload incomplete; remaining tenants load on first request")
	} else {
		logger.WithFields(logrus.Fields{"tenants": n}).Info("Tenant registry preloaded")
	}
	cancelPreload()

	rateLimiter := services.NewRateLimiterService(tenantRegistry, &services.RateLimiterConfig{
		DefaultCapacity:  cfg.RateLimit.DefaultRequestsPerSecond,
		Shards:           cfg.RateLimit.Shards,
		IdleTTL:          cfg.RateLimit.IdleTTL,
		SweepInterval:    cfg.RateLimit.SweepInterval,
		BucketResolution: cfg.RateLimit.BucketResolution,
	}, metrics, logger)

	usageBus := services.NewUsageEventBus(cfg.UsageBus.CapacityPerTenant, metrics, logger)
	usageService := services.NewUsageService(usageBus, usageStore, &services.UsageServiceConfig{
		MaxFutureSkew: cfg.UsageBus.MaxFutureSkew,
		MaxEventAge:   cfg.UsageBus.MaxEventAge,
	}, logger)

	var alerter ports.Alerter = email.NewLogAlerter(logger)
	if cfg.Alert.SendGridAPIKey != "" {
		alertService, err := email.NewAlertService(&email.AlertConfig{
			SendGridAPIKey: cfg.Alert.SendGridAPIKey,
			FromEmail:      cfg.Alert.FromEmail,
			FromName:       cfg.Alert.FromName,
			Recipients:     cfg.Alert.Recipients,
			MinInterval:    cfg.Alert.MinInterval,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize alert service:", err)
		}
		alerter = alertService
	}

	var reporter ports.BillingReporter = billing.NewLogReporter(logger)
	if cfg.Billing.StripeSecretKey != "" {
		stripeReporter, err := billing.NewStripeReporter(&billing.StripeConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			TestMode:  cfg.Billing.StripeTestMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Stripe reporter:", err)
		}
		reporter = stripeReporter
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; closed usage is logged instead of billed")
	}

	aggregator := services.NewMeteringAggregator(usageBus, usageStore, alerter, &services.MeteringAggregatorConfig{
		Parallelism:         cfg.Metering.Parallelism,
		StoreTimeout:        cfg.Metering.StoreTimeout,
		MaxWindowsPerTenant: cfg.Metering.MaxWindowsPerTenant,
		RetryBaseDelay:      cfg.Metering.RetryBaseDelay,
		RetryMaxDelay:       cfg.Metering.RetryMaxDelay,
		AlertThreshold:      cfg.Metering.AlertThreshold,
	}, metrics, logger)

	billingPusher := services.NewBillingPusher(usageStore, tenantRegistry, reporter, alerter, &services.BillingPusherConfig{
		BatchSize:     cfg.Billing.BatchSize,
		MaxAttempts:   cfg.Billing.MaxAttempts,
		BaseDelay:     cfg.Billing.BaseDelay,
		MaxDelay:      cfg.Billing.MaxDelay,
		RatePerSecond: cfg.Billing.RatePerSecond,
		Burst:         cfg.Billing.Burst,
		PushTimeout:   cfg.Billing.PushTimeout,
	}, metrics, logger)

	meteringScheduler := scheduler.NewMeteringScheduler(aggregator, billingPusher, retentionStore, scheduler.Config{
		Enabled:           cfg.Metering.SchedulerEnabled,
		Interval:          cfg.Metering.Interval,
		Offset:            cfg.Metering.ScheduleOffset,
		RetryInterval:     cfg.Metering.RetryInterval,
		BillingInterval:   cfg.Billing.PushInterval,
		RetentionInterval: cfg.Metering.RetentionInterval,
		Retention:         cfg.Metering.Retention,
		RunTimeout:        cfg.Metering.RunTimeout,
	}, logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	if err := meteringScheduler.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start metering scheduler:", err)
	}
	if cfg.Metering.SchedulerEnabled {
		hcSlice = append(hcSlice, health.NewSchedulerHealthChecker(meteringScheduler.IsRunning))
	}

	// Create server configuration
	serverConfig := &httpserver.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		TLSCertFile:    cfg.Server.TLSCertFile,
		TLSKeyFile:     cfg.Server.TLSKeyFile,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Environment:    cfg.Server.Environment,
		BaseDomain:     strings.TrimSpace(cfg.Server.BaseDomain),
	}

	// Initialize HTTP server using ServerDeps for clearer wiring
	deps := httpserver.ServerDeps{
		RateLimiter:    rateLimiter,
		TenantRegistry: tenantRegistry,
		UsageService:   usageService,
		Metering:       meteringScheduler,
		Bus:            usageBus,
		HealthCheckers: hcSlice,
		Registry:       registry,
		JWTSecret:      cfg.Identity.JWTSecret,
		AdminKeyHash:   cfg.Admin.KeyHash,
	}

	server := httpserver.NewServer(serverConfig, logger, deps)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.Info("HTTP server stopped: ", err)
		}
	}()

	logger.Infof("Server started on %s:%s", cfg.Server.Host, cfg.Server.Port)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// New events stopped with the server; close whatever windows are closeable before exit.
	// Events of the current hour are still lost with the process.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Metering.RunTimeout)
	defer cancelStop()
	err = meteringScheduler.Stop(stopCtx)
	if errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		_, err = meteringScheduler.Flush(stopCtx)
	}
	if err != nil {
		logger.WithError(err).Warn("Metering did not flush cleanly")
	}

	logger.Info("Server exited")
}
