package httpserver

func (s *Server) setupRoutes() {
	// Health and metrics sit outside tenant resolution and admission.
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.metricsEndpoint)

	api := s.echo.Group("/api/v1")
	api.Use(s.middleware.Tenant.ExtractTenant())
	api.Use(s.middleware.RateLimit.Handler())
	api.Use(s.middleware.Usage.RecordRequests())

	api.POST("/usage/events", s.recordUsageEvents)
	api.GET("/usage/summary", s.getUsageSummary)
	api.GET("/rate-limit/status", s.getRateLimitStatus)

	admin := s.echo.Group("/admin")
	admin.Use(s.middleware.Admin.RequireAdminKey())
	admin.POST("/metering/run", s.runMetering)
	admin.POST("/billing/push", s.pushBilling)
	admin.GET("/usage-bus/stats", s.getUsageBusStats)
	admin.POST("/tenants/:id/invalidate", s.invalidateTenant)
}
