package routes

import (
	"example.com/backstage/services/telemetry/api/handlers"
	"example.com/backstage/services/telemetry/api/middleware"
	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/repository"
	"example.com/backstage/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, svc service.Service, repo repository.Repository, log *logrus.Logger, tolerant bool) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// API routes
	api := r.Group("/api/v1")

	// Ingestion routes
	ingestHandler := handlers.NewIngestHandler(svc, log)
	ingest := api.Group("/ingest")
	ingest.Use(middleware.APIKeyAuth(repo, log, models.WriterAuthLevel))
	{
		ingest.POST("/telemetry", ingestHandler.IngestTelemetry)
		ingest.POST("/config", ingestHandler.IngestConfig)
	}

	// Device routes
	deviceHandler := handlers.NewDeviceHandler(svc, log)
	devices := api.Group("/devices")
	devices.Use(middleware.APIKeyAuth(repo, log, models.ViewerAuthLevel))
	{
		devices.POST("", middleware.APIKeyAuth(repo, log, models.WriterAuthLevel), deviceHandler.RegisterDevice)
		devices.GET("", deviceHandler.ListDevices)
		devices.GET("/:id", deviceHandler.GetDevice)
		devices.PATCH("/:id/status", middleware.APIKeyAuth(repo, log, models.WriterAuthLevel), deviceHandler.UpdateDeviceStatus)

		// Materialized views
		devices.GET("/:id/telemetry", deviceHandler.GetLatestTelemetry)
		devices.GET("/:id/config", deviceHandler.GetLatestConfig)
		devices.GET("/:id/readings", deviceHandler.GetReadingHistory)
	}

	// Queue administration routes
	adminHandler := handlers.NewAdminHandler(svc, log, tolerant)
	admin := api.Group("/admin")
	admin.Use(middleware.APIKeyAuth(repo, log, models.SudoAuthLevel))
	{
		admin.POST("/drain", adminHandler.TriggerDrain)
		admin.GET("/queue/stats", adminHandler.QueueStats)
		admin.GET("/payloads/:id/diagnostics", adminHandler.GetDiagnostics)
	}
}
