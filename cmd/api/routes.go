package main

import (
	"net/http"

	"github.com/sirupsen/logrus"

	httphandlers "ledgerlink/internal/interfaces/http"
	"ledgerlink/internal/shared/config"
	"ledgerlink/internal/shared/middleware"
	"ledgerlink/internal/shared/telemetry"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	// Operational
	mux.HandleFunc("GET /health", httphandlers.HandleHealth(deps.DB))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	// Provider webhooks are authenticated by signature, not by the gateway.
	mux.HandleFunc("POST /webhooks/{source}", deps.WebhookHandler.HandleWebhook)

	// Organization-scoped routes
	org := middleware.Organization

	mux.Handle("/api/connections", org(http.HandlerFunc(deps.ConnectionHandler.HandleConnections)))

	mux.Handle("/api/sync/status", org(http.HandlerFunc(deps.SyncHandler.HandleStatus)))
	mux.Handle("/api/sync/freshness", org(http.HandlerFunc(deps.SyncHandler.HandleFreshness)))
	mux.Handle("/api/sync/jobs", org(http.HandlerFunc(deps.SyncHandler.HandleJobs)))
	mux.Handle("/api/sync/schedules", org(http.HandlerFunc(deps.SyncHandler.HandleCreateSchedule)))
	mux.Handle("/api/sync/schedules/{id}/interval", org(http.HandlerFunc(deps.SyncHandler.HandleScheduleInterval)))
	mux.Handle("/api/sync/schedules/{id}/{action}", org(http.HandlerFunc(deps.SyncHandler.HandleScheduleAction)))
	mux.Handle("/api/sync/trigger", org(http.HandlerFunc(deps.SyncHandler.HandleTrigger)))

	mux.Handle("/api/reconciliation/summary", org(http.HandlerFunc(deps.ReconciliationHandler.HandleSummary)))
	mux.Handle("/api/reconciliation/run", org(http.HandlerFunc(deps.ReconciliationHandler.HandleRun)))
	mux.Handle("/api/reconciliation/matches/pending", org(http.HandlerFunc(deps.ReconciliationHandler.HandlePendingMatches)))
	mux.Handle("/api/reconciliation/matches/{id}/{action}", org(http.HandlerFunc(deps.ReconciliationHandler.HandleMatchReview)))
	mux.Handle("/api/reconciliation/discrepancies", org(http.HandlerFunc(deps.ReconciliationHandler.HandleDiscrepancies)))
	mux.Handle("/api/reconciliation/discrepancies/export", org(http.HandlerFunc(deps.ReconciliationHandler.HandleExport)))
	mux.Handle("/api/reconciliation/discrepancies/{id}/resolve", org(http.HandlerFunc(deps.ReconciliationHandler.HandleResolve)))

	mux.Handle("/api/notifications", org(http.HandlerFunc(deps.NotificationHandler.HandleNotifications)))
	mux.Handle("/api/notifications/preferences", org(http.HandlerFunc(deps.NotificationHandler.HandlePreferences)))
	mux.Handle("/api/notifications/devices", org(http.HandlerFunc(deps.NotificationHandler.HandleDevices)))

	// Apply global middleware
	handler := middleware.Logging(logger)(middleware.CORS(cfg.Server.AllowedHosts)(mux))
	handler = middleware.SecurityHeaders(cfg.Server.HSTS)(handler)

	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	return handler
}
