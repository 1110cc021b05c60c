package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
)

// SyncService is the part of datasync.Service the sync endpoints use.
type SyncService interface {
	GetSyncStatus(ctx context.Context, organizationID string) ([]datasync.ConnectionStatus, error)
	GetDataFreshness(ctx context.Context, organizationID string) (*datasync.Freshness, error)
	GetRecentJobs(ctx context.Context, organizationID string, limit int) ([]*datasync.Job, error)
	CreateScheduleForConnection(ctx context.Context, organizationID string, source connection.Source, connectionID string, intervalMinutes *int) (*datasync.Schedule, error)
	PauseSchedule(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error)
	ResumeSchedule(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error)
	UpdateScheduleInterval(ctx context.Context, organizationID, scheduleID string, minutes int) (*datasync.Schedule, error)
	TriggerManualSync(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*datasync.Job, error)
}

type SyncHandler struct {
	syncService SyncService
	logger      logrus.FieldLogger
}

func NewSyncHandler(syncService SyncService, logger logrus.FieldLogger) *SyncHandler {
	return &SyncHandler{syncService: syncService, logger: logger}
}

// --- Request/Response types ---

type CreateScheduleRequest struct {
	Source          string `json:"source" validate:"required,oneof=plaid quickbooks xero stripe"`
	ConnectionID    string `json:"connectionId" validate:"required"`
	IntervalMinutes *int   `json:"intervalMinutes" validate:"omitempty,min=1"`
}

type UpdateIntervalRequest struct {
	IntervalMinutes int `json:"intervalMinutes" validate:"required,min=1"`
}

type TriggerSyncRequest struct {
	Source       string `json:"source" validate:"required,oneof=plaid quickbooks xero stripe"`
	ConnectionID string `json:"connectionId" validate:"required"`
}

type SyncStatusResponse struct {
	Connections []datasync.ConnectionStatus `json:"connections"`
}

type JobListResponse struct {
	Jobs []*datasync.Job `json:"jobs"`
}

// --- Handlers ---

// HandleStatus handles GET /api/sync/status
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	statuses, err := h.syncService.GetSyncStatus(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to load sync status")
		return
	}
	if statuses == nil {
		statuses = []datasync.ConnectionStatus{}
	}
	writeJSON(w, http.StatusOK, SyncStatusResponse{Connections: statuses})
}

// HandleFreshness handles GET /api/sync/freshness
func (h *SyncHandler) HandleFreshness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	fresh, err := h.syncService.GetDataFreshness(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to load data freshness")
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

// HandleJobs handles GET /api/sync/jobs?limit=
func (h *SyncHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.syncService.GetRecentJobs(r.Context(), orgID, limit)
	if err != nil {
		h.fail(w, r, err, "Failed to list sync jobs")
		return
	}
	if jobs == nil {
		jobs = []*datasync.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

// HandleCreateSchedule handles POST /api/sync/schedules
func (h *SyncHandler) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req CreateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	schedule, err := h.syncService.CreateScheduleForConnection(r.Context(), orgID, connection.Source(req.Source), req.ConnectionID, req.IntervalMinutes)
	if err != nil {
		h.fail(w, r, err, "Failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

// HandleScheduleAction handles POST /api/sync/schedules/{id}/{action}
// where action is pause or resume.
func (h *SyncHandler) HandleScheduleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	scheduleID := r.PathValue("id")
	if scheduleID == "" {
		writeError(w, http.StatusBadRequest, "Schedule ID is required")
		return
	}

	var (
		schedule *datasync.Schedule
		err      error
	)
	switch r.PathValue("action") {
	case "pause":
		schedule, err = h.syncService.PauseSchedule(r.Context(), orgID, scheduleID)
	case "resume":
		schedule, err = h.syncService.ResumeSchedule(r.Context(), orgID, scheduleID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.fail(w, r, err, "Failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// HandleScheduleInterval handles PATCH /api/sync/schedules/{id}/interval
func (h *SyncHandler) HandleScheduleInterval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req UpdateIntervalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	schedule, err := h.syncService.UpdateScheduleInterval(r.Context(), orgID, r.PathValue("id"), req.IntervalMinutes)
	if err != nil {
		h.fail(w, r, err, "Failed to update schedule interval")
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

// HandleTrigger handles POST /api/sync/trigger. The sync runs on the request
// path and the terminal job is returned whether it succeeded or failed.
func (h *SyncHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req TriggerSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.syncService.TriggerManualSync(r.Context(), orgID, connection.Source(req.Source), req.ConnectionID)
	if err != nil {
		h.fail(w, r, err, "Failed to trigger sync")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *SyncHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, datasync.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "Schedule not found")
	case errors.Is(err, connection.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, connection.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, "Unknown source")
	case errors.Is(err, datasync.ErrOrganizationEmpty):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logFailure(h.logger, r, err, msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}
