package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/infrastructure/export"
	"ledgerlink/internal/interfaces/scheduler"
	"ledgerlink/internal/shared/middleware"
)

// ReconciliationService is the part of reconciliation.Service the
// reconciliation endpoints use.
type ReconciliationService interface {
	RunReconciliation(ctx context.Context, organizationID string, window *ledger.DateRange) (*reconciliation.RunResult, error)
	GetReconciliationSummary(ctx context.Context, organizationID string) (*reconciliation.Summary, error)
	GetPendingMatches(ctx context.Context, organizationID string) ([]*reconciliation.Match, error)
	GetOpenDiscrepancies(ctx context.Context, organizationID string) ([]*reconciliation.Discrepancy, error)
	ConfirmMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error)
	RejectMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error)
	ResolveDiscrepancy(ctx context.Context, organizationID, discrepancyID string, resolution reconciliation.Resolution, actor string, notes *string) (*reconciliation.Discrepancy, error)
}

// JobQueue accepts background work.
type JobQueue interface {
	Enqueue(job scheduler.Job) error
}

type ReconciliationHandler struct {
	service ReconciliationService
	queue   JobQueue
	logger  logrus.FieldLogger
}

func NewReconciliationHandler(service ReconciliationService, queue JobQueue, logger logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{service: service, queue: queue, logger: logger}
}

// --- Request/Response types ---

type RunReconciliationRequest struct {
	From  *time.Time `json:"from" validate:"required_with=To"`
	To    *time.Time `json:"to" validate:"required_with=From"`
	Async bool       `json:"async"`
}

type ReviewMatchRequest struct {
	Notes *string `json:"notes" validate:"omitempty,max=2000"`
}

type ResolveDiscrepancyRequest struct {
	Resolution string  `json:"resolution" validate:"required,oneof=resolved ignored"`
	Notes      *string `json:"notes" validate:"omitempty,max=2000"`
}

type MatchListResponse struct {
	Matches []*reconciliation.Match `json:"matches"`
}

type DiscrepancyListResponse struct {
	Discrepancies []*reconciliation.Discrepancy `json:"discrepancies"`
}

type QueuedResponse struct {
	Status string `json:"status"`
}

// --- Handlers ---

// HandleSummary handles GET /api/reconciliation/summary
func (h *ReconciliationHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	summary, err := h.service.GetReconciliationSummary(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to load reconciliation summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandlePendingMatches handles GET /api/reconciliation/matches/pending
func (h *ReconciliationHandler) HandlePendingMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	matches, err := h.service.GetPendingMatches(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to list pending matches")
		return
	}
	if matches == nil {
		matches = []*reconciliation.Match{}
	}
	writeJSON(w, http.StatusOK, MatchListResponse{Matches: matches})
}

// HandleDiscrepancies handles GET /api/reconciliation/discrepancies
func (h *ReconciliationHandler) HandleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	discrepancies, err := h.service.GetOpenDiscrepancies(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to list discrepancies")
		return
	}
	if discrepancies == nil {
		discrepancies = []*reconciliation.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, DiscrepancyListResponse{Discrepancies: discrepancies})
}

// HandleExport handles GET /api/reconciliation/discrepancies/export and
// streams open discrepancies and pending matches as a workbook.
func (h *ReconciliationHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	discrepancies, err := h.service.GetOpenDiscrepancies(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to list discrepancies")
		return
	}
	pending, err := h.service.GetPendingMatches(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err, "Failed to list pending matches")
		return
	}

	filename := fmt.Sprintf("reconciliation-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.DiscrepancyWorkbook(w, discrepancies, pending); err != nil {
		// Headers are already sent; the client sees a truncated file.
		logFailure(h.logger, r, err, "Failed to write discrepancy workbook")
	}
}

// HandleRun handles POST /api/reconciliation/run. With async set the run is
// queued and 202 is returned immediately.
func (h *ReconciliationHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req RunReconciliationRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	var window *ledger.DateRange
	if req.From != nil && req.To != nil {
		if req.To.Before(*req.From) {
			writeError(w, http.StatusBadRequest, "to must not be before from")
			return
		}
		window = &ledger.DateRange{From: *req.From, To: *req.To}
	}

	if req.Async {
		if err := h.queue.Enqueue(scheduler.NewReconcileJob(h.service, orgID, window)); err != nil {
			if errors.Is(err, scheduler.ErrQueueFull) {
				writeError(w, http.StatusServiceUnavailable, "Reconciliation queue is full")
				return
			}
			h.fail(w, r, err, "Failed to queue reconciliation")
			return
		}
		writeJSON(w, http.StatusAccepted, QueuedResponse{Status: "queued"})
		return
	}

	result, err := h.service.RunReconciliation(r.Context(), orgID, window)
	if err != nil {
		h.fail(w, r, err, "Failed to run reconciliation")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleMatchReview handles POST /api/reconciliation/matches/{id}/{action}
// where action is confirm or reject.
func (h *ReconciliationHandler) HandleMatchReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	matchID := r.PathValue("id")
	if matchID == "" {
		writeError(w, http.StatusBadRequest, "Match ID is required")
		return
	}

	var req ReviewMatchRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	actor := middleware.ActorID(r.Context())
	var (
		match *reconciliation.Match
		err   error
	)
	switch r.PathValue("action") {
	case "confirm":
		match, err = h.service.ConfirmMatch(r.Context(), orgID, matchID, actor, req.Notes)
	case "reject":
		match, err = h.service.RejectMatch(r.Context(), orgID, matchID, actor, req.Notes)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.fail(w, r, err, "Failed to review match")
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// HandleResolve handles POST /api/reconciliation/discrepancies/{id}/resolve
func (h *ReconciliationHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	discrepancyID := r.PathValue("id")
	if discrepancyID == "" {
		writeError(w, http.StatusBadRequest, "Discrepancy ID is required")
		return
	}

	var req ResolveDiscrepancyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.service.ResolveDiscrepancy(r.Context(), orgID, discrepancyID,
		reconciliation.Resolution(req.Resolution), middleware.ActorID(r.Context()), req.Notes)
	if err != nil {
		h.fail(w, r, err, "Failed to resolve discrepancy")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *ReconciliationHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, reconciliation.ErrMatchNotFound):
		writeError(w, http.StatusNotFound, "Match not found")
	case errors.Is(err, reconciliation.ErrDiscrepancyNotFound):
		writeError(w, http.StatusNotFound, "Discrepancy not found")
	case errors.Is(err, reconciliation.ErrInvalidTransition),
		errors.Is(err, reconciliation.ErrActiveMatchExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reconciliation.ErrInvalidResolution),
		errors.Is(err, reconciliation.ErrActorRequired),
		errors.Is(err, reconciliation.ErrOrganizationRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logFailure(h.logger, r, err, msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}
