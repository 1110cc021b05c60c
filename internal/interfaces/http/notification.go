package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/notification"
)

// NotificationService is the part of notification.Service the alert
// endpoints use.
type NotificationService interface {
	GetPreferences(ctx context.Context, organizationID string) (*notification.Preferences, error)
	UpdatePreferences(ctx context.Context, organizationID string, params notification.UpdatePreferenceParams) (*notification.Preferences, error)
	ListAlerts(ctx context.Context, organizationID string, page, perPage int) ([]*notification.Alert, int, error)
	RegisterDevices(ctx context.Context, organizationID string, tokens []string) error
}

type NotificationHandler struct {
	notificationService NotificationService
	logger              logrus.FieldLogger
}

func NewNotificationHandler(notificationService NotificationService, logger logrus.FieldLogger) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService, logger: logger}
}

// --- Request/Response types ---

type RegisterDevicesRequest struct {
	Tokens []string `json:"tokens" validate:"required,min=1,max=500,dive,required"`
}

type UpdatePreferencesRequest struct {
	ConnectionsEnabled    *bool `json:"connectionsEnabled"`
	SchedulesEnabled      *bool `json:"schedulesEnabled"`
	ReconciliationEnabled *bool `json:"reconciliationEnabled"`
}

type AlertResponse struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Delivered bool              `json:"delivered"`
	CreatedAt string            `json:"createdAt"`
	Data      map[string]string `json:"data"`
}

type AlertListResponse struct {
	Alerts     []AlertResponse    `json:"alerts"`
	Pagination PaginationResponse `json:"pagination"`
}

type PaginationResponse struct {
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// --- Handlers ---

// HandleNotifications handles GET /api/notifications
func (h *NotificationHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	alerts, total, err := h.notificationService.ListAlerts(r.Context(), orgID, page, perPage)
	if err != nil {
		logFailure(h.logger, r, err, "Failed to list notifications")
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}

	items := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, toAlertResponse(a))
	}

	pages := 0
	if total > 0 {
		pages = (total + perPage - 1) / perPage
	}

	writeJSON(w, http.StatusOK, AlertListResponse{
		Alerts: items,
		Pagination: PaginationResponse{
			Page:    page,
			PerPage: perPage,
			Total:   total,
			Pages:   pages,
		},
	})
}

// HandlePreferences handles GET/PUT /api/notifications/preferences
func (h *NotificationHandler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		prefs, err := h.notificationService.GetPreferences(r.Context(), orgID)
		if err != nil {
			logFailure(h.logger, r, err, "Failed to get preferences")
			writeError(w, http.StatusInternalServerError, "Failed to get preferences")
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	case http.MethodPut:
		var req UpdatePreferencesRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		prefs, err := h.notificationService.UpdatePreferences(r.Context(), orgID, notification.UpdatePreferenceParams{
			ConnectionsEnabled:    req.ConnectionsEnabled,
			SchedulesEnabled:      req.SchedulesEnabled,
			ReconciliationEnabled: req.ReconciliationEnabled,
		})
		if err != nil {
			logFailure(h.logger, r, err, "Failed to update preferences")
			writeError(w, http.StatusInternalServerError, "Failed to update preferences")
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleDevices handles POST /api/notifications/devices
func (h *NotificationHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orgID, ok := organization(w, r)
	if !ok {
		return
	}

	var req RegisterDevicesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.notificationService.RegisterDevices(r.Context(), orgID, req.Tokens); err != nil {
		switch {
		case errors.Is(err, notification.ErrMessagingDisabled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, notification.ErrTokensRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logFailure(h.logger, r, err, "Failed to register devices")
			writeError(w, http.StatusInternalServerError, "Failed to register devices")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toAlertResponse(a *notification.Alert) AlertResponse {
	data := a.Data
	if data == nil {
		data = map[string]string{}
	}
	return AlertResponse{
		ID:        a.ID,
		Title:     a.Title,
		Message:   a.Message,
		Category:  a.Category,
		Delivered: a.Delivered,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
		Data:      data,
	}
}
