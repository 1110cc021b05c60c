package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ledgerlink/internal/domain/notification"
	"ledgerlink/internal/shared/logging"
)

func TestHandleNotifications_Pagination(t *testing.T) {
	tests := []struct {
		name            string
		query           string
		total           int
		expectedPage    int
		expectedPerPage int
		expectedPages   int
	}{
		{"defaults", "", 45, 1, 20, 3},
		{"explicit", "?page=2&perPage=10", 45, 2, 10, 5},
		{"oversized page falls back", "?perPage=1000", 5, 1, 20, 1},
		{"empty", "", 0, 1, 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockNotificationService{
				ListAlertsFunc: func(ctx context.Context, organizationID string, page, perPage int) ([]*notification.Alert, int, error) {
					if page != tt.expectedPage || perPage != tt.expectedPerPage {
						t.Errorf("ListAlerts(%d, %d), want (%d, %d)", page, perPage, tt.expectedPage, tt.expectedPerPage)
					}
					if tt.total == 0 {
						return nil, 0, nil
					}
					return []*notification.Alert{{
						ID:        "a1",
						Title:     "Sync paused",
						Category:  notification.CategorySchedules,
						CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
					}}, tt.total, nil
				},
			}
			handler := NewNotificationHandler(mock, logging.Discard())

			req := withOrg(httptest.NewRequest(http.MethodGet, "/api/notifications"+tt.query, nil), "org-1")
			rr := httptest.NewRecorder()
			handler.HandleNotifications(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rr.Code)
			}
			var resp AlertListResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Pagination.Pages != tt.expectedPages || resp.Pagination.Total != tt.total {
				t.Errorf("pagination = %+v", resp.Pagination)
			}
			if resp.Alerts == nil {
				t.Error("alerts should render as an empty list, not null")
			}
			if tt.total > 0 && (resp.Alerts[0].CreatedAt != "2026-01-02T03:04:05Z" || resp.Alerts[0].Data == nil) {
				t.Errorf("alert = %+v", resp.Alerts[0])
			}
		})
	}
}

func TestHandlePreferences(t *testing.T) {
	var got notification.UpdatePreferenceParams
	mock := &MockNotificationService{
		UpdatePreferencesFunc: func(ctx context.Context, organizationID string, params notification.UpdatePreferenceParams) (*notification.Preferences, error) {
			got = params
			prefs := notification.DefaultPreferences(organizationID)
			prefs.SchedulesEnabled = *params.SchedulesEnabled
			return prefs, nil
		},
	}
	handler := NewNotificationHandler(mock, logging.Discard())

	rr := httptest.NewRecorder()
	handler.HandlePreferences(rr, withOrg(httptest.NewRequest(http.MethodGet, "/api/notifications/preferences", nil), "org-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	body := bytes.NewBufferString(`{"schedulesEnabled":false}`)
	handler.HandlePreferences(rr, withOrg(httptest.NewRequest(http.MethodPut, "/api/notifications/preferences", body), "org-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", rr.Code)
	}
	if got.SchedulesEnabled == nil || *got.SchedulesEnabled || got.ConnectionsEnabled != nil {
		t.Errorf("params = %+v, want only schedulesEnabled=false", got)
	}
	var prefs notification.Preferences
	json.NewDecoder(rr.Body).Decode(&prefs)
	if prefs.SchedulesEnabled || !prefs.ConnectionsEnabled {
		t.Errorf("prefs = %+v", prefs)
	}

	rr = httptest.NewRecorder()
	handler.HandlePreferences(rr, withOrg(httptest.NewRequest(http.MethodDelete, "/api/notifications/preferences", nil), "org-1"))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", rr.Code)
	}
}

func TestHandleDevices(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		serviceErr     error
		expectedStatus int
	}{
		{"Success", `{"tokens":["tok-1","tok-2"]}`, nil, http.StatusNoContent},
		{"Empty list", `{"tokens":[]}`, nil, http.StatusBadRequest},
		{"Blank token", `{"tokens":[""]}`, nil, http.StatusBadRequest},
		{"Messaging disabled", `{"tokens":["tok-1"]}`, notification.ErrMessagingDisabled, http.StatusServiceUnavailable},
		{"Upstream failure", `{"tokens":["tok-1"]}`, errors.New("fcm 500"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockNotificationService{
				RegisterDevicesFunc: func(ctx context.Context, organizationID string, tokens []string) error {
					return tt.serviceErr
				},
			}
			handler := NewNotificationHandler(mock, logging.Discard())

			req := withOrg(httptest.NewRequest(http.MethodPost, "/api/notifications/devices", bytes.NewBufferString(tt.body)), "org-1")
			rr := httptest.NewRecorder()
			handler.HandleDevices(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
		})
	}
}
