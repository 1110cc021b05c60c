package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/shared/messages"
)

// MockNotificationRepo implements Repository for testing
type MockNotificationRepo struct {
	GetPreferencesFunc     func(ctx context.Context, organizationID string) (*Preferences, error)
	UpsertPreferencesFunc  func(ctx context.Context, organizationID string, params UpdatePreferenceParams) (*Preferences, error)
	CreateAlertFunc        func(ctx context.Context, params CreateAlertParams) (*Alert, error)
	ListByOrganizationFunc func(ctx context.Context, organizationID string, page, perPage int) ([]*Alert, int, error)

	created []CreateAlertParams
}

func (m *MockNotificationRepo) GetPreferences(ctx context.Context, organizationID string) (*Preferences, error) {
	if m.GetPreferencesFunc != nil {
		return m.GetPreferencesFunc(ctx, organizationID)
	}
	return nil, nil
}
func (m *MockNotificationRepo) UpsertPreferences(ctx context.Context, organizationID string, params UpdatePreferenceParams) (*Preferences, error) {
	if m.UpsertPreferencesFunc != nil {
		return m.UpsertPreferencesFunc(ctx, organizationID, params)
	}
	return nil, nil
}
func (m *MockNotificationRepo) CreateAlert(ctx context.Context, params CreateAlertParams) (*Alert, error) {
	m.created = append(m.created, params)
	if m.CreateAlertFunc != nil {
		return m.CreateAlertFunc(ctx, params)
	}
	return &Alert{ID: "a1", OrganizationID: params.OrganizationID}, nil
}
func (m *MockNotificationRepo) ListByOrganization(ctx context.Context, organizationID string, page, perPage int) ([]*Alert, int, error) {
	if m.ListByOrganizationFunc != nil {
		return m.ListByOrganizationFunc(ctx, organizationID, page, perPage)
	}
	return nil, 0, nil
}

// MockMessenger implements Messenger for testing
type MockMessenger struct {
	SendToTopicFunc      func(ctx context.Context, topic, title, body string, data map[string]string) error
	SubscribeToTopicFunc func(ctx context.Context, tokens []string, topic string) error

	topics []string
}

func (m *MockMessenger) SubscribeToTopic(ctx context.Context, tokens []string, topic string) error {
	if m.SubscribeToTopicFunc != nil {
		return m.SubscribeToTopicFunc(ctx, tokens, topic)
	}
	return nil
}

func (m *MockMessenger) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	m.topics = append(m.topics, topic)
	if m.SendToTopicFunc != nil {
		return m.SendToTopicFunc(ctx, topic, title, body, data)
	}
	return nil
}

func TestService_ConnectionExpired(t *testing.T) {
	repo := &MockNotificationRepo{}
	messenger := &MockMessenger{}
	svc := NewService(repo, messenger, nil)

	conn := &connection.Connection{ID: "c1", OrganizationID: "org-1", Source: connection.SourceXero}
	if err := svc.ConnectionExpired(context.Background(), conn); err != nil {
		t.Fatalf("ConnectionExpired() error = %v", err)
	}

	if len(messenger.topics) != 1 || messenger.topics[0] != "org-org-1" {
		t.Errorf("topics = %v, want [org-org-1]", messenger.topics)
	}
	if len(repo.created) != 1 {
		t.Fatalf("alerts recorded = %d, want 1", len(repo.created))
	}
	got := repo.created[0]
	if got.Category != CategoryConnections || !got.Delivered {
		t.Errorf("alert = %+v, want delivered connections alert", got)
	}
	if got.Data["connection_id"] != "c1" || got.Data["route"] != CategoryConnections {
		t.Errorf("data = %v", got.Data)
	}
	if !strings.Contains(got.Message, "Xero") {
		t.Errorf("message = %q, want source label", got.Message)
	}
}

func TestService_CircuitOpened(t *testing.T) {
	repo := &MockNotificationRepo{}
	svc := NewService(repo, &MockMessenger{}, nil)

	lastErr := "provider unavailable"
	schedule := &datasync.Schedule{
		ID:                  "s1",
		OrganizationID:      "org-1",
		Source:              connection.SourcePlaid,
		ConnectionID:        "c1",
		ConsecutiveFailures: 5,
		LastError:           &lastErr,
	}
	if err := svc.CircuitOpened(context.Background(), schedule); err != nil {
		t.Fatalf("CircuitOpened() error = %v", err)
	}

	got := repo.created[0]
	if got.Category != CategorySchedules || got.Data["last_error"] != lastErr || got.Data["schedule_id"] != "s1" {
		t.Errorf("alert = %+v", got)
	}
	if !strings.Contains(got.Message, "5 times") {
		t.Errorf("message = %q, want failure count", got.Message)
	}
}

func TestService_CriticalDiscrepancies(t *testing.T) {
	tests := []struct {
		name        string
		input       []*reconciliation.Discrepancy
		wantAlerts  int
		wantMessage string
	}{
		{
			name:       "none",
			input:      nil,
			wantAlerts: 0,
		},
		{
			name:        "single uses description",
			input:       []*reconciliation.Discrepancy{{ID: "d1", Description: "Transaction has no invoice"}},
			wantAlerts:  1,
			wantMessage: "Transaction has no invoice",
		},
		{
			name:        "several are summarized",
			input:       []*reconciliation.Discrepancy{{ID: "d1"}, {ID: "d2"}, {ID: "d3"}},
			wantAlerts:  1,
			wantMessage: "3 critical discrepancies need review.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &MockNotificationRepo{}
			svc := NewService(repo, &MockMessenger{}, nil)

			if err := svc.CriticalDiscrepancies(context.Background(), "org-1", tt.input); err != nil {
				t.Fatalf("CriticalDiscrepancies() error = %v", err)
			}
			if len(repo.created) != tt.wantAlerts {
				t.Fatalf("alerts = %d, want %d", len(repo.created), tt.wantAlerts)
			}
			if tt.wantAlerts == 0 {
				return
			}
			if repo.created[0].Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", repo.created[0].Message, tt.wantMessage)
			}
			if repo.created[0].Category != CategoryReconciliation {
				t.Errorf("category = %q", repo.created[0].Category)
			}
		})
	}
}

func TestService_Notify(t *testing.T) {
	disabled := &Preferences{OrganizationID: "org-1", ConnectionsEnabled: false, SchedulesEnabled: true, ReconciliationEnabled: true}

	tests := []struct {
		name          string
		prefs         *Preferences
		messenger     *MockMessenger
		nilMessenger  bool
		category      string
		wantErr       error
		wantRecorded  bool
		wantDelivered bool
	}{
		{
			name:          "defaults when no preferences stored",
			messenger:     &MockMessenger{},
			category:      CategoryConnections,
			wantRecorded:  true,
			wantDelivered: true,
		},
		{
			name:      "category disabled",
			prefs:     disabled,
			messenger: &MockMessenger{},
			category:  CategoryConnections,
		},
		{
			name: "delivery failure is recorded",
			messenger: &MockMessenger{SendToTopicFunc: func(ctx context.Context, topic, title, body string, data map[string]string) error {
				return errors.New("fcm unavailable")
			}},
			category:     CategorySchedules,
			wantRecorded: true,
		},
		{
			name:         "no messenger configured",
			nilMessenger: true,
			category:     CategoryReconciliation,
			wantRecorded: true,
		},
		{
			name:      "invalid category",
			messenger: &MockMessenger{},
			category:  "marketing",
			wantErr:   ErrInvalidCategory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &MockNotificationRepo{
				GetPreferencesFunc: func(ctx context.Context, organizationID string) (*Preferences, error) {
					return tt.prefs, nil
				},
			}
			var messenger Messenger = tt.messenger
			if tt.nilMessenger {
				messenger = nil
			}
			svc := NewService(repo, messenger, nil)

			err := svc.Notify(context.Background(), "org-1", tt.category, "title", "body", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Notify() error = %v, want %v", err, tt.wantErr)
			}
			if (len(repo.created) == 1) != tt.wantRecorded {
				t.Fatalf("recorded = %d, want recorded %v", len(repo.created), tt.wantRecorded)
			}
			if tt.wantRecorded && repo.created[0].Delivered != tt.wantDelivered {
				t.Errorf("Delivered = %v, want %v", repo.created[0].Delivered, tt.wantDelivered)
			}
		})
	}
}

func TestService_NotifyRecordError(t *testing.T) {
	repo := &MockNotificationRepo{
		CreateAlertFunc: func(ctx context.Context, params CreateAlertParams) (*Alert, error) {
			return nil, errors.New("db down")
		},
	}
	svc := NewService(repo, nil, nil)

	if err := svc.Notify(context.Background(), "org-1", CategorySchedules, "t", "b", nil); err == nil {
		t.Error("Notify() error = nil, want record failure")
	}
}

func TestService_ListAlerts_Pagination(t *testing.T) {
	tests := []struct {
		name        string
		page        int
		perPage     int
		wantPage    int
		wantPerPage int
	}{
		{"defaults", 0, 0, 1, 20},
		{"too large", 2, 500, 2, 20},
		{"valid", 3, 50, 3, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPage, gotPerPage int
			repo := &MockNotificationRepo{
				ListByOrganizationFunc: func(ctx context.Context, organizationID string, page, perPage int) ([]*Alert, int, error) {
					gotPage, gotPerPage = page, perPage
					return nil, 0, nil
				},
			}
			svc := NewService(repo, nil, nil)
			if _, _, err := svc.ListAlerts(context.Background(), "org-1", tt.page, tt.perPage); err != nil {
				t.Fatal(err)
			}
			if gotPage != tt.wantPage || gotPerPage != tt.wantPerPage {
				t.Errorf("page/perPage = %d/%d, want %d/%d", gotPage, gotPerPage, tt.wantPage, tt.wantPerPage)
			}
		})
	}

	svc := NewService(&MockNotificationRepo{}, nil, nil)
	if _, _, err := svc.ListAlerts(context.Background(), "", 1, 20); !errors.Is(err, ErrOrganizationRequired) {
		t.Errorf("ListAlerts() error = %v, want %v", err, ErrOrganizationRequired)
	}
}

func TestCreateAlertParams_Validate(t *testing.T) {
	valid := CreateAlertParams{OrganizationID: "org-1", Title: "t", Message: "m", Category: CategorySchedules}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := valid
	bad.Category = "other"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("Validate() error = %v, want %v", err, ErrInvalidCategory)
	}

	bad = valid
	bad.OrganizationID = ""
	if err := bad.Validate(); !errors.Is(err, ErrOrganizationRequired) {
		t.Errorf("Validate() error = %v, want %v", err, ErrOrganizationRequired)
	}
}

func TestService_RegisterDevices(t *testing.T) {
	var gotTopic string
	messenger := &MockMessenger{SubscribeToTopicFunc: func(ctx context.Context, tokens []string, topic string) error {
		gotTopic = topic
		return nil
	}}

	tests := []struct {
		name      string
		messenger Messenger
		org       string
		tokens    []string
		wantErr   error
	}{
		{"subscribes", messenger, "org-1", []string{"tok"}, nil},
		{"missing organization", messenger, "", []string{"tok"}, ErrOrganizationRequired},
		{"no tokens", messenger, "org-1", nil, ErrTokensRequired},
		{"messaging disabled", nil, "org-1", []string{"tok"}, ErrMessagingDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&MockNotificationRepo{}, tt.messenger, nil)
			if err := svc.RegisterDevices(context.Background(), tt.org, tt.tokens); !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterDevices() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if gotTopic != "org-org-1" {
		t.Errorf("topic = %q, want org-org-1", gotTopic)
	}
}

func TestService_WithMessages(t *testing.T) {
	repo := &MockNotificationRepo{}
	text := messages.Default()
	text.ConnectionExpired = messages.MessageText{Title: "Reconecte", Body: "Conexão %s expirou."}
	svc := NewService(repo, nil, nil).WithMessages(text)

	conn := &connection.Connection{ID: "c1", OrganizationID: "org-1", Source: connection.SourceStripe}
	if err := svc.ConnectionExpired(context.Background(), conn); err != nil {
		t.Fatalf("ConnectionExpired() error = %v", err)
	}

	got := repo.created[0]
	if got.Title != "Reconecte" || got.Message != "Conexão Stripe expirou." {
		t.Errorf("alert = %q / %q", got.Title, got.Message)
	}
	if got.Delivered {
		t.Error("alert without messenger must not be marked delivered")
	}
}
