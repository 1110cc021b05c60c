package listener

import (
	"errors"
	"testing"

	"ledgerlink/internal/domain/connection"
)

type MockDispatcher struct {
	RequestSyncFunc func(organizationID string, source connection.Source, connectionID string) error
}

func (m *MockDispatcher) RequestSync(organizationID string, source connection.Source, connectionID string) error {
	if m.RequestSyncFunc != nil {
		return m.RequestSyncFunc(organizationID, source, connectionID)
	}
	return nil
}

func TestParseSyncRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    SyncRequest
		wantErr bool
	}{
		{
			name:    "valid",
			payload: `{"organization_id":"org-1","source":"quickbooks","connection_id":"c1"}`,
			want:    SyncRequest{OrganizationID: "org-1", Source: connection.SourceQuickBooks, ConnectionID: "c1"},
		},
		{name: "not json", payload: `sync please`, wantErr: true},
		{name: "missing connection", payload: `{"organization_id":"org-1","source":"plaid"}`, wantErr: true},
		{name: "missing organization", payload: `{"source":"plaid","connection_id":"c1"}`, wantErr: true},
		{name: "unknown source", payload: `{"organization_id":"org-1","source":"ftp","connection_id":"c1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSyncRequest(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("ParseSyncRequest() error = %v, want %v", err, ErrInvalidRequest)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSyncRequest() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseSyncRequest() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestSyncListener_Handle(t *testing.T) {
	var calls int
	dispatcher := &MockDispatcher{
		RequestSyncFunc: func(organizationID string, source connection.Source, connectionID string) error {
			calls++
			if organizationID != "org-1" || source != connection.SourceStripe || connectionID != "c1" {
				t.Errorf("RequestSync(%s, %s, %s)", organizationID, source, connectionID)
			}
			return errors.New("queue full")
		},
	}
	l := NewSyncListener("", dispatcher, nil)

	l.handle(`{"organization_id":"org-1","source":"stripe","connection_id":"c1"}`)
	l.handle(`{broken`)

	if calls != 1 {
		t.Errorf("RequestSync calls = %d, want 1", calls)
	}
}
