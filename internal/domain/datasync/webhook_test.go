package datasync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"ledgerlink/internal/domain/connection"
)

func TestExternalIDs(t *testing.T) {
	tests := []struct {
		name    string
		source  connection.Source
		payload string
		want    []string
		wantErr bool
	}{
		{
			name:    "plaid item",
			source:  connection.SourcePlaid,
			payload: `{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`,
			want:    []string{"item-1"},
		},
		{
			name:    "quickbooks realms deduplicated",
			source:  connection.SourceQuickBooks,
			payload: `{"eventNotifications":[{"realmId":"r1"},{"realmId":"r2"},{"realmId":"r1"}]}`,
			want:    []string{"r1", "r2"},
		},
		{
			name:    "xero tenants",
			source:  connection.SourceXero,
			payload: `{"events":[{"tenantId":"t1"}],"firstEventSequence":1}`,
			want:    []string{"t1"},
		},
		{
			name:    "stripe account",
			source:  connection.SourceStripe,
			payload: `{"type":"invoice.paid","account":"acct_1"}`,
			want:    []string{"acct_1"},
		},
		{
			name:    "stripe platform event without account",
			source:  connection.SourceStripe,
			payload: `{"type":"invoice.paid"}`,
			want:    []string{},
		},
		{
			name:    "malformed json",
			source:  connection.SourcePlaid,
			payload: `{`,
			wantErr: true,
		},
		{
			name:    "unknown source",
			source:  connection.Source("ftp"),
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExternalIDs(tt.source, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExternalIDs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExternalIDs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_Correlated(t *testing.T) {
	h := newHarness(t, activeConn("c1", connection.SourcePlaid))
	h.dueSchedule("c1", connection.SourcePlaid, 60)

	ev, err := h.service.HandleWebhook(context.Background(), connection.SourcePlaid, "SYNC_UPDATES_AVAILABLE",
		[]byte(`{"item_id":"ext-c1"}`))
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if !ev.Processed || ev.Error != nil {
		t.Errorf("event = %+v, want processed without error", ev)
	}
	if ev.ConnectionID == nil || *ev.ConnectionID != "c1" || ev.OrganizationID == nil || *ev.OrganizationID != "org-1" {
		t.Errorf("event correlation = %v/%v, want c1/org-1", ev.ConnectionID, ev.OrganizationID)
	}

	jobs := h.jobs.all()
	if len(jobs) != 1 || jobs[0].Trigger != TriggerWebhook || jobs[0].Status != JobCompleted {
		t.Fatalf("jobs = %+v, want one completed webhook job", jobs)
	}
	if ev.SyncJobID == nil || *ev.SyncJobID != jobs[0].ID {
		t.Errorf("SyncJobID = %v, want %s", ev.SyncJobID, jobs[0].ID)
	}
}

func TestHandleWebhook_MultipleRealms(t *testing.T) {
	c1 := activeConn("c1", connection.SourceQuickBooks)
	c2 := activeConn("c2", connection.SourceQuickBooks)
	h := newHarness(t, c1, c2)
	h.dueSchedule("c1", connection.SourceQuickBooks, 60)
	h.dueSchedule("c2", connection.SourceQuickBooks, 60)

	payload := `{"eventNotifications":[{"realmId":"ext-c1"},{"realmId":"ext-unknown"},{"realmId":"ext-c2"}]}`
	ev, err := h.service.HandleWebhook(context.Background(), connection.SourceQuickBooks, "dataChangeEvent", []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(h.jobs.all()) != 2 {
		t.Errorf("jobs = %d, want one per known realm", len(h.jobs.all()))
	}
	if ev.ConnectionID == nil || *ev.ConnectionID != "c1" {
		t.Errorf("ConnectionID = %v, want first realm c1", ev.ConnectionID)
	}
}

func TestHandleWebhook_Uncorrelated(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		payload string
		wantErr error
	}{
		{
			name:    "unknown item",
			setup:   func(h *harness) {},
			payload: `{"item_id":"nobody"}`,
			wantErr: ErrWebhookUncorrelated,
		},
		{
			name: "paused schedule",
			setup: func(h *harness) {
				s := h.dueSchedule("c1", connection.SourcePlaid, 60)
				h.service.PauseSchedule(context.Background(), "org-1", s.ID)
			},
			payload: `{"item_id":"ext-c1"}`,
			wantErr: ErrWebhookNoSchedule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, activeConn("c1", connection.SourcePlaid))
			tt.setup(h)

			ev, err := h.service.HandleWebhook(context.Background(), connection.SourcePlaid, "SYNC_UPDATES_AVAILABLE", []byte(tt.payload))
			if err != nil {
				t.Fatalf("HandleWebhook() error = %v, want nil", err)
			}
			if !ev.Processed || ev.Error == nil || *ev.Error != tt.wantErr.Error() {
				t.Errorf("event = %+v, want processed with %q", ev, tt.wantErr)
			}
			if len(h.jobs.all()) != 0 {
				t.Error("uncorrelated webhook must not create jobs")
			}
		})
	}
}

func TestHandleWebhook_FailedSyncRecordedOnEvent(t *testing.T) {
	h := newHarness(t, activeConn("c1", connection.SourceStripe))
	h.dueSchedule("c1", connection.SourceStripe, 60)
	h.adapters[connection.SourceStripe].fetchErrs = []error{errors.New("rate limited")}

	ev, err := h.service.HandleWebhook(context.Background(), connection.SourceStripe, "invoice.paid",
		[]byte(`{"type":"invoice.paid","account":"ext-c1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Error == nil || ev.SyncJobID == nil {
		t.Errorf("event = %+v, want job id and error recorded", ev)
	}
	if h.webhooks.rows[ev.ID].RawPayload == "" {
		t.Error("raw payload should be stored")
	}
}
