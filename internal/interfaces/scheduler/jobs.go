package scheduler

import (
	"context"
	"fmt"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/domain/reconciliation"
)

// SyncTrigger runs a manual sync for one connection.
type SyncTrigger interface {
	TriggerManualSync(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*datasync.Job, error)
}

// WebhookHandler records and processes an inbound provider webhook.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, source connection.Source, eventType string, payload []byte) (*datasync.WebhookEvent, error)
}

// Reconciler runs a reconciliation pass for an organization.
type Reconciler interface {
	RunReconciliation(ctx context.Context, organizationID string, window *ledger.DateRange) (*reconciliation.RunResult, error)
}

// ManualSyncJob syncs one connection outside its schedule. It is what the
// sync_requested listener enqueues.
type ManualSyncJob struct {
	syncer         SyncTrigger
	organizationID string
	source         connection.Source
	connectionID   string
}

func NewManualSyncJob(syncer SyncTrigger, organizationID string, source connection.Source, connectionID string) *ManualSyncJob {
	return &ManualSyncJob{
		syncer:         syncer,
		organizationID: organizationID,
		source:         source,
		connectionID:   connectionID,
	}
}

func (j *ManualSyncJob) Execute(ctx context.Context) error {
	job, err := j.syncer.TriggerManualSync(ctx, j.organizationID, j.source, j.connectionID)
	if err != nil {
		return err
	}
	if job.Status != datasync.JobCompleted {
		msg := "unknown error"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return fmt.Errorf("sync job %s %s: %s", job.ID, job.Status, msg)
	}
	return nil
}

func (j *ManualSyncJob) OrganizationID() string {
	return j.organizationID
}

func (j *ManualSyncJob) Description() string {
	return fmt.Sprintf("manual sync %s/%s", j.source, j.connectionID)
}

// WebhookJob processes a provider webhook after the HTTP handler has
// acknowledged it.
type WebhookJob struct {
	handler   WebhookHandler
	source    connection.Source
	eventType string
	payload   []byte
}

func NewWebhookJob(handler WebhookHandler, source connection.Source, eventType string, payload []byte) *WebhookJob {
	return &WebhookJob{
		handler:   handler,
		source:    source,
		eventType: eventType,
		payload:   payload,
	}
}

func (j *WebhookJob) Execute(ctx context.Context) error {
	_, err := j.handler.HandleWebhook(ctx, j.source, j.eventType, j.payload)
	return err
}

// OrganizationID is unknown until the payload is correlated.
func (j *WebhookJob) OrganizationID() string {
	return ""
}

func (j *WebhookJob) Description() string {
	return fmt.Sprintf("%s webhook %s", j.source, j.eventType)
}

// ReconcileJob runs reconciliation for an organization in the background.
type ReconcileJob struct {
	reconciler     Reconciler
	organizationID string
	window         *ledger.DateRange
}

func NewReconcileJob(reconciler Reconciler, organizationID string, window *ledger.DateRange) *ReconcileJob {
	return &ReconcileJob{
		reconciler:     reconciler,
		organizationID: organizationID,
		window:         window,
	}
}

func (j *ReconcileJob) Execute(ctx context.Context) error {
	_, err := j.reconciler.RunReconciliation(ctx, j.organizationID, j.window)
	return err
}

func (j *ReconcileJob) OrganizationID() string {
	return j.organizationID
}

func (j *ReconcileJob) Description() string {
	return "reconciliation"
}
