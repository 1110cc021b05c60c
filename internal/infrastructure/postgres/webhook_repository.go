package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/datasync"
)

type WebhookRepository struct {
	db *DB
}

func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `id, source, event_type, raw_payload, connection_id, organization_id,
	processed, sync_job_id, error, received_at, processed_at`

func (r *WebhookRepository) Create(ctx context.Context, params datasync.CreateWebhookEventParams) (*datasync.WebhookEvent, error) {
	query := `
		INSERT INTO webhook_events (id, source, event_type, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + webhookColumns

	ev, err := scanWebhook(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.Source, params.EventType, params.RawPayload, params.ReceivedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return ev, nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string, params datasync.ProcessWebhookEventParams) (*datasync.WebhookEvent, error) {
	query := `
		UPDATE webhook_events
		SET processed = TRUE,
		    connection_id = $2,
		    organization_id = $3,
		    sync_job_id = $4,
		    error = $5,
		    processed_at = $6
		WHERE id = $1
		RETURNING ` + webhookColumns

	ev, err := scanWebhook(r.db.QueryRowContext(ctx, query,
		id, params.ConnectionID, params.OrganizationID, params.SyncJobID, params.Error, params.ProcessedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return ev, nil
}

func scanWebhook(row scanner) (*datasync.WebhookEvent, error) {
	var ev datasync.WebhookEvent
	var connectionID, organizationID, syncJobID, errMsg sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&ev.ID, &ev.Source, &ev.EventType, &ev.RawPayload, &connectionID, &organizationID,
		&ev.Processed, &syncJobID, &errMsg, &ev.ReceivedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.ConnectionID = nullString(connectionID)
	ev.OrganizationID = nullString(organizationID)
	ev.SyncJobID = nullString(syncJobID)
	ev.Error = nullString(errMsg)
	ev.ProcessedAt = nullTime(processedAt)
	return &ev, nil
}
