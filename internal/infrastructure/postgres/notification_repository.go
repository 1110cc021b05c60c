package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/notification"
)

type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// GetPreferences returns nil when the organization never saved preferences.
func (r *NotificationRepository) GetPreferences(ctx context.Context, organizationID string) (*notification.Preferences, error) {
	query := `
		SELECT organization_id, connections_enabled, schedules_enabled, reconciliation_enabled, updated_at
		FROM notification_preferences
		WHERE organization_id = $1
	`

	var pref notification.Preferences
	err := r.db.QueryRowContext(ctx, query, organizationID).Scan(
		&pref.OrganizationID, &pref.ConnectionsEnabled, &pref.SchedulesEnabled,
		&pref.ReconciliationEnabled, &pref.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification preferences: %w", err)
	}

	return &pref, nil
}

func (r *NotificationRepository) UpsertPreferences(ctx context.Context, organizationID string, params notification.UpdatePreferenceParams) (*notification.Preferences, error) {
	var connections any
	var schedules any
	var reconciliation any

	if params.ConnectionsEnabled != nil {
		connections = *params.ConnectionsEnabled
	}
	if params.SchedulesEnabled != nil {
		schedules = *params.SchedulesEnabled
	}
	if params.ReconciliationEnabled != nil {
		reconciliation = *params.ReconciliationEnabled
	}

	query := `
		INSERT INTO notification_preferences (organization_id, connections_enabled, schedules_enabled, reconciliation_enabled)
		VALUES (
			$1,
			COALESCE($2::boolean, true),
			COALESCE($3::boolean, true),
			COALESCE($4::boolean, true)
		)
		ON CONFLICT (organization_id) DO UPDATE
			SET connections_enabled = COALESCE($2::boolean, notification_preferences.connections_enabled),
			    schedules_enabled = COALESCE($3::boolean, notification_preferences.schedules_enabled),
			    reconciliation_enabled = COALESCE($4::boolean, notification_preferences.reconciliation_enabled),
			    updated_at = NOW()
		RETURNING organization_id, connections_enabled, schedules_enabled, reconciliation_enabled, updated_at
	`

	var pref notification.Preferences
	err := r.db.QueryRowContext(ctx, query, organizationID, connections, schedules, reconciliation).Scan(
		&pref.OrganizationID, &pref.ConnectionsEnabled, &pref.SchedulesEnabled,
		&pref.ReconciliationEnabled, &pref.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert notification preferences: %w", err)
	}

	return &pref, nil
}

func (r *NotificationRepository) CreateAlert(ctx context.Context, params notification.CreateAlertParams) (*notification.Alert, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(params.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert data: %w", err)
	}

	query := `
		INSERT INTO alerts (id, organization_id, title, message, category, data, delivered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, organization_id, title, message, category, data, delivered, created_at
	`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.OrganizationID, params.Title, params.Message, params.Category, dataJSON, params.Delivered,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return a, nil
}

func (r *NotificationRepository) ListByOrganization(ctx context.Context, organizationID string, page, perPage int) ([]*notification.Alert, int, error) {
	// Get total count
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE organization_id = $1`,
		organizationID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	offset := (page - 1) * perPage
	query := `
		SELECT id, organization_id, title, message, category, data, delivered, created_at
		FROM alerts
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, organizationID, perPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*notification.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, total, nil
}

func scanAlert(row scanner) (*notification.Alert, error) {
	var a notification.Alert
	var dataBytes []byte

	if err := row.Scan(&a.ID, &a.OrganizationID, &a.Title, &a.Message, &a.Category, &dataBytes, &a.Delivered, &a.CreatedAt); err != nil {
		return nil, err
	}

	if len(dataBytes) > 0 {
		if err := json.Unmarshal(dataBytes, &a.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert data: %w", err)
		}
	}
	return &a, nil
}
