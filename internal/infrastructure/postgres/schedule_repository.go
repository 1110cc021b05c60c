package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
)

type ScheduleRepository struct {
	db *DB
}

func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, organization_id, source, connection_id, interval_minutes, next_scheduled_at,
	last_sync_at, last_success_at, last_error, consecutive_failures, is_enabled, sync_cursor,
	created_at, updated_at`

func (r *ScheduleRepository) Upsert(ctx context.Context, params datasync.UpsertScheduleParams) (*datasync.Schedule, error) {
	var interval any
	if params.IntervalMinutes != nil {
		interval = *params.IntervalMinutes
	}

	query := `
		INSERT INTO sync_schedules (id, organization_id, source, connection_id, interval_minutes, next_scheduled_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::integer, $6::integer), $7)
		ON CONFLICT (source, connection_id) DO UPDATE
			SET is_enabled = TRUE,
			    consecutive_failures = 0,
			    next_scheduled_at = EXCLUDED.next_scheduled_at,
			    interval_minutes = COALESCE($5::integer, sync_schedules.interval_minutes),
			    updated_at = NOW()
		RETURNING ` + scheduleColumns

	s, err := scanSchedule(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.OrganizationID, params.Source, params.ConnectionID,
		interval, params.DefaultIntervalMinutes, params.NextScheduledAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sync schedule: %w", err)
	}
	return s, nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*datasync.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE id = $1`

	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync schedule: %w", err)
	}
	return s, nil
}

func (r *ScheduleRepository) GetByConnection(ctx context.Context, source connection.Source, connectionID string) (*datasync.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE source = $1 AND connection_id = $2`

	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, source, connectionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync schedule by connection: %w", err)
	}
	return s, nil
}

func (r *ScheduleRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*datasync.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM sync_schedules WHERE organization_id = $1 ORDER BY source, connection_id`
	return r.list(ctx, "failed to list sync schedules", query, organizationID)
}

func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, circuitThreshold, limit int) ([]*datasync.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedules
		WHERE is_enabled
		  AND (next_scheduled_at IS NULL OR next_scheduled_at <= $1)
		  AND consecutive_failures < $2
		ORDER BY next_scheduled_at ASC NULLS FIRST
		LIMIT $3`
	return r.list(ctx, "failed to list due sync schedules", query, now, circuitThreshold, limit)
}

func (r *ScheduleRepository) ListCircuitOpen(ctx context.Context, now time.Time, circuitThreshold int) ([]*datasync.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM sync_schedules
		WHERE is_enabled
		  AND (next_scheduled_at IS NULL OR next_scheduled_at <= $1)
		  AND consecutive_failures >= $2
		ORDER BY next_scheduled_at ASC NULLS FIRST`
	return r.list(ctx, "failed to list circuit-open sync schedules", query, now, circuitThreshold)
}

func (r *ScheduleRepository) RecordOutcome(ctx context.Context, id string, outcome datasync.ScheduleOutcome) (*datasync.Schedule, error) {
	query := `
		UPDATE sync_schedules
		SET last_sync_at = $2,
		    next_scheduled_at = $2 + make_interval(mins => interval_minutes),
		    last_success_at = CASE WHEN $3 THEN $2 ELSE last_success_at END,
		    consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures + 1 END,
		    last_error = CASE WHEN $3 THEN NULL ELSE $4 END,
		    sync_cursor = COALESCE($5, sync_cursor),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns

	s, err := scanSchedule(r.db.QueryRowContext(ctx, query,
		id, outcome.CompletedAt, outcome.Success, outcome.Error, outcome.Cursor,
	))
	if err == sql.ErrNoRows {
		return nil, datasync.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record sync outcome: %w", err)
	}
	return s, nil
}

func (r *ScheduleRepository) Pause(ctx context.Context, id string) (*datasync.Schedule, error) {
	query := `
		UPDATE sync_schedules SET is_enabled = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return r.update(ctx, "failed to pause sync schedule", query, id)
}

func (r *ScheduleRepository) Resume(ctx context.Context, id string, nextScheduledAt time.Time) (*datasync.Schedule, error) {
	query := `
		UPDATE sync_schedules
		SET is_enabled = TRUE, consecutive_failures = 0, next_scheduled_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return r.update(ctx, "failed to resume sync schedule", query, id, nextScheduledAt)
}

func (r *ScheduleRepository) UpdateInterval(ctx context.Context, id string, minutes int, nextScheduledAt time.Time) (*datasync.Schedule, error) {
	query := `
		UPDATE sync_schedules
		SET interval_minutes = $2, next_scheduled_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return r.update(ctx, "failed to update sync interval", query, id, minutes, nextScheduledAt)
}

func (r *ScheduleRepository) update(ctx context.Context, failure, query string, args ...any) (*datasync.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, datasync.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", failure, err)
	}
	return s, nil
}

func (r *ScheduleRepository) list(ctx context.Context, failure, query string, args ...any) ([]*datasync.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", failure, err)
	}
	defer rows.Close()

	var schedules []*datasync.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row scanner) (*datasync.Schedule, error) {
	var s datasync.Schedule
	var next, lastSync, lastSuccess sql.NullTime
	var lastError, cursor sql.NullString

	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.Source, &s.ConnectionID, &s.IntervalMinutes, &next,
		&lastSync, &lastSuccess, &lastError, &s.ConsecutiveFailures, &s.IsEnabled, &cursor,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.NextScheduledAt = nullTime(next)
	s.LastSyncAt = nullTime(lastSync)
	s.LastSuccessAt = nullTime(lastSuccess)
	s.LastError = nullString(lastError)
	s.SyncCursor = nullString(cursor)
	return &s, nil
}
