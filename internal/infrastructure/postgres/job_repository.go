package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/datasync"
)

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, schedule_id, organization_id, source, connection_id, trigger, status,
	cursor_before, cursor_after, items_synced, items_created, items_updated, items_skipped,
	error_message, created_at, started_at, completed_at`

func (r *JobRepository) Create(ctx context.Context, params datasync.CreateJobParams) (*datasync.Job, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO sync_jobs (id, schedule_id, organization_id, source, connection_id, trigger, cursor_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.ScheduleID, params.OrganizationID, params.Source,
		params.ConnectionID, params.Trigger, params.CursorBefore, createdAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*datasync.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// MarkRunning only moves pending rows, so a job cannot be started twice.
func (r *JobRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) (*datasync.Job, error) {
	query := `
		UPDATE sync_jobs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, startedAt))
	if err == sql.ErrNoRows {
		return nil, datasync.ErrJobNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark sync job running: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Complete(ctx context.Context, id string, params datasync.CompleteJobParams) (*datasync.Job, error) {
	query := `
		UPDATE sync_jobs
		SET status = $2,
		    cursor_after = $3,
		    items_synced = $4,
		    items_created = $5,
		    items_updated = $6,
		    items_skipped = $7,
		    error_message = $8,
		    completed_at = $9
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query,
		id, params.Status, params.CursorAfter, params.ItemsSynced, params.ItemsCreated,
		params.ItemsUpdated, params.ItemsSkipped, params.ErrorMessage, params.CompletedAt,
	))
	if err == sql.ErrNoRows {
		return nil, datasync.ErrJobFinished
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete sync job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) ListRecentByOrganization(ctx context.Context, organizationID string, limit int) ([]*datasync.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*datasync.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) FailStaleRunning(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE status = 'running' AND started_at < $1`,
		cutoff, message,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sync jobs: %w", err)
	}
	return result.RowsAffected()
}

func scanJob(row scanner) (*datasync.Job, error) {
	var j datasync.Job
	var scheduleID, cursorBefore, cursorAfter, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &scheduleID, &j.OrganizationID, &j.Source, &j.ConnectionID, &j.Trigger, &j.Status,
		&cursorBefore, &cursorAfter, &j.ItemsSynced, &j.ItemsCreated, &j.ItemsUpdated, &j.ItemsSkipped,
		&errorMessage, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ScheduleID = nullString(scheduleID)
	j.CursorBefore = nullString(cursorBefore)
	j.CursorAfter = nullString(cursorAfter)
	j.ErrorMessage = nullString(errorMessage)
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	return &j, nil
}
