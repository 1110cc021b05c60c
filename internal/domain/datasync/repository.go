package datasync

import (
	"context"
	"time"

	"ledgerlink/internal/domain/connection"
)

// ScheduleRepository defines the interface for sync schedule data access
type ScheduleRepository interface {
	// Upsert inserts a schedule or, for an existing (source, connection) pair,
	// re-enables it, clears the failure counter and sets the next run.
	Upsert(ctx context.Context, params UpsertScheduleParams) (*Schedule, error)
	GetByID(ctx context.Context, id string) (*Schedule, error)
	GetByConnection(ctx context.Context, source connection.Source, connectionID string) (*Schedule, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Schedule, error)
	// ListDue returns enabled schedules whose next run is unset or at or before
	// now and whose failure count is below circuitThreshold, oldest first.
	ListDue(ctx context.Context, now time.Time, circuitThreshold, limit int) ([]*Schedule, error)
	// ListCircuitOpen returns enabled, due schedules held back by the breaker.
	ListCircuitOpen(ctx context.Context, now time.Time, circuitThreshold int) ([]*Schedule, error)
	// RecordOutcome applies a job outcome and schedules the next run at
	// CompletedAt plus the schedule's interval.
	RecordOutcome(ctx context.Context, id string, outcome ScheduleOutcome) (*Schedule, error)
	Pause(ctx context.Context, id string) (*Schedule, error)
	// Resume enables the schedule, clears the failure counter and sets the next run.
	Resume(ctx context.Context, id string, nextScheduledAt time.Time) (*Schedule, error)
	UpdateInterval(ctx context.Context, id string, minutes int, nextScheduledAt time.Time) (*Schedule, error)
}

// JobRepository defines the interface for sync job data access
type JobRepository interface {
	Create(ctx context.Context, params CreateJobParams) (*Job, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	// MarkRunning moves a pending job to running. Returns ErrJobNotPending otherwise.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (*Job, error)
	// Complete moves a pending or running job to a terminal status. Returns
	// ErrJobFinished when the job is already terminal.
	Complete(ctx context.Context, id string, params CompleteJobParams) (*Job, error)
	ListRecentByOrganization(ctx context.Context, organizationID string, limit int) ([]*Job, error)
	// FailStaleRunning fails jobs left running since before cutoff.
	FailStaleRunning(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// WebhookRepository defines the interface for webhook event data access
type WebhookRepository interface {
	Create(ctx context.Context, params CreateWebhookEventParams) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, id string, params ProcessWebhookEventParams) (*WebhookEvent, error)
}
