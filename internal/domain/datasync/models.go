package datasync

import (
	"errors"
	"time"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/ledger"
)

// Trigger records what caused a sync job.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
	TriggerManual    Trigger = "manual"
	TriggerOnConnect Trigger = "on_connect"
)

// JobStatus follows pending -> running -> completed|failed. Terminal states never change.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Domain errors
var (
	ErrScheduleNotFound  = errors.New("sync schedule not found")
	ErrJobNotFound       = errors.New("sync job not found")
	ErrJobNotPending     = errors.New("sync job is not pending")
	ErrJobFinished       = errors.New("sync job already finished")
	ErrLeaseLost         = errors.New("sync lease lost before the job finished")
	ErrLeaseNotObtained  = errors.New("sync already in progress for connection")
	ErrInvalidTrigger    = errors.New("invalid sync trigger")
	ErrOrganizationEmpty = errors.New("organization id is required")
)

// Schedule is the per-connection cadence and health state.
type Schedule struct {
	ID                  string            `json:"id"`
	OrganizationID      string            `json:"organizationId"`
	Source              connection.Source `json:"source"`
	ConnectionID        string            `json:"connectionId"`
	IntervalMinutes     int               `json:"intervalMinutes"`
	NextScheduledAt     *time.Time        `json:"nextScheduledAt,omitempty"`
	LastSyncAt          *time.Time        `json:"lastSyncAt,omitempty"`
	LastSuccessAt       *time.Time        `json:"lastSuccessAt,omitempty"`
	LastError           *string           `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	IsEnabled           bool              `json:"isEnabled"`
	SyncCursor          *string           `json:"-"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// CircuitOpen reports whether failures have reached the breaker threshold.
func (s *Schedule) CircuitOpen(threshold int) bool {
	return s.ConsecutiveFailures >= threshold
}

// IsDue reports whether the schedule should run at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.NextScheduledAt == nil || !s.NextScheduledAt.After(now)
}

// Job is one execution of a sync against a connection.
type Job struct {
	ID             string            `json:"id"`
	ScheduleID     *string           `json:"scheduleId,omitempty"`
	OrganizationID string            `json:"organizationId"`
	Source         connection.Source `json:"source"`
	ConnectionID   string            `json:"connectionId"`
	Trigger        Trigger           `json:"trigger"`
	Status         JobStatus         `json:"status"`
	CursorBefore   *string           `json:"-"`
	CursorAfter    *string           `json:"-"`
	ItemsSynced    int               `json:"itemsSynced"`
	ItemsCreated   int               `json:"itemsCreated"`
	ItemsUpdated   int               `json:"itemsUpdated"`
	ItemsSkipped   int               `json:"itemsSkipped"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// Result is the outcome of running a job. Failures are values, never panics.
type Result struct {
	Success      bool
	ItemsSynced  int
	ItemsCreated int
	ItemsUpdated int
	ItemsSkipped int
	Cursor       *string
	Error        string
	Window       ledger.DateRange
	// Contended marks a job that never reached the provider because another
	// sync held the connection lease. It does not count against the schedule.
	Contended bool
}

func failedResult(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// WebhookEvent is an inbound provider notification.
type WebhookEvent struct {
	ID             string            `json:"id"`
	Source         connection.Source `json:"source"`
	EventType      string            `json:"eventType"`
	RawPayload     string            `json:"rawPayload"`
	ConnectionID   *string           `json:"connectionId,omitempty"`
	OrganizationID *string           `json:"organizationId,omitempty"`
	Processed      bool              `json:"processed"`
	SyncJobID      *string           `json:"syncJobId,omitempty"`
	Error          *string           `json:"error,omitempty"`
	ReceivedAt     time.Time         `json:"receivedAt"`
	ProcessedAt    *time.Time        `json:"processedAt,omitempty"`
}

// UpsertScheduleParams creates a schedule or re-enables an existing one.
// A nil IntervalMinutes keeps an existing schedule's interval and gives a new
// one DefaultIntervalMinutes.
type UpsertScheduleParams struct {
	OrganizationID         string
	Source                 connection.Source
	ConnectionID           string
	IntervalMinutes        *int
	DefaultIntervalMinutes int
	NextScheduledAt        time.Time
}

func (p UpsertScheduleParams) Validate() error {
	if p.OrganizationID == "" {
		return ErrOrganizationEmpty
	}
	if !p.Source.Valid() {
		return connection.ErrUnknownSource
	}
	if p.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	return nil
}

// ScheduleOutcome is what completing a job writes back to its schedule.
type ScheduleOutcome struct {
	CompletedAt time.Time
	Success     bool
	Error       string
	Cursor      *string
}

type CreateJobParams struct {
	ScheduleID     *string
	OrganizationID string
	Source         connection.Source
	ConnectionID   string
	Trigger        Trigger
	CursorBefore   *string
	CreatedAt      time.Time
}

func (p CreateJobParams) Validate() error {
	if p.OrganizationID == "" {
		return ErrOrganizationEmpty
	}
	if !p.Source.Valid() {
		return connection.ErrUnknownSource
	}
	switch p.Trigger {
	case TriggerScheduled, TriggerWebhook, TriggerManual, TriggerOnConnect:
	default:
		return ErrInvalidTrigger
	}
	return nil
}

type CompleteJobParams struct {
	Status       JobStatus
	CursorAfter  *string
	ItemsSynced  int
	ItemsCreated int
	ItemsUpdated int
	ItemsSkipped int
	ErrorMessage *string
	CompletedAt  time.Time
}

type CreateWebhookEventParams struct {
	Source     connection.Source
	EventType  string
	RawPayload string
	ReceivedAt time.Time
}

type ProcessWebhookEventParams struct {
	ConnectionID   *string
	OrganizationID *string
	SyncJobID      *string
	Error          *string
	ProcessedAt    time.Time
}

// TickResult summarizes one pass over due schedules.
type TickResult struct {
	Due         int
	Succeeded   int
	Failed      int
	CircuitOpen int
}
