package datasync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/shared/clock"
	"ledgerlink/internal/shared/logging"
)

const (
	DefaultRecentJobsLimit = 20
	MaxRecentJobsLimit     = 100
)

// Options are the scheduling thresholds. Zero values fall back to defaults.
type Options struct {
	BatchSize              int
	CircuitThreshold       int
	DefaultIntervalMinutes int
	MinIntervalMinutes     int
	WarningAfter           time.Duration
	StaleAfter             time.Duration
	StaleRunningAfter      time.Duration
	InitialLookback        time.Duration
	SyncOverlap            time.Duration
	TokenRefreshSkew       time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:              10,
		CircuitThreshold:       5,
		DefaultIntervalMinutes: 60,
		MinIntervalMinutes:     5,
		WarningAfter:           60 * time.Minute,
		StaleAfter:             180 * time.Minute,
		StaleRunningAfter:      2 * time.Hour,
		InitialLookback:        90 * 24 * time.Hour,
		SyncOverlap:            72 * time.Hour,
		TokenRefreshSkew:       time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.CircuitThreshold <= 0 {
		o.CircuitThreshold = d.CircuitThreshold
	}
	if o.MinIntervalMinutes <= 0 {
		o.MinIntervalMinutes = d.MinIntervalMinutes
	}
	if o.DefaultIntervalMinutes < o.MinIntervalMinutes {
		o.DefaultIntervalMinutes = max(d.DefaultIntervalMinutes, o.MinIntervalMinutes)
	}
	if o.WarningAfter <= 0 {
		o.WarningAfter = d.WarningAfter
	}
	if o.StaleAfter < o.WarningAfter {
		o.StaleAfter = max(d.StaleAfter, o.WarningAfter)
	}
	if o.StaleRunningAfter <= 0 {
		o.StaleRunningAfter = d.StaleRunningAfter
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = d.InitialLookback
	}
	if o.SyncOverlap < 0 {
		o.SyncOverlap = 0
	}
	if o.TokenRefreshSkew <= 0 {
		o.TokenRefreshSkew = d.TokenRefreshSkew
	}
	return o
}

// Reconciler runs the matcher after an accounting sync.
type Reconciler interface {
	RunReconciliation(ctx context.Context, organizationID string, window *ledger.DateRange) (*reconciliation.RunResult, error)
}

// EventPublisher fans out completed jobs to downstream consumers.
type EventPublisher interface {
	PublishSyncCompleted(ctx context.Context, job *Job) error
}

// Alerter notifies humans about conditions that need reconnection or review.
type Alerter interface {
	ConnectionExpired(ctx context.Context, conn *connection.Connection) error
	CircuitOpened(ctx context.Context, schedule *Schedule) error
}

// Dependencies wires the service. Reconciler, Publisher, Alerter, Locker,
// Clock and Logger are optional.
type Dependencies struct {
	Schedules   ScheduleRepository
	Jobs        JobRepository
	Webhooks    WebhookRepository
	Connections connection.Repository
	Ledger      ledger.Repository
	Registry    *Registry
	Locker      Locker
	Reconciler  Reconciler
	Publisher   EventPublisher
	Alerter     Alerter
	Clock       clock.Clock
	Logger      logrus.FieldLogger
}

// Service owns sync schedules and jobs: it creates, runs and completes jobs
// against source adapters and reports connection health.
type Service struct {
	schedules   ScheduleRepository
	jobs        JobRepository
	webhooks    WebhookRepository
	connections connection.Repository
	ledger      ledger.Repository
	registry    *Registry
	locker      Locker
	reconciler  Reconciler
	publisher   EventPublisher
	alerter     Alerter
	clock       clock.Clock
	logger      logrus.FieldLogger
	opts        Options
}

// NewService creates a new sync service
func NewService(deps Dependencies, opts Options) *Service {
	s := &Service{
		schedules:   deps.Schedules,
		jobs:        deps.Jobs,
		webhooks:    deps.Webhooks,
		connections: deps.Connections,
		ledger:      deps.Ledger,
		registry:    deps.Registry,
		locker:      deps.Locker,
		reconciler:  deps.Reconciler,
		publisher:   deps.Publisher,
		alerter:     deps.Alerter,
		clock:       deps.Clock,
		logger:      deps.Logger,
		opts:        opts.withDefaults(),
	}
	if s.locker == nil {
		s.locker = NewMutexLocker(30 * time.Second)
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.registry == nil {
		s.registry, _ = NewRegistry()
	}
	return s
}

func (s *Service) Options() Options {
	return s.opts
}

// ClampInterval applies the minimum interval and the default for unset values.
func (s *Service) ClampInterval(minutes *int) int {
	if minutes == nil || *minutes <= 0 {
		return s.opts.DefaultIntervalMinutes
	}
	return max(*minutes, s.opts.MinIntervalMinutes)
}

// CreateScheduleForConnection upserts the schedule for a connection. An
// existing schedule is re-enabled, its failures cleared and its next run set to now.
func (s *Service) CreateScheduleForConnection(ctx context.Context, organizationID string, source connection.Source, connectionID string, intervalMinutes *int) (*Schedule, error) {
	if !source.Valid() {
		return nil, newSyncError(KindConfiguration, source, connectionID, connection.ErrUnknownSource)
	}
	if _, err := s.ownedConnection(ctx, organizationID, source, connectionID); err != nil {
		return nil, err
	}

	params := UpsertScheduleParams{
		OrganizationID:         organizationID,
		Source:                 source,
		ConnectionID:           connectionID,
		DefaultIntervalMinutes: s.opts.DefaultIntervalMinutes,
		NextScheduledAt:        s.clock.Now(),
	}
	if intervalMinutes != nil {
		interval := s.ClampInterval(intervalMinutes)
		params.IntervalMinutes = &interval
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	schedule, err := s.schedules.Upsert(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"source":          source,
		"connection_id":   connectionID,
		"schedule_id":     schedule.ID,
		"interval":        schedule.IntervalMinutes,
	}).Info("Sync schedule created or re-enabled")

	return schedule, nil
}

// SyncOnConnect creates the schedule for a freshly authorized connection and
// runs its first sync immediately.
func (s *Service) SyncOnConnect(ctx context.Context, organizationID string, source connection.Source, connectionID string, intervalMinutes *int) (*Schedule, *Job, error) {
	schedule, err := s.CreateScheduleForConnection(ctx, organizationID, source, connectionID, intervalMinutes)
	if err != nil {
		return nil, nil, err
	}

	job, err := s.createJob(ctx, schedule, organizationID, source, connectionID, TriggerOnConnect)
	if err != nil {
		return schedule, nil, err
	}

	done := s.ExecuteSyncJob(ctx, job)
	if refreshed, err := s.schedules.GetByID(ctx, schedule.ID); err == nil && refreshed != nil {
		schedule = refreshed
	}
	return schedule, done, nil
}

// RegisterConnection stores the credentials from a completed authorization
// flow and hands the connection to SyncOnConnect.
func (s *Service) RegisterConnection(ctx context.Context, params connection.CreateParams, intervalMinutes *int) (*connection.Connection, *Schedule, *Job, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, nil, err
	}

	conn, err := s.connections.Create(ctx, params)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to register connection: %w", err)
	}

	schedule, job, err := s.SyncOnConnect(ctx, conn.OrganizationID, conn.Source, conn.ID, intervalMinutes)
	return conn, schedule, job, err
}

// TriggerManualSync creates a manual job and runs it on the caller's path.
// The returned job is terminal whether the sync succeeded or not.
func (s *Service) TriggerManualSync(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*Job, error) {
	if !source.Valid() {
		return nil, newSyncError(KindConfiguration, source, connectionID, connection.ErrUnknownSource)
	}
	if _, err := s.ownedConnection(ctx, organizationID, source, connectionID); err != nil {
		return nil, err
	}

	schedule, err := s.schedules.GetByConnection(ctx, source, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}

	job, err := s.createJob(ctx, schedule, organizationID, source, connectionID, TriggerManual)
	if err != nil {
		return nil, err
	}

	return s.ExecuteSyncJob(ctx, job), nil
}

// ProcessPendingJobs runs one scheduler tick: it selects a bounded batch of
// due schedules, oldest first, and runs one job for each, sequentially.
// Schedules whose breaker is open are logged and left alone.
func (s *Service) ProcessPendingJobs(ctx context.Context) (*TickResult, error) {
	ctx, span := tracer.Start(ctx, "datasync.ProcessPendingJobs")
	defer span.End()

	now := s.clock.Now()
	threshold := s.opts.CircuitThreshold
	result := &TickResult{}

	open, err := s.schedules.ListCircuitOpen(ctx, now, threshold)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list schedules with open circuit")
	}
	for _, sched := range open {
		result.CircuitOpen++
		s.logger.WithFields(logrus.Fields{
			"schedule_id":          sched.ID,
			"organization_id":      sched.OrganizationID,
			"source":               sched.Source,
			"connection_id":        sched.ConnectionID,
			"consecutive_failures": sched.ConsecutiveFailures,
		}).Warn("Skipping schedule: circuit open until resumed")
	}

	due, err := s.schedules.ListDue(ctx, now, threshold, s.opts.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		if !sched.IsEnabled || sched.CircuitOpen(threshold) {
			result.CircuitOpen++
			continue
		}
		result.Due++

		job, err := s.createJob(ctx, sched, sched.OrganizationID, sched.Source, sched.ConnectionID, TriggerScheduled)
		if err != nil {
			result.Failed++
			s.logger.WithError(err).WithField("schedule_id", sched.ID).Error("Failed to create scheduled sync job")
			continue
		}

		done := s.ExecuteSyncJob(ctx, job)
		if done.Status == JobCompleted {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	if result.Due > 0 || result.CircuitOpen > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":          result.Due,
			"succeeded":    result.Succeeded,
			"failed":       result.Failed,
			"circuit_open": result.CircuitOpen,
		}).Info("Scheduler tick processed")
	}

	return result, nil
}

// PauseSchedule disables a schedule.
func (s *Service) PauseSchedule(ctx context.Context, organizationID, scheduleID string) (*Schedule, error) {
	if _, err := s.ownedSchedule(ctx, organizationID, scheduleID); err != nil {
		return nil, err
	}
	schedule, err := s.schedules.Pause(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to pause schedule: %w", err)
	}
	s.logger.WithField("schedule_id", scheduleID).Info("Sync schedule paused")
	return schedule, nil
}

// ResumeSchedule re-enables a schedule, clears its failure counter and makes it due now.
func (s *Service) ResumeSchedule(ctx context.Context, organizationID, scheduleID string) (*Schedule, error) {
	if _, err := s.ownedSchedule(ctx, organizationID, scheduleID); err != nil {
		return nil, err
	}
	schedule, err := s.schedules.Resume(ctx, scheduleID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to resume schedule: %w", err)
	}
	s.logger.WithField("schedule_id", scheduleID).Info("Sync schedule resumed")
	return schedule, nil
}

// UpdateScheduleInterval clamps minutes to the minimum and reschedules from now.
func (s *Service) UpdateScheduleInterval(ctx context.Context, organizationID, scheduleID string, minutes int) (*Schedule, error) {
	if _, err := s.ownedSchedule(ctx, organizationID, scheduleID); err != nil {
		return nil, err
	}
	interval := max(minutes, s.opts.MinIntervalMinutes)
	next := s.clock.Now().Add(time.Duration(interval) * time.Minute)

	schedule, err := s.schedules.UpdateInterval(ctx, scheduleID, interval, next)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule interval: %w", err)
	}
	return schedule, nil
}

// GetRecentJobs returns the organization's latest jobs, newest first.
func (s *Service) GetRecentJobs(ctx context.Context, organizationID string, limit int) ([]*Job, error) {
	if organizationID == "" {
		return nil, ErrOrganizationEmpty
	}
	if limit <= 0 {
		limit = DefaultRecentJobsLimit
	}
	limit = min(limit, MaxRecentJobsLimit)

	jobs, err := s.jobs.ListRecentByOrganization(ctx, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	return jobs, nil
}

// SweepStaleJobs fails jobs stuck in running past the stale-running threshold.
func (s *Service) SweepStaleJobs(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.opts.StaleRunningAfter)
	n, err := s.jobs.FailStaleRunning(ctx, cutoff, "abandoned: job exceeded the running time limit")
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.WithField("count", n).Warn("Failed stale running sync jobs")
	}
	return n, nil
}

func (s *Service) createJob(ctx context.Context, schedule *Schedule, organizationID string, source connection.Source, connectionID string, trigger Trigger) (*Job, error) {
	params := CreateJobParams{
		OrganizationID: organizationID,
		Source:         source,
		ConnectionID:   connectionID,
		Trigger:        trigger,
		CreatedAt:      s.clock.Now(),
	}
	if schedule != nil {
		params.ScheduleID = &schedule.ID
		params.CursorBefore = schedule.SyncCursor
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}
	return job, nil
}

func (s *Service) ownedSchedule(ctx context.Context, organizationID, scheduleID string) (*Schedule, error) {
	schedule, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	if schedule == nil || schedule.OrganizationID != organizationID {
		return nil, ErrScheduleNotFound
	}
	return schedule, nil
}

func (s *Service) ownedConnection(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*connection.Connection, error) {
	if organizationID == "" {
		return nil, ErrOrganizationEmpty
	}
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil || conn.OrganizationID != organizationID || conn.Source != source {
		return nil, newSyncError(KindConnectionNotFound, source, connectionID, connection.ErrConnectionNotFound)
	}
	return conn, nil
}
