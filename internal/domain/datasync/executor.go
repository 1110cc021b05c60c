package datasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/ledger"
)

// ExecuteSyncJob runs a pending job to completion and returns the terminal
// job. It never returns an error: every failure, including a panic inside an
// adapter, is recorded on the job.
func (s *Service) ExecuteSyncJob(ctx context.Context, job *Job) *Job {
	ctx, span := tracer.Start(ctx, "datasync.ExecuteSyncJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.job_id", job.ID),
		attribute.String("sync.source", string(job.Source)),
		attribute.String("sync.trigger", string(job.Trigger)),
	)

	logger := s.logger.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"organization_id": job.OrganizationID,
		"source":          job.Source,
		"connection_id":   job.ConnectionID,
		"trigger":         job.Trigger,
	})

	// Job bookkeeping outlives the caller: a disconnected client or an expired
	// job timeout must still leave a terminal job and a recorded outcome.
	persist := context.WithoutCancel(ctx)

	running, err := s.jobs.MarkRunning(persist, job.ID, s.clock.Now())
	if err != nil {
		logger.WithError(err).Error("Failed to mark sync job running")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrJobNotPending) {
			// Another worker owns it.
			return job
		}
		failed, cerr := s.CompleteSyncJob(persist, job, failedResult(fmt.Errorf("failed to start job: %w", err)))
		if cerr != nil {
			logger.WithError(cerr).Error("Failed to fail unstarted sync job")
			return job
		}
		return failed
	}

	result := s.runGuarded(ctx, running, logger)
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}

	done, err := s.CompleteSyncJob(persist, running, result)
	if err != nil {
		logger.WithError(err).Error("Failed to complete sync job")
		return running
	}
	return done
}

func (s *Service) runGuarded(ctx context.Context, job *Job, logger logrus.FieldLogger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Sync job panicked")
			result = failedResult(newSyncError(KindProvider, job.Source, job.ConnectionID, fmt.Errorf("panic: %v", r)))
		}
	}()

	lease, err := s.locker.Acquire(ctx, leaseKey(job.ConnectionID))
	if err != nil {
		logger.WithError(err).Warn("Sync lease not obtained")
		result = failedResult(err)
		result.Contended = errors.Is(err, ErrLeaseNotObtained)
		return result
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release sync lease")
		}
	}()

	// Stop working on the connection as soon as another job could hold it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lease.Lost():
			cancel()
		case <-runCtx.Done():
		}
	}()

	result, err = s.runJob(runCtx, job, logger)
	if err != nil {
		select {
		case <-lease.Lost():
			err = newSyncError(KindProvider, job.Source, job.ConnectionID, ErrLeaseLost)
		default:
		}
		logger.WithError(err).WithField("kind", KindOf(err)).Warn("Sync job failed")
		return failedResult(err)
	}
	return result
}

func (s *Service) runJob(ctx context.Context, job *Job, logger logrus.FieldLogger) (Result, error) {
	adapter, err := s.registry.Get(job.Source)
	if err != nil {
		return Result{}, err
	}

	conn, err := s.connections.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return Result{}, newSyncError(KindProvider, job.Source, job.ConnectionID, fmt.Errorf("failed to load connection: %w", err))
	}
	if conn == nil || conn.OrganizationID != job.OrganizationID || conn.Source != job.Source {
		return Result{}, newSyncError(KindConnectionNotFound, job.Source, job.ConnectionID, connection.ErrConnectionNotFound)
	}
	if conn.IsExpired() {
		return Result{}, newSyncError(KindAuthExpired, job.Source, job.ConnectionID, ErrAuthExpired)
	}

	var schedule *Schedule
	if job.ScheduleID != nil {
		schedule, err = s.schedules.GetByID(ctx, *job.ScheduleID)
		if err != nil {
			return Result{}, newSyncError(KindProvider, job.Source, job.ConnectionID, fmt.Errorf("failed to load schedule: %w", err))
		}
	}

	session := &fetchSession{service: s, adapter: adapter, job: job}
	token, err := s.accessToken(ctx, adapter, conn)
	if err != nil {
		return Result{}, s.authFailure(ctx, conn, err)
	}
	session.creds = Credentials{Connection: conn, AccessToken: token, Cursor: job.CursorBefore}

	window := s.syncWindow(schedule)
	result := Result{Success: true, Window: window}

	switch job.Source.Kind() {
	case connection.KindBankFeed:
		var batch TransactionBatch
		err = session.do(ctx, func(creds Credentials) error {
			var ferr error
			batch, ferr = adapter.FetchTransactions(ctx, creds, window)
			return ferr
		})
		if err != nil {
			return Result{}, s.authFailure(ctx, conn, err)
		}
		upserted, skipped, err := s.persistTransactions(ctx, job, batch.Transactions, logger)
		if err != nil {
			return Result{}, err
		}
		result.apply(upserted, skipped)
		result.Cursor = batch.Cursor

	case connection.KindAccounting, connection.KindBilling:
		var invoices []ledger.Invoice
		err = session.do(ctx, func(creds Credentials) error {
			var ferr error
			invoices, ferr = adapter.FetchInvoices(ctx, creds, window)
			return ferr
		})
		if err != nil {
			return Result{}, s.authFailure(ctx, conn, err)
		}
		if job.Source.Kind() == connection.KindAccounting {
			var bills []ledger.Invoice
			err = session.do(ctx, func(creds Credentials) error {
				var ferr error
				bills, ferr = adapter.FetchBills(ctx, creds, window)
				return ferr
			})
			if err != nil {
				return Result{}, s.authFailure(ctx, conn, err)
			}
			invoices = append(invoices, bills...)
		}
		upserted, skipped, err := s.persistInvoices(ctx, job, invoices, logger)
		if err != nil {
			return Result{}, err
		}
		result.apply(upserted, skipped)

	default:
		return Result{}, newSyncError(KindConfiguration, job.Source, job.ConnectionID, connection.ErrUnknownSource)
	}

	if job.Source.Kind() == connection.KindAccounting && s.reconciler != nil {
		run, err := s.reconciler.RunReconciliation(ctx, job.OrganizationID, &window)
		if err != nil {
			logger.WithError(err).Error("Post-sync reconciliation failed")
		} else {
			logger.WithFields(logrus.Fields{
				"matched":       run.Matched,
				"partial":       run.Partial,
				"unmatched":     run.Unmatched,
				"discrepancies": run.Discrepancies,
			}).Info("Post-sync reconciliation completed")
		}
	}

	return result, nil
}

func (r *Result) apply(upserted ledger.UpsertResult, invalid int) {
	r.ItemsCreated += upserted.Created
	r.ItemsUpdated += upserted.Updated
	r.ItemsSkipped += upserted.Skipped + invalid
	r.ItemsSynced += upserted.Created + upserted.Updated
}

// syncWindow starts SyncOverlap before the last success, or InitialLookback
// before now when the connection has never synced.
func (s *Service) syncWindow(schedule *Schedule) ledger.DateRange {
	now := s.clock.Now()
	from := now.Add(-s.opts.InitialLookback)
	if schedule != nil && schedule.LastSuccessAt != nil {
		from = schedule.LastSuccessAt.Add(-s.opts.SyncOverlap)
	}
	return ledger.DateRange{From: from, To: now}
}

func (s *Service) accessToken(ctx context.Context, adapter Adapter, conn *connection.Connection) (string, error) {
	if conn.AccessToken != "" {
		if conn.TokenExpiresAt == nil || conn.TokenExpiresAt.After(s.clock.Now().Add(s.opts.TokenRefreshSkew)) {
			return conn.AccessToken, nil
		}
	}
	return s.refreshCredentials(ctx, adapter, conn)
}

func (s *Service) refreshCredentials(ctx context.Context, adapter Adapter, conn *connection.Connection) (string, error) {
	tokens, err := adapter.RefreshCredentials(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthorized) {
			return "", newSyncError(KindAuthExpired, conn.Source, conn.ID, err)
		}
		return "", newSyncError(KindProvider, conn.Source, conn.ID, fmt.Errorf("credential refresh failed: %w", err))
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = conn.RefreshToken
	}
	if err := s.connections.UpdateTokens(ctx, conn.ID, tokens); err != nil {
		return "", newSyncError(KindProvider, conn.Source, conn.ID, fmt.Errorf("failed to store refreshed tokens: %w", err))
	}

	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.TokenExpiresAt = tokens.ExpiresAt
	return tokens.AccessToken, nil
}

// authFailure marks the connection expired and alerts when err means the
// credentials cannot be recovered without the user. Other errors pass through.
func (s *Service) authFailure(ctx context.Context, conn *connection.Connection, err error) error {
	if !IsAuthExpired(err) {
		var se *SyncError
		if errors.As(err, &se) {
			return err
		}
		return newSyncError(KindProvider, conn.Source, conn.ID, err)
	}

	if merr := s.connections.MarkExpired(ctx, conn.ID); merr != nil {
		s.logger.WithError(merr).WithField("connection_id", conn.ID).Error("Failed to mark connection expired")
	}
	if s.alerter != nil {
		if aerr := s.alerter.ConnectionExpired(ctx, conn); aerr != nil {
			s.logger.WithError(aerr).WithField("connection_id", conn.ID).Warn("Failed to send connection expired alert")
		}
	}
	return err
}

// fetchSession retries a fetch once with refreshed credentials after an
// auth-class rejection. A second rejection means the connection expired.
type fetchSession struct {
	service   *Service
	adapter   Adapter
	job       *Job
	creds     Credentials
	refreshed bool
}

func (f *fetchSession) do(ctx context.Context, fetch func(Credentials) error) error {
	err := fetch(f.creds)
	if err == nil || !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrAuthExpired) {
		return err
	}
	if errors.Is(err, ErrAuthExpired) || f.refreshed {
		return newSyncError(KindAuthExpired, f.job.Source, f.job.ConnectionID, err)
	}

	f.refreshed = true
	token, rerr := f.service.refreshCredentials(ctx, f.adapter, f.creds.Connection)
	if rerr != nil {
		return rerr
	}
	f.creds.AccessToken = token

	err = fetch(f.creds)
	if err != nil && (errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrAuthExpired)) {
		return newSyncError(KindAuthExpired, f.job.Source, f.job.ConnectionID, err)
	}
	return err
}

func (s *Service) persistTransactions(ctx context.Context, job *Job, txns []ledger.Transaction, logger logrus.FieldLogger) (ledger.UpsertResult, int, error) {
	valid := make([]ledger.Transaction, 0, len(txns))
	invalid := 0
	for _, txn := range txns {
		txn.OrganizationID = job.OrganizationID
		txn.ConnectionID = job.ConnectionID
		txn.Source = job.Source
		if txn.Direction == "" {
			txn.Direction = ledger.DirectionOf(txn.Amount)
		}
		if err := txn.Validate(); err != nil {
			invalid++
			logger.WithError(err).WithField("external_id", txn.ExternalID).Warn("Skipping invalid transaction")
			continue
		}
		valid = append(valid, txn)
	}
	if len(valid) == 0 {
		return ledger.UpsertResult{}, invalid, nil
	}

	res, err := s.ledger.UpsertTransactions(ctx, valid)
	if err != nil {
		return ledger.UpsertResult{}, 0, newSyncError(KindProvider, job.Source, job.ConnectionID, fmt.Errorf("failed to store transactions: %w", err))
	}
	return res, invalid, nil
}

func (s *Service) persistInvoices(ctx context.Context, job *Job, invoices []ledger.Invoice, logger logrus.FieldLogger) (ledger.UpsertResult, int, error) {
	valid := make([]ledger.Invoice, 0, len(invoices))
	invalid := 0
	for _, inv := range invoices {
		inv.OrganizationID = job.OrganizationID
		inv.ConnectionID = job.ConnectionID
		inv.Source = job.Source
		if err := inv.Validate(); err != nil {
			invalid++
			logger.WithError(err).WithField("external_id", inv.ExternalID).Warn("Skipping invalid invoice")
			continue
		}
		valid = append(valid, inv)
	}
	if len(valid) == 0 {
		return ledger.UpsertResult{}, invalid, nil
	}

	res, err := s.ledger.UpsertInvoices(ctx, valid)
	if err != nil {
		return ledger.UpsertResult{}, 0, newSyncError(KindProvider, job.Source, job.ConnectionID, fmt.Errorf("failed to store invoices: %w", err))
	}
	return res, invalid, nil
}

// CompleteSyncJob finalizes a job and, for scheduled connections,
// writes the outcome back to the schedule. A contended job leaves the schedule
// untouched so a lost lease race never counts as a failure.
func (s *Service) CompleteSyncJob(ctx context.Context, job *Job, result Result) (*Job, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	params := CompleteJobParams{
		Status:       JobCompleted,
		ItemsSynced:  result.ItemsSynced,
		ItemsCreated: result.ItemsCreated,
		ItemsUpdated: result.ItemsUpdated,
		ItemsSkipped: result.ItemsSkipped,
		CursorAfter:  result.Cursor,
		CompletedAt:  now,
	}
	if !result.Success {
		params.Status = JobFailed
		msg := result.Error
		params.ErrorMessage = &msg
	}

	done, err := s.jobs.Complete(ctx, job.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	s.recordJobMetrics(ctx, done)

	if job.ScheduleID != nil && !result.Contended {
		s.recordScheduleOutcome(ctx, *job.ScheduleID, result, now)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSyncCompleted(ctx, done); err != nil {
			s.logger.WithError(err).WithField("job_id", done.ID).Warn("Failed to publish sync completed event")
		}
	}

	return done, nil
}

func (s *Service) recordScheduleOutcome(ctx context.Context, scheduleID string, result Result, completedAt time.Time) {
	outcome := ScheduleOutcome{
		CompletedAt: completedAt,
		Success:     result.Success,
		Error:       result.Error,
		Cursor:      result.Cursor,
	}

	schedule, err := s.schedules.RecordOutcome(ctx, scheduleID, outcome)
	if err != nil {
		s.logger.WithError(err).WithField("schedule_id", scheduleID).Error("Failed to record schedule outcome")
		return
	}
	if schedule == nil || result.Success {
		return
	}

	// Alert exactly once, on the failure that trips the breaker.
	if schedule.ConsecutiveFailures == s.opts.CircuitThreshold {
		circuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(schedule.Source))))
		s.logger.WithFields(logrus.Fields{
			"schedule_id":          schedule.ID,
			"organization_id":      schedule.OrganizationID,
			"consecutive_failures": schedule.ConsecutiveFailures,
		}).Error("Sync circuit opened, schedule needs a manual resume")
		if s.alerter != nil {
			if err := s.alerter.CircuitOpened(ctx, schedule); err != nil {
				s.logger.WithError(err).WithField("schedule_id", schedule.ID).Warn("Failed to send circuit open alert")
			}
		}
	}
}

func (s *Service) recordJobMetrics(ctx context.Context, job *Job) {
	attrs := metric.WithAttributes(
		attribute.String("source", string(job.Source)),
		attribute.String("trigger", string(job.Trigger)),
		attribute.String("status", string(job.Status)),
	)
	jobTotalCounter.Add(ctx, 1, attrs)
	itemsCounter.Add(ctx, int64(job.ItemsSynced), attrs)
	if job.StartedAt != nil && job.CompletedAt != nil {
		jobDuration.Record(ctx, job.CompletedAt.Sub(*job.StartedAt).Seconds(), attrs)
	}
}
