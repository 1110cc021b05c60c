package http

import (
	"context"
	"net/http"
	"sync"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/domain/notification"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/interfaces/scheduler"
	"ledgerlink/internal/shared/middleware"
)

func withOrg(req *http.Request, orgID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.OrganizationIDKey, orgID)
	return req.WithContext(ctx)
}

func withActor(req *http.Request, actor string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ActorIDKey, actor)
	return req.WithContext(ctx)
}

// MockSyncService implements SyncService for testing
type MockSyncService struct {
	GetSyncStatusFunc               func(ctx context.Context, organizationID string) ([]datasync.ConnectionStatus, error)
	GetDataFreshnessFunc            func(ctx context.Context, organizationID string) (*datasync.Freshness, error)
	GetRecentJobsFunc               func(ctx context.Context, organizationID string, limit int) ([]*datasync.Job, error)
	CreateScheduleForConnectionFunc func(ctx context.Context, organizationID string, source connection.Source, connectionID string, intervalMinutes *int) (*datasync.Schedule, error)
	PauseScheduleFunc               func(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error)
	ResumeScheduleFunc              func(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error)
	UpdateScheduleIntervalFunc      func(ctx context.Context, organizationID, scheduleID string, minutes int) (*datasync.Schedule, error)
	TriggerManualSyncFunc           func(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*datasync.Job, error)
}

func (m *MockSyncService) GetSyncStatus(ctx context.Context, organizationID string) ([]datasync.ConnectionStatus, error) {
	if m.GetSyncStatusFunc != nil {
		return m.GetSyncStatusFunc(ctx, organizationID)
	}
	return nil, nil
}

func (m *MockSyncService) GetDataFreshness(ctx context.Context, organizationID string) (*datasync.Freshness, error) {
	if m.GetDataFreshnessFunc != nil {
		return m.GetDataFreshnessFunc(ctx, organizationID)
	}
	return &datasync.Freshness{}, nil
}

func (m *MockSyncService) GetRecentJobs(ctx context.Context, organizationID string, limit int) ([]*datasync.Job, error) {
	if m.GetRecentJobsFunc != nil {
		return m.GetRecentJobsFunc(ctx, organizationID, limit)
	}
	return nil, nil
}

func (m *MockSyncService) CreateScheduleForConnection(ctx context.Context, organizationID string, source connection.Source, connectionID string, intervalMinutes *int) (*datasync.Schedule, error) {
	if m.CreateScheduleForConnectionFunc != nil {
		return m.CreateScheduleForConnectionFunc(ctx, organizationID, source, connectionID, intervalMinutes)
	}
	return &datasync.Schedule{}, nil
}

func (m *MockSyncService) PauseSchedule(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error) {
	if m.PauseScheduleFunc != nil {
		return m.PauseScheduleFunc(ctx, organizationID, scheduleID)
	}
	return &datasync.Schedule{ID: scheduleID}, nil
}

func (m *MockSyncService) ResumeSchedule(ctx context.Context, organizationID, scheduleID string) (*datasync.Schedule, error) {
	if m.ResumeScheduleFunc != nil {
		return m.ResumeScheduleFunc(ctx, organizationID, scheduleID)
	}
	return &datasync.Schedule{ID: scheduleID, IsEnabled: true}, nil
}

func (m *MockSyncService) UpdateScheduleInterval(ctx context.Context, organizationID, scheduleID string, minutes int) (*datasync.Schedule, error) {
	if m.UpdateScheduleIntervalFunc != nil {
		return m.UpdateScheduleIntervalFunc(ctx, organizationID, scheduleID, minutes)
	}
	return &datasync.Schedule{ID: scheduleID, IntervalMinutes: minutes}, nil
}

func (m *MockSyncService) TriggerManualSync(ctx context.Context, organizationID string, source connection.Source, connectionID string) (*datasync.Job, error) {
	if m.TriggerManualSyncFunc != nil {
		return m.TriggerManualSyncFunc(ctx, organizationID, source, connectionID)
	}
	return &datasync.Job{Status: datasync.JobCompleted}, nil
}

// MockReconciliationService implements ReconciliationService for testing
type MockReconciliationService struct {
	RunReconciliationFunc        func(ctx context.Context, organizationID string, window *ledger.DateRange) (*reconciliation.RunResult, error)
	GetReconciliationSummaryFunc func(ctx context.Context, organizationID string) (*reconciliation.Summary, error)
	GetPendingMatchesFunc        func(ctx context.Context, organizationID string) ([]*reconciliation.Match, error)
	GetOpenDiscrepanciesFunc     func(ctx context.Context, organizationID string) ([]*reconciliation.Discrepancy, error)
	ConfirmMatchFunc             func(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error)
	RejectMatchFunc              func(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error)
	ResolveDiscrepancyFunc       func(ctx context.Context, organizationID, discrepancyID string, resolution reconciliation.Resolution, actor string, notes *string) (*reconciliation.Discrepancy, error)
}

func (m *MockReconciliationService) RunReconciliation(ctx context.Context, organizationID string, window *ledger.DateRange) (*reconciliation.RunResult, error) {
	if m.RunReconciliationFunc != nil {
		return m.RunReconciliationFunc(ctx, organizationID, window)
	}
	return &reconciliation.RunResult{}, nil
}

func (m *MockReconciliationService) GetReconciliationSummary(ctx context.Context, organizationID string) (*reconciliation.Summary, error) {
	if m.GetReconciliationSummaryFunc != nil {
		return m.GetReconciliationSummaryFunc(ctx, organizationID)
	}
	return &reconciliation.Summary{}, nil
}

func (m *MockReconciliationService) GetPendingMatches(ctx context.Context, organizationID string) ([]*reconciliation.Match, error) {
	if m.GetPendingMatchesFunc != nil {
		return m.GetPendingMatchesFunc(ctx, organizationID)
	}
	return nil, nil
}

func (m *MockReconciliationService) GetOpenDiscrepancies(ctx context.Context, organizationID string) ([]*reconciliation.Discrepancy, error) {
	if m.GetOpenDiscrepanciesFunc != nil {
		return m.GetOpenDiscrepanciesFunc(ctx, organizationID)
	}
	return nil, nil
}

func (m *MockReconciliationService) ConfirmMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error) {
	if m.ConfirmMatchFunc != nil {
		return m.ConfirmMatchFunc(ctx, organizationID, matchID, actor, notes)
	}
	return &reconciliation.Match{ID: matchID, Status: reconciliation.MatchConfirmed}, nil
}

func (m *MockReconciliationService) RejectMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*reconciliation.Match, error) {
	if m.RejectMatchFunc != nil {
		return m.RejectMatchFunc(ctx, organizationID, matchID, actor, notes)
	}
	return &reconciliation.Match{ID: matchID, Status: reconciliation.MatchRejected}, nil
}

func (m *MockReconciliationService) ResolveDiscrepancy(ctx context.Context, organizationID, discrepancyID string, resolution reconciliation.Resolution, actor string, notes *string) (*reconciliation.Discrepancy, error) {
	if m.ResolveDiscrepancyFunc != nil {
		return m.ResolveDiscrepancyFunc(ctx, organizationID, discrepancyID, resolution, actor, notes)
	}
	return &reconciliation.Discrepancy{ID: discrepancyID, Resolution: resolution}, nil
}

// MockNotificationService implements NotificationService for testing
type MockNotificationService struct {
	GetPreferencesFunc    func(ctx context.Context, organizationID string) (*notification.Preferences, error)
	UpdatePreferencesFunc func(ctx context.Context, organizationID string, params notification.UpdatePreferenceParams) (*notification.Preferences, error)
	ListAlertsFunc        func(ctx context.Context, organizationID string, page, perPage int) ([]*notification.Alert, int, error)
	RegisterDevicesFunc   func(ctx context.Context, organizationID string, tokens []string) error
}

func (m *MockNotificationService) GetPreferences(ctx context.Context, organizationID string) (*notification.Preferences, error) {
	if m.GetPreferencesFunc != nil {
		return m.GetPreferencesFunc(ctx, organizationID)
	}
	return notification.DefaultPreferences(organizationID), nil
}

func (m *MockNotificationService) UpdatePreferences(ctx context.Context, organizationID string, params notification.UpdatePreferenceParams) (*notification.Preferences, error) {
	if m.UpdatePreferencesFunc != nil {
		return m.UpdatePreferencesFunc(ctx, organizationID, params)
	}
	return notification.DefaultPreferences(organizationID), nil
}

func (m *MockNotificationService) ListAlerts(ctx context.Context, organizationID string, page, perPage int) ([]*notification.Alert, int, error) {
	if m.ListAlertsFunc != nil {
		return m.ListAlertsFunc(ctx, organizationID, page, perPage)
	}
	return nil, 0, nil
}

func (m *MockNotificationService) RegisterDevices(ctx context.Context, organizationID string, tokens []string) error {
	if m.RegisterDevicesFunc != nil {
		return m.RegisterDevicesFunc(ctx, organizationID, tokens)
	}
	return nil
}

// MockQueue records enqueued jobs; EnqueueErr makes every Enqueue fail.
type MockQueue struct {
	mu         sync.Mutex
	Jobs       []scheduler.Job
	EnqueueErr error
}

func (m *MockQueue) Enqueue(job scheduler.Job) error {
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Jobs = append(m.Jobs, job)
	return nil
}
