package datasync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ledgerlink/internal/domain/connection"
)

// HealthStatus is the freshness classification of one connection.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthWarning      HealthStatus = "warning"
	HealthStale        HealthStatus = "stale"
	HealthError        HealthStatus = "error"
	HealthDisconnected HealthStatus = "disconnected"
)

var healthSeverity = map[HealthStatus]int{
	HealthHealthy:      0,
	HealthWarning:      1,
	HealthStale:        2,
	HealthDisconnected: 3,
	HealthError:        4,
}

// Worse reports whether h is more severe than other.
func (h HealthStatus) Worse(other HealthStatus) bool {
	return healthSeverity[h] > healthSeverity[other]
}

// ConnectionStatus is the per-connection view behind the status endpoint.
type ConnectionStatus struct {
	ScheduleID          string            `json:"scheduleId"`
	Source              connection.Source `json:"source"`
	ConnectionID        string            `json:"connectionId"`
	Status              HealthStatus      `json:"status"`
	IsEnabled           bool              `json:"isEnabled"`
	IntervalMinutes     int               `json:"intervalMinutes"`
	LastSyncAt          *time.Time        `json:"lastSyncAt,omitempty"`
	LastSuccessAt       *time.Time        `json:"lastSuccessAt,omitempty"`
	NextScheduledAt     *time.Time        `json:"nextScheduledAt,omitempty"`
	LastError           *string           `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

type SourceFreshness struct {
	Source                  connection.Source `json:"source"`
	ConnectionID            string            `json:"connectionId"`
	Status                  HealthStatus      `json:"status"`
	MinutesSinceLastSuccess *int              `json:"minutesSinceLastSuccess,omitempty"`
}

// Freshness aggregates connection health for an organization.
type Freshness struct {
	OverallStatus HealthStatus      `json:"overallStatus"`
	Sources       []SourceFreshness `json:"sources"`
}

// HealthThresholds are the inputs to EvaluateHealth.
type HealthThresholds struct {
	CircuitThreshold int
	WarningAfter     time.Duration
	StaleAfter       time.Duration
}

// EvaluateHealth classifies a schedule. Rules apply in order: a tripped
// breaker is an error, an expired connection is disconnected, a connection
// that never succeeded is stale, and otherwise the age of the last success
// decides, with any failure since then raising healthy to warning.
func EvaluateHealth(schedule *Schedule, conn *connection.Connection, now time.Time, th HealthThresholds) HealthStatus {
	if schedule.CircuitOpen(th.CircuitThreshold) {
		return HealthError
	}
	if conn != nil && conn.IsExpired() {
		return HealthDisconnected
	}
	if schedule.LastSuccessAt == nil {
		return HealthStale
	}

	age := now.Sub(*schedule.LastSuccessAt)
	switch {
	case age <= th.WarningAfter:
		if schedule.ConsecutiveFailures > 0 {
			return HealthWarning
		}
		return HealthHealthy
	case age <= th.StaleAfter:
		return HealthWarning
	default:
		return HealthStale
	}
}

func (s *Service) healthThresholds() HealthThresholds {
	return HealthThresholds{
		CircuitThreshold: s.opts.CircuitThreshold,
		WarningAfter:     s.opts.WarningAfter,
		StaleAfter:       s.opts.StaleAfter,
	}
}

// GetSyncStatus returns the health of every scheduled connection of an
// organization, ordered by source then connection id.
func (s *Service) GetSyncStatus(ctx context.Context, organizationID string) ([]ConnectionStatus, error) {
	if organizationID == "" {
		return nil, ErrOrganizationEmpty
	}

	schedules, err := s.schedules.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	conns, err := s.connectionsByID(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	th := s.healthThresholds()
	out := make([]ConnectionStatus, 0, len(schedules))
	for _, sched := range schedules {
		out = append(out, ConnectionStatus{
			ScheduleID:          sched.ID,
			Source:              sched.Source,
			ConnectionID:        sched.ConnectionID,
			Status:              EvaluateHealth(sched, conns[sched.ConnectionID], now, th),
			IsEnabled:           sched.IsEnabled,
			IntervalMinutes:     sched.IntervalMinutes,
			LastSyncAt:          sched.LastSyncAt,
			LastSuccessAt:       sched.LastSuccessAt,
			NextScheduledAt:     sched.NextScheduledAt,
			LastError:           sched.LastError,
			ConsecutiveFailures: sched.ConsecutiveFailures,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

// GetDataFreshness reports the worst status across connections plus minutes
// since each connection's last success. An organization with no connections
// is healthy.
func (s *Service) GetDataFreshness(ctx context.Context, organizationID string) (*Freshness, error) {
	statuses, err := s.GetSyncStatus(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	fresh := &Freshness{OverallStatus: HealthHealthy, Sources: make([]SourceFreshness, 0, len(statuses))}
	for _, st := range statuses {
		sf := SourceFreshness{Source: st.Source, ConnectionID: st.ConnectionID, Status: st.Status}
		if st.LastSuccessAt != nil {
			minutes := int(now.Sub(*st.LastSuccessAt).Minutes())
			sf.MinutesSinceLastSuccess = &minutes
		}
		fresh.Sources = append(fresh.Sources, sf)
		if st.Status.Worse(fresh.OverallStatus) {
			fresh.OverallStatus = st.Status
		}
	}
	return fresh, nil
}

func (s *Service) connectionsByID(ctx context.Context, organizationID string) (map[string]*connection.Connection, error) {
	conns, err := s.connections.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := make(map[string]*connection.Connection, len(conns))
	for _, c := range conns {
		out[c.ID] = c
	}
	return out, nil
}
