package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/reconciliation"
	"ledgerlink/internal/shared/logging"
	"ledgerlink/internal/shared/messages"
)

// Service sends organization alerts and keeps a record of each one
type Service struct {
	repo      Repository
	messenger Messenger
	text      *messages.Messages
	logger    logrus.FieldLogger
}

var (
	_ datasync.Alerter       = (*Service)(nil)
	_ reconciliation.Alerter = (*Service)(nil)
)

// NewService creates a new notification service. messenger may be nil, in
// which case alerts are only recorded.
func NewService(repo Repository, messenger Messenger, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		repo:      repo,
		messenger: messenger,
		text:      messages.Default(),
		logger:    logger.WithField("component", "notification"),
	}
}

// WithMessages replaces the built-in alert texts.
func (s *Service) WithMessages(m *messages.Messages) *Service {
	if m != nil {
		s.text = m
	}
	return s
}

// GetPreferences returns the alert preferences for an organization.
// Returns default (all-enabled) preferences if none have been created yet.
func (s *Service) GetPreferences(ctx context.Context, organizationID string) (*Preferences, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}

	prefs, err := s.repo.GetPreferences(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		return DefaultPreferences(organizationID), nil
	}
	return prefs, nil
}

// UpdatePreferences updates alert preferences for an organization
func (s *Service) UpdatePreferences(ctx context.Context, organizationID string, params UpdatePreferenceParams) (*Preferences, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}
	return s.repo.UpsertPreferences(ctx, organizationID, params)
}

// ListAlerts returns paginated alerts for an organization, newest first
func (s *Service) ListAlerts(ctx context.Context, organizationID string, page, perPage int) ([]*Alert, int, error) {
	if organizationID == "" {
		return nil, 0, ErrOrganizationRequired
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return s.repo.ListByOrganization(ctx, organizationID, page, perPage)
}

// RegisterDevices subscribes device tokens to the organization's alert topic
func (s *Service) RegisterDevices(ctx context.Context, organizationID string, tokens []string) error {
	if organizationID == "" {
		return ErrOrganizationRequired
	}
	if len(tokens) == 0 {
		return ErrTokensRequired
	}
	if s.messenger == nil {
		return ErrMessagingDisabled
	}
	return s.messenger.SubscribeToTopic(ctx, tokens, TopicFor(organizationID))
}

// ConnectionExpired tells the organization that a connection needs to be
// re-authorized.
func (s *Service) ConnectionExpired(ctx context.Context, conn *connection.Connection) error {
	title, body := s.text.ConnectionExpired.Format(sourceLabel(conn.Source))
	return s.Notify(ctx, conn.OrganizationID, CategoryConnections, title, body, map[string]string{
		"connection_id": conn.ID,
		"source":        string(conn.Source),
	})
}

// CircuitOpened tells the organization that a schedule stopped being
// attempted after repeated failures.
func (s *Service) CircuitOpened(ctx context.Context, schedule *datasync.Schedule) error {
	title, body := s.text.CircuitOpened.Format(sourceLabel(schedule.Source), schedule.ConsecutiveFailures)
	data := map[string]string{
		"schedule_id":   schedule.ID,
		"connection_id": schedule.ConnectionID,
		"source":        string(schedule.Source),
	}
	if schedule.LastError != nil {
		data["last_error"] = *schedule.LastError
	}
	return s.Notify(ctx, schedule.OrganizationID, CategorySchedules, title, body, data)
}

// CriticalDiscrepancies sends one alert summarizing newly detected critical
// discrepancies.
func (s *Service) CriticalDiscrepancies(ctx context.Context, organizationID string, discrepancies []*reconciliation.Discrepancy) error {
	if len(discrepancies) == 0 {
		return nil
	}

	ids := make([]string, len(discrepancies))
	for i, d := range discrepancies {
		ids[i] = d.ID
	}

	title, body := s.text.CriticalDiscrepancy.Title, discrepancies[0].Description
	if len(discrepancies) > 1 {
		title, body = s.text.CriticalDiscrepancies.Format(len(discrepancies))
	}
	return s.Notify(ctx, organizationID, CategoryReconciliation, title, body, map[string]string{
		"discrepancy_ids": strings.Join(ids, ","),
	})
}

// Notify sends a push notification to the organization's topic.
// Respects alert preferences and creates an alert record. A delivery failure
// is logged and recorded on the alert rather than returned.
func (s *Service) Notify(ctx context.Context, organizationID, category, title, body string, data map[string]string) error {
	if !IsValidCategory(category) {
		return ErrInvalidCategory
	}

	prefs, err := s.GetPreferences(ctx, organizationID)
	if err != nil {
		return err
	}

	log := s.logger.WithFields(logrus.Fields{"organization_id": organizationID, "category": category})
	if !prefs.IsCategoryEnabled(category) {
		log.Debug("alert skipped: category disabled")
		return nil
	}

	if data == nil {
		data = make(map[string]string)
	}
	if _, ok := data["route"]; !ok {
		data["route"] = category
	}

	delivered := false
	if s.messenger != nil {
		if err := s.messenger.SendToTopic(ctx, TopicFor(organizationID), title, body, data); err != nil {
			log.WithError(err).Warn("alert delivery failed")
		} else {
			delivered = true
		}
	}

	if _, err := s.repo.CreateAlert(ctx, CreateAlertParams{
		OrganizationID: organizationID,
		Title:          title,
		Message:        body,
		Category:       category,
		Data:           data,
		Delivered:      delivered,
	}); err != nil {
		return fmt.Errorf("record alert: %w", err)
	}

	log.WithField("delivered", delivered).Info("alert sent")
	return nil
}

func sourceLabel(s connection.Source) string {
	switch s {
	case connection.SourcePlaid:
		return "bank"
	case connection.SourceQuickBooks:
		return "QuickBooks"
	case connection.SourceXero:
		return "Xero"
	case connection.SourceStripe:
		return "Stripe"
	default:
		return string(s)
	}
}
