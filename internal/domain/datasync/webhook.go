package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/connection"
)

var (
	ErrWebhookUncorrelated = errors.New("webhook does not reference a known connection")
	ErrWebhookNoSchedule   = errors.New("no enabled schedule for webhook connection")
)

type plaidWebhook struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
}

type quickBooksWebhook struct {
	EventNotifications []struct {
		RealmID string `json:"realmId"`
	} `json:"eventNotifications"`
}

type xeroWebhook struct {
	Events []struct {
		TenantID string `json:"tenantId"`
	} `json:"events"`
}

type stripeWebhook struct {
	Type    string `json:"type"`
	Account string `json:"account"`
}

// ExternalIDs returns the provider link identifiers a webhook payload refers
// to, in payload order with duplicates removed.
func ExternalIDs(source connection.Source, payload []byte) ([]string, error) {
	var ids []string
	switch source {
	case connection.SourcePlaid:
		var body plaidWebhook
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("invalid plaid webhook: %w", err)
		}
		ids = append(ids, body.ItemID)
	case connection.SourceQuickBooks:
		var body quickBooksWebhook
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("invalid quickbooks webhook: %w", err)
		}
		for _, n := range body.EventNotifications {
			ids = append(ids, n.RealmID)
		}
	case connection.SourceXero:
		var body xeroWebhook
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("invalid xero webhook: %w", err)
		}
		for _, e := range body.Events {
			ids = append(ids, e.TenantID)
		}
	case connection.SourceStripe:
		var body stripeWebhook
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("invalid stripe webhook: %w", err)
		}
		ids = append(ids, body.Account)
	default:
		return nil, connection.ErrUnknownSource
	}

	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// HandleWebhook records an inbound event, correlates it to a connection and
// runs an immediate sync. The event is persisted before anything else, so an
// error is returned only when that write fails; correlation and sync failures
// are recorded on the event.
func (s *Service) HandleWebhook(ctx context.Context, source connection.Source, eventType string, payload []byte) (*WebhookEvent, error) {
	ctx, span := tracer.Start(ctx, "datasync.HandleWebhook")
	defer span.End()

	event, err := s.webhooks.Create(ctx, CreateWebhookEventParams{
		Source:     source,
		EventType:  eventType,
		RawPayload: string(payload),
		ReceivedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"webhook_id": event.ID,
		"source":     source,
		"event_type": eventType,
	})

	targets, err := s.correlateWebhook(ctx, source, payload)
	if err != nil {
		logger.WithError(err).Warn("Webhook not correlated")
		return s.markWebhook(ctx, event, ProcessWebhookEventParams{Error: errorString(err)}), nil
	}

	// Batched deliveries (QuickBooks realms, Xero tenants) sync every
	// referenced connection; the event links to the first.
	var params ProcessWebhookEventParams
	var failures []error
	for i, target := range targets {
		if i == 0 {
			params.ConnectionID = &target.conn.ID
			params.OrganizationID = &target.conn.OrganizationID
		}

		job, err := s.createJob(ctx, target.schedule, target.conn.OrganizationID, source, target.conn.ID, TriggerWebhook)
		if err != nil {
			logger.WithError(err).WithField("connection_id", target.conn.ID).Error("Failed to create webhook sync job")
			failures = append(failures, err)
			continue
		}
		if params.SyncJobID == nil {
			params.SyncJobID = &job.ID
		}

		done := s.ExecuteSyncJob(ctx, job)
		if done.Status == JobFailed && done.ErrorMessage != nil {
			failures = append(failures, errors.New(*done.ErrorMessage))
		}
	}
	if len(failures) > 0 {
		params.Error = errorString(errors.Join(failures...))
	}

	return s.markWebhook(ctx, event, params), nil
}

type webhookTarget struct {
	conn     *connection.Connection
	schedule *Schedule
}

// correlateWebhook resolves every external id in the payload to a connection
// with an enabled schedule. Ids that resolve to nothing are ignored unless
// none resolve.
func (s *Service) correlateWebhook(ctx context.Context, source connection.Source, payload []byte) ([]webhookTarget, error) {
	ids, err := ExternalIDs(source, payload)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrWebhookUncorrelated
	}

	var targets []webhookTarget
	missing := ErrWebhookUncorrelated
	for _, id := range ids {
		conn, err := s.connections.GetByExternalID(ctx, source, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up connection: %w", err)
		}
		if conn == nil {
			continue
		}

		schedule, err := s.schedules.GetByConnection(ctx, source, conn.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up schedule: %w", err)
		}
		if schedule == nil || !schedule.IsEnabled {
			missing = ErrWebhookNoSchedule
			continue
		}
		targets = append(targets, webhookTarget{conn: conn, schedule: schedule})
	}
	if len(targets) == 0 {
		return nil, missing
	}
	return targets, nil
}

func (s *Service) markWebhook(ctx context.Context, event *WebhookEvent, params ProcessWebhookEventParams) *WebhookEvent {
	params.ProcessedAt = s.clock.Now()
	updated, err := s.webhooks.MarkProcessed(ctx, event.ID, params)
	if err != nil {
		s.logger.WithError(err).WithField("webhook_id", event.ID).Error("Failed to mark webhook processed")
		return event
	}
	return updated
}

func errorString(err error) *string {
	msg := err.Error()
	return &msg
}
