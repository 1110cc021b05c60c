package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"ledgerlink/internal/domain/datasync"
)

const EventSyncCompleted = "sync.completed"

// SyncCompletedEvent is the message body published for every terminal job.
type SyncCompletedEvent struct {
	JobID          string    `json:"job_id"`
	OrganizationID string    `json:"organization_id"`
	Source         string    `json:"source"`
	ConnectionID   string    `json:"connection_id"`
	Trigger        string    `json:"trigger"`
	Status         string    `json:"status"`
	ItemsSynced    int       `json:"items_synced"`
	ItemsCreated   int       `json:"items_created"`
	ItemsUpdated   int       `json:"items_updated"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

type topic interface {
	publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type gcpTopic struct {
	t *pubsub.Topic
}

func (g gcpTopic) publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return g.t.Publish(ctx, msg).Get(ctx)
}

// Publisher implements datasync.EventPublisher with Google Cloud Pub/Sub.
type Publisher struct {
	client *pubsub.Client
	topic  topic
}

var _ datasync.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Pub/Sub client for projectID and binds topicName.
// credentialsFile may be empty to use Application Default Credentials.
func NewPublisher(ctx context.Context, projectID, topicName, credentialsFile string) (*Publisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	t := client.Topic(topicName)
	ok, err := t.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check topic %q: %w", topicName, err)
	}
	if !ok {
		if t, err = client.CreateTopic(ctx, topicName); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic %q: %w", topicName, err)
		}
	}

	return &Publisher{client: client, topic: gcpTopic{t: t}}, nil
}

func (p *Publisher) PublishSyncCompleted(ctx context.Context, job *datasync.Job) error {
	msg, err := syncCompletedMessage(job)
	if err != nil {
		return err
	}
	if _, err := p.topic.publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s for job %s: %w", EventSyncCompleted, job.ID, err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	if g, ok := p.topic.(gcpTopic); ok {
		g.t.Stop()
	}
	return p.client.Close()
}

func syncCompletedMessage(job *datasync.Job) (*pubsub.Message, error) {
	event := SyncCompletedEvent{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Source:         string(job.Source),
		ConnectionID:   job.ConnectionID,
		Trigger:        string(job.Trigger),
		Status:         string(job.Status),
		ItemsSynced:    job.ItemsSynced,
		ItemsCreated:   job.ItemsCreated,
		ItemsUpdated:   job.ItemsUpdated,
	}
	if job.ErrorMessage != nil {
		event.Error = *job.ErrorMessage
	}
	if job.CompletedAt != nil {
		event.CompletedAt = *job.CompletedAt
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type":      EventSyncCompleted,
			"organization_id": job.OrganizationID,
			"source":          string(job.Source),
			"status":          string(job.Status),
		},
	}, nil
}
