package firebase

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"ledgerlink/internal/shared/logging"
)

// FCM accepts at most 1000 registration tokens per topic subscription call.
const topicBatchLimit = 1000

// sender is the subset of *messaging.Client used here
type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// Client implements notification.Messenger using Firebase Cloud Messaging
type Client struct {
	msgClient sender
	logger    logrus.FieldLogger
}

// NewClient initializes a Firebase app and returns an FCM client.
func NewClient(ctx context.Context, credentialsFile string, logger logrus.FieldLogger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return newClient(msgClient, logger), nil
}

func newClient(s sender, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{msgClient: s, logger: logger.WithField("component", "fcm")}
}

// SendToTopic sends a push notification to every device subscribed to topic
func (c *Client) SendToTopic(ctx context.Context, topic string, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	id, err := c.msgClient.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	c.logger.WithFields(logrus.Fields{"topic": topic, "message_id": id}).Debug("FCM topic message sent")
	return nil
}

// SubscribeToTopic subscribes device tokens to topic.
// Automatically batches into chunks of 1000 (Firebase API limit).
// Individual token failures are logged; only transport errors are returned.
func (c *Client) SubscribeToTopic(ctx context.Context, tokens []string, topic string) error {
	if len(tokens) == 0 {
		return nil
	}

	var totalSuccess, totalFailure int
	for _, batch := range chunkTokens(tokens, topicBatchLimit) {
		resp, err := c.msgClient.SubscribeToTopic(ctx, batch, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to FCM topic: %w", err)
		}

		totalSuccess += resp.SuccessCount
		totalFailure += resp.FailureCount
		for _, e := range resp.Errors {
			c.logger.WithFields(logrus.Fields{"topic": topic, "index": e.Index, "reason": e.Reason}).Warn("FCM token rejected")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"success": totalSuccess,
		"failure": totalFailure,
	}).Info("FCM topic subscription")
	return nil
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, tokens[i:end])
	}
	return chunks
}
