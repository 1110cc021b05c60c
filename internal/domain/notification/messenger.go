package notification

import "context"

// Messenger delivers push notifications to a topic that an organization's
// devices subscribe to. Implemented by the Firebase FCM client in the
// infrastructure layer.
type Messenger interface {
	SendToTopic(ctx context.Context, topic string, title, body string, data map[string]string) error
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) error
}

// TopicFor returns the FCM topic for an organization.
func TopicFor(organizationID string) string {
	return "org-" + organizationID
}
