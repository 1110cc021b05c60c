package notification

import "context"

// Repository defines the interface for alert data access.
// Defined in the domain layer, implemented in the infrastructure layer.
type Repository interface {
	// Preferences
	GetPreferences(ctx context.Context, organizationID string) (*Preferences, error)
	UpsertPreferences(ctx context.Context, organizationID string, params UpdatePreferenceParams) (*Preferences, error)

	// Alerts
	CreateAlert(ctx context.Context, params CreateAlertParams) (*Alert, error)
	ListByOrganization(ctx context.Context, organizationID string, page, perPage int) ([]*Alert, int, error)
}
