package connection

import "context"

// Repository defines the interface for connection data access.
// Token fields are stored encrypted; implementations return them decrypted.
type Repository interface {
	// Create inserts a connection or, for a known (source, external id),
	// replaces its tokens and marks it active again.
	Create(ctx context.Context, params CreateParams) (*Connection, error)
	GetByID(ctx context.Context, id string) (*Connection, error)
	GetByExternalID(ctx context.Context, source Source, externalID string) (*Connection, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Connection, error)
	UpdateTokens(ctx context.Context, id string, tokens Tokens) error
	MarkExpired(ctx context.Context, id string) error
}
