package reconciliation

import "context"

// MatchRepository defines the interface for match data access
type MatchRepository interface {
	// Upsert inserts the pair or refreshes an existing suggested row. Rows a
	// human has confirmed or rejected, and rows already matched, are returned
	// unchanged.
	Upsert(ctx context.Context, params UpsertMatchParams) (*Match, error)
	GetByID(ctx context.Context, id string) (*Match, error)
	// GetActiveByTransaction returns the matched or confirmed row for a transaction.
	GetActiveByTransaction(ctx context.Context, transactionID string) (*Match, error)
	ListByStatus(ctx context.Context, organizationID string, statuses ...MatchStatus) ([]*Match, error)
	// DeleteSuggestions removes suggested rows for a transaction except the one
	// pairing it with keepInvoiceID. An empty keepInvoiceID removes all.
	DeleteSuggestions(ctx context.Context, transactionID, keepInvoiceID string) error
	UpdateReview(ctx context.Context, id string, params ReviewParams) (*Match, error)
	CountByStatus(ctx context.Context, organizationID string) (map[MatchStatus]int, error)
}

// DiscrepancyRepository defines the interface for discrepancy data access
type DiscrepancyRepository interface {
	// Upsert inserts or refreshes an open discrepancy. Resolved and ignored
	// rows are never reopened; created is true only for a new row.
	Upsert(ctx context.Context, params UpsertDiscrepancyParams) (d *Discrepancy, created bool, err error)
	GetByID(ctx context.Context, id string) (*Discrepancy, error)
	ListOpen(ctx context.Context, organizationID string) ([]*Discrepancy, error)
	Resolve(ctx context.Context, id string, params ResolveParams) (*Discrepancy, error)
	// ResolveOpenFor closes open discrepancies of typ that reference the
	// transaction or invoice. Empty ids are ignored.
	ResolveOpenFor(ctx context.Context, organizationID string, typ DiscrepancyType, transactionID, invoiceID string, params ResolveParams) (int64, error)
	CountOpen(ctx context.Context, organizationID string) ([]DiscrepancyCount, error)
}
