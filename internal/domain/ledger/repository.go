package ledger

import "context"

// Repository stores records produced by source adapters. Upserts are keyed by
// (connection id, external id); unchanged rows count as skipped.
type Repository interface {
	UpsertTransactions(ctx context.Context, txns []Transaction) (UpsertResult, error)
	UpsertInvoices(ctx context.Context, invoices []Invoice) (UpsertResult, error)
	ListTransactions(ctx context.Context, organizationID string, window *DateRange) ([]*Transaction, error)
	ListInvoices(ctx context.Context, organizationID string, window *DateRange) ([]*Invoice, error)
	CountTransactions(ctx context.Context, organizationID string) (int, error)
}
