package datasync

import (
	"context"
	"fmt"
	"sort"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/ledger"
)

// Credentials are what an adapter needs for one fetch.
type Credentials struct {
	Connection  *connection.Connection
	AccessToken string
	Cursor      *string
}

// TransactionBatch is a page of transactions plus the provider cursor to resume from.
type TransactionBatch struct {
	Transactions []ledger.Transaction
	Cursor       *string
}

// Adapter is the uniform capability every source provider implements.
// Fetches a provider does not support return empty results.
// Auth-class rejections must wrap ErrUnauthorized; an unusable refresh token
// must wrap ErrAuthExpired.
type Adapter interface {
	Source() connection.Source
	RefreshCredentials(ctx context.Context, conn *connection.Connection) (connection.Tokens, error)
	FetchTransactions(ctx context.Context, creds Credentials, window ledger.DateRange) (TransactionBatch, error)
	FetchInvoices(ctx context.Context, creds Credentials, window ledger.DateRange) ([]ledger.Invoice, error)
	FetchBills(ctx context.Context, creds Credentials, window ledger.DateRange) ([]ledger.Invoice, error)
}

// Registry maps each source to its adapter. It is fixed at construction.
type Registry struct {
	adapters map[connection.Source]Adapter
}

// NewRegistry builds a registry. Duplicate or unknown sources are configuration errors.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[connection.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		source := a.Source()
		if !source.Valid() {
			return nil, newSyncError(KindConfiguration, source, "", connection.ErrUnknownSource)
		}
		if _, exists := r.adapters[source]; exists {
			return nil, newSyncError(KindConfiguration, source, "", fmt.Errorf("duplicate adapter"))
		}
		r.adapters[source] = a
	}
	return r, nil
}

// Get returns the adapter for source or a configuration error.
func (r *Registry) Get(source connection.Source) (Adapter, error) {
	a, ok := r.adapters[source]
	if !ok {
		return nil, newSyncError(KindConfiguration, source, "", fmt.Errorf("no adapter registered for source %q", source))
	}
	return a, nil
}

// Sources lists registered sources in a stable order.
func (r *Registry) Sources() []connection.Source {
	out := make([]connection.Source, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
