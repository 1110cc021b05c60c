// Package plaid adapts the Plaid bank feed to the sync executor.
package plaid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/infrastructure/providers/httpx"
)

const (
	pageSize = 500
	// Plaid asks clients to restart pagination from the original cursor
	// when data changes mid-sync.
	maxSyncAttempts = 3
)

// Plaid error codes that mean the item needs the user to log in again.
var expiredCodes = map[string]bool{
	"ITEM_LOGIN_REQUIRED":     true,
	"ITEM_NOT_FOUND":          true,
	"ACCESS_NOT_GRANTED":      true,
	"USER_PERMISSION_REVOKED": true,
}

type Config struct {
	ClientID          string
	Secret            string
	Environment       string
	RequestsPerSecond float64
	Transport         http.RoundTripper
}

type Adapter struct {
	api *plaid.PlaidApiService
}

var _ datasync.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	configuration.UseEnvironment(environment(cfg.Environment))
	configuration.HTTPClient = &http.Client{
		Timeout:   60 * time.Second,
		Transport: httpx.NewTransport(cfg.Transport, cfg.RequestsPerSecond),
	}

	return &Adapter{api: plaid.NewAPIClient(configuration).PlaidApi}
}

func environment(env string) plaid.Environment {
	switch {
	case env == "production":
		return plaid.Production
	case env == "development":
		return plaid.Development
	case strings.HasPrefix(env, "http"):
		return plaid.Environment(env)
	default:
		return plaid.Sandbox
	}
}

func (a *Adapter) Source() connection.Source {
	return connection.SourcePlaid
}

// RefreshCredentials always fails: Plaid access tokens do not expire and
// cannot be refreshed, so an auth rejection needs the user to relink.
func (a *Adapter) RefreshCredentials(ctx context.Context, conn *connection.Connection) (connection.Tokens, error) {
	return connection.Tokens{}, fmt.Errorf("%w: plaid item must be relinked", datasync.ErrAuthExpired)
}

// FetchTransactions pages through /transactions/sync from the stored cursor.
// The window is ignored; the cursor alone decides what is new.
func (a *Adapter) FetchTransactions(ctx context.Context, creds datasync.Credentials, _ ledger.DateRange) (datasync.TransactionBatch, error) {
	var start string
	if creds.Cursor != nil {
		start = *creds.Cursor
	}

	var lastErr error
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		batch, err := a.syncFrom(ctx, creds.AccessToken, start)
		if err == nil {
			return batch, nil
		}
		if errorCode(err) != "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION" {
			return datasync.TransactionBatch{}, err
		}
		lastErr = err
	}
	return datasync.TransactionBatch{}, lastErr
}

func (a *Adapter) syncFrom(ctx context.Context, accessToken, cursor string) (datasync.TransactionBatch, error) {
	var out []ledger.Transaction
	next := cursor

	for {
		req := plaid.NewTransactionsSyncRequest(accessToken)
		req.SetCount(pageSize)
		if next != "" {
			req.SetCursor(next)
		}

		resp, _, err := a.api.TransactionsSync(ctx).TransactionsSyncRequest(*req).Execute()
		if err != nil {
			return datasync.TransactionBatch{}, mapError(err)
		}

		for _, txn := range resp.GetAdded() {
			if t, ok := toLedger(txn); ok {
				out = append(out, t)
			}
		}
		for _, txn := range resp.GetModified() {
			if t, ok := toLedger(txn); ok {
				out = append(out, t)
			}
		}

		next = resp.GetNextCursor()
		if !resp.GetHasMore() {
			break
		}
	}

	return datasync.TransactionBatch{Transactions: out, Cursor: &next}, nil
}

// toLedger converts a posted Plaid transaction. Plaid amounts are positive
// for money leaving the account, so the sign is flipped.
func toLedger(txn plaid.Transaction) (ledger.Transaction, bool) {
	if txn.GetPending() {
		return ledger.Transaction{}, false
	}
	date, err := time.Parse(time.DateOnly, txn.GetDate())
	if err != nil {
		return ledger.Transaction{}, false
	}

	amount := decimal.NewFromFloat(txn.GetAmount()).Neg()
	vendor := txn.GetMerchantName()
	if vendor == "" {
		vendor = txn.GetName()
	}

	return ledger.Transaction{
		Source:      connection.SourcePlaid,
		ExternalID:  txn.GetTransactionId(),
		Date:        date,
		Amount:      amount,
		VendorName:  vendor,
		Description: txn.GetName(),
		Direction:   ledger.DirectionOf(amount),
	}, true
}

// FetchInvoices is unsupported for a bank feed.
func (a *Adapter) FetchInvoices(context.Context, datasync.Credentials, ledger.DateRange) ([]ledger.Invoice, error) {
	return nil, nil
}

// FetchBills is unsupported for a bank feed.
func (a *Adapter) FetchBills(context.Context, datasync.Credentials, ledger.DateRange) ([]ledger.Invoice, error) {
	return nil, nil
}

type apiError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type plaidError struct {
	apiError
}

func (e *plaidError) Error() string {
	return fmt.Sprintf("plaid error %s/%s: %s", e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

func mapError(err error) error {
	var oe plaid.GenericOpenAPIError
	if !errors.As(err, &oe) {
		return err
	}
	var body apiError
	if jsonErr := json.Unmarshal(oe.Body(), &body); jsonErr != nil || body.ErrorCode == "" {
		return fmt.Errorf("plaid error: %s", string(oe.Body()))
	}

	pe := &plaidError{apiError: body}
	switch {
	case expiredCodes[body.ErrorCode]:
		return fmt.Errorf("%w: %v", datasync.ErrAuthExpired, pe)
	case body.ErrorCode == "INVALID_ACCESS_TOKEN":
		return fmt.Errorf("%w: %v", datasync.ErrUnauthorized, pe)
	default:
		return pe
	}
}

func errorCode(err error) string {
	var pe *plaidError
	if errors.As(err, &pe) {
		return pe.ErrorCode
	}
	return ""
}
