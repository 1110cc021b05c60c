// Package quickbooks adapts the QuickBooks Online accounting API.
package quickbooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/infrastructure/providers/httpx"
)

const (
	defaultBaseURL  = "https://quickbooks.api.intuit.com"
	defaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	maxResults      = 1000
	minorVersion    = "73"
)

type Config struct {
	ClientID          string
	ClientSecret      string
	BaseURL           string
	TokenURL          string
	RequestsPerSecond float64
	Transport         http.RoundTripper
	// Now is used to decide whether an unpaid invoice is overdue.
	Now func() time.Time
}

type Adapter struct {
	client *httpx.Client
	oauth  *oauth2.Config
	now    func() time.Time
}

var _ datasync.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		client: httpx.NewClient(httpx.Config{
			BaseURL:           cfg.BaseURL,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Transport:         cfg.Transport,
		}),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		},
		now: cfg.Now,
	}
}

func (a *Adapter) Source() connection.Source {
	return connection.SourceQuickBooks
}

func (a *Adapter) RefreshCredentials(ctx context.Context, conn *connection.Connection) (connection.Tokens, error) {
	return httpx.RefreshTokens(ctx, a.oauth, a.client.HTTPClient(), conn.RefreshToken)
}

// FetchTransactions returns nothing: bank movements come from the bank feed.
func (a *Adapter) FetchTransactions(context.Context, datasync.Credentials, ledger.DateRange) (datasync.TransactionBatch, error) {
	return datasync.TransactionBatch{}, nil
}

func (a *Adapter) FetchInvoices(ctx context.Context, creds datasync.Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	docs, err := a.query(ctx, creds, "Invoice", window)
	if err != nil {
		return nil, err
	}
	return a.convert(docs, ledger.TypeInvoice), nil
}

func (a *Adapter) FetchBills(ctx context.Context, creds datasync.Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	docs, err := a.query(ctx, creds, "Bill", window)
	if err != nil {
		return nil, err
	}
	return a.convert(docs, ledger.TypeBill), nil
}

type ref struct {
	Name string `json:"name"`
}

// document covers the fields shared by QBO Invoice and Bill entities.
type document struct {
	ID          string          `json:"Id"`
	DocNumber   string          `json:"DocNumber"`
	TxnDate     string          `json:"TxnDate"`
	DueDate     string          `json:"DueDate"`
	TotalAmt    decimal.Decimal `json:"TotalAmt"`
	Balance     decimal.Decimal `json:"Balance"`
	PrivateNote string          `json:"PrivateNote"`
	CustomerRef *ref            `json:"CustomerRef"`
	VendorRef   *ref            `json:"VendorRef"`
}

type queryResponse struct {
	QueryResponse struct {
		Invoice       []document `json:"Invoice"`
		Bill          []document `json:"Bill"`
		StartPosition int        `json:"startPosition"`
		MaxResults    int        `json:"maxResults"`
	} `json:"QueryResponse"`
}

func (a *Adapter) query(ctx context.Context, creds datasync.Credentials, entity string, window ledger.DateRange) ([]document, error) {
	realm := creds.Connection.ExternalID
	var out []document

	for start := 1; ; start += maxResults {
		q := fmt.Sprintf("SELECT * FROM %s%s STARTPOSITION %d MAXRESULTS %d", entity, where(window), start, maxResults)

		var resp queryResponse
		err := a.client.GetJSON(ctx, httpx.Request{
			Path:   "/v3/company/" + url.PathEscape(realm) + "/query",
			Query:  url.Values{"query": {q}, "minorversion": {minorVersion}},
			Bearer: creds.AccessToken,
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("quickbooks %s query: %w", strings.ToLower(entity), err)
		}

		page := resp.QueryResponse.Invoice
		if entity == "Bill" {
			page = resp.QueryResponse.Bill
		}
		out = append(out, page...)
		if len(page) < maxResults {
			return out, nil
		}
	}
}

// where filters on last update so edited documents are picked up even when
// their transaction date is old.
func where(window ledger.DateRange) string {
	if window.From.IsZero() {
		return ""
	}
	return fmt.Sprintf(" WHERE MetaData.LastUpdatedTime >= '%s'", window.From.UTC().Format(time.RFC3339))
}

func (a *Adapter) convert(docs []document, kind ledger.InvoiceType) []ledger.Invoice {
	today := a.now()
	out := make([]ledger.Invoice, 0, len(docs))

	for _, d := range docs {
		date, err := time.Parse(time.DateOnly, d.TxnDate)
		if err != nil {
			continue
		}
		inv := ledger.Invoice{
			Source:      connection.SourceQuickBooks,
			ExternalID:  d.ID,
			Type:        kind,
			Number:      d.DocNumber,
			Date:        date,
			TotalAmount: d.TotalAmt,
		}
		if due, err := time.Parse(time.DateOnly, d.DueDate); err == nil {
			inv.DueDate = &due
		}
		switch {
		case d.CustomerRef != nil:
			inv.CounterpartyName = d.CustomerRef.Name
		case d.VendorRef != nil:
			inv.CounterpartyName = d.VendorRef.Name
		}
		inv.Status = status(d, inv.DueDate, today)
		out = append(out, inv)
	}
	return out
}

// status derives a lifecycle state from the open balance. QBO has no void
// flag on the entity; voiding zeroes the amounts and stamps the memo.
func status(d document, due *time.Time, today time.Time) ledger.InvoiceStatus {
	switch {
	case strings.Contains(d.PrivateNote, "Voided"):
		return ledger.StatusVoid
	case d.Balance.IsZero():
		return ledger.StatusPaid
	case due != nil && due.Before(today):
		return ledger.StatusOverdue
	case d.Balance.LessThan(d.TotalAmt):
		return ledger.StatusPartial
	default:
		return ledger.StatusOpen
	}
}
