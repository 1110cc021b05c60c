// Package xero adapts the Xero accounting API.
package xero

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/infrastructure/providers/httpx"
)

const (
	defaultBaseURL  = "https://api.xero.com/api.xro/2.0"
	defaultTokenURL = "https://identity.xero.com/connect/token"
	pageSize        = 100

	typeReceivable = "ACCREC"
	typePayable    = "ACCPAY"
)

type Config struct {
	ClientID          string
	ClientSecret      string
	BaseURL           string
	TokenURL          string
	RequestsPerSecond float64
	Transport         http.RoundTripper
	Now               func() time.Time
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
	return connection.SourceXero
}

// RefreshCredentials rotates the token pair. Xero refresh tokens are single
// use, so the new one must be persisted before the next refresh.
func (a *Adapter) RefreshCredentials(ctx context.Context, conn *connection.Connection) (connection.Tokens, error) {
	return httpx.RefreshTokens(ctx, a.oauth, a.client.HTTPClient(), conn.RefreshToken)
}

func (a *Adapter) FetchTransactions(context.Context, datasync.Credentials, ledger.DateRange) (datasync.TransactionBatch, error) {
	return datasync.TransactionBatch{}, nil
}

func (a *Adapter) FetchInvoices(ctx context.Context, creds datasync.Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	return a.fetch(ctx, creds, window, typeReceivable)
}

func (a *Adapter) FetchBills(ctx context.Context, creds datasync.Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	return a.fetch(ctx, creds, window, typePayable)
}

type contact struct {
	Name string `json:"Name"`
}

type invoice struct {
	InvoiceID     string          `json:"InvoiceID"`
	InvoiceNumber string          `json:"InvoiceNumber"`
	Type          string          `json:"Type"`
	Status        string          `json:"Status"`
	DateString    string          `json:"DateString"`
	DueDateString string          `json:"DueDateString"`
	Total         decimal.Decimal `json:"Total"`
	AmountDue     decimal.Decimal `json:"AmountDue"`
	AmountPaid    decimal.Decimal `json:"AmountPaid"`
	Contact       contact         `json:"Contact"`
}

type invoicesResponse struct {
	Invoices []invoice `json:"Invoices"`
}

func (a *Adapter) fetch(ctx context.Context, creds datasync.Credentials, window ledger.DateRange, kind string) ([]ledger.Invoice, error) {
	headers := map[string]string{"xero-tenant-id": creds.Connection.ExternalID}
	if !window.From.IsZero() {
		headers["If-Modified-Since"] = window.From.UTC().Format(http.TimeFormat)
	}

	today := a.now()
	var out []ledger.Invoice

	for page := 1; ; page++ {
		var resp invoicesResponse
		err := a.client.GetJSON(ctx, httpx.Request{
			Path: "/Invoices",
			Query: url.Values{
				"where": {fmt.Sprintf("Type==%q", kind)},
				"page":  {strconv.Itoa(page)},
			},
			Headers: headers,
			Bearer:  creds.AccessToken,
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("xero invoices page %d: %w", page, err)
		}

		for _, inv := range resp.Invoices {
			if converted, ok := convert(inv, today); ok {
				out = append(out, converted)
			}
		}
		if len(resp.Invoices) < pageSize {
			return out, nil
		}
	}
}

// Xero DateString values carry no zone, e.g. 2026-05-01T00:00:00.
const xeroDate = "2006-01-02T15:04:05"

func convert(inv invoice, today time.Time) (ledger.Invoice, bool) {
	if inv.Status == "DRAFT" || inv.Status == "DELETED" {
		return ledger.Invoice{}, false
	}
	date, err := time.Parse(xeroDate, inv.DateString)
	if err != nil {
		return ledger.Invoice{}, false
	}

	out := ledger.Invoice{
		Source:           connection.SourceXero,
		ExternalID:       inv.InvoiceID,
		Type:             ledger.TypeInvoice,
		Number:           inv.InvoiceNumber,
		Date:             date,
		TotalAmount:      inv.Total,
		CounterpartyName: inv.Contact.Name,
	}
	if inv.Type == typePayable {
		out.Type = ledger.TypeBill
	}
	if due, err := time.Parse(xeroDate, inv.DueDateString); err == nil {
		out.DueDate = &due
	}

	switch {
	case inv.Status == "VOIDED":
		out.Status = ledger.StatusVoid
	case inv.Status == "PAID":
		out.Status = ledger.StatusPaid
	case out.DueDate != nil && out.DueDate.Before(today):
		out.Status = ledger.StatusOverdue
	case inv.AmountPaid.IsPositive():
		out.Status = ledger.StatusPartial
	default:
		out.Status = ledger.StatusOpen
	}
	return out, true
}
