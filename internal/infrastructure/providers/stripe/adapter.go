// Package stripe adapts Stripe billing invoices.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/infrastructure/providers/httpx"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	pageLimit      = 100
)

type Config struct {
	// APIKey is the platform secret key used for connected accounts that
	// carry no token of their own.
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Transport         http.RoundTripper
	Now               func() time.Time
}

type Adapter struct {
	client *httpx.Client
	apiKey string
	now    func() time.Time
}

var _ datasync.Adapter = (*Adapter)(nil)

func NewAdapter(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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
		apiKey: cfg.APIKey,
		now:    cfg.Now,
	}
}

func (a *Adapter) Source() connection.Source {
	return connection.SourceStripe
}

// RefreshCredentials fails: Stripe keys are not refreshable, a rejected key
// means the account disconnected the platform.
func (a *Adapter) RefreshCredentials(context.Context, *connection.Connection) (connection.Tokens, error) {
	return connection.Tokens{}, fmt.Errorf("%w: stripe account access revoked", datasync.ErrAuthExpired)
}

func (a *Adapter) FetchTransactions(context.Context, datasync.Credentials, ledger.DateRange) (datasync.TransactionBatch, error) {
	return datasync.TransactionBatch{}, nil
}

func (a *Adapter) FetchBills(context.Context, datasync.Credentials, ledger.DateRange) ([]ledger.Invoice, error) {
	return nil, nil
}

type stripeInvoice struct {
	ID              string `json:"id"`
	Number          string `json:"number"`
	Status          string `json:"status"`
	Created         int64  `json:"created"`
	DueDate         *int64 `json:"due_date"`
	Total           int64  `json:"total"`
	AmountPaid      int64  `json:"amount_paid"`
	AmountRemaining int64  `json:"amount_remaining"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
}

type listResponse struct {
	Data    []stripeInvoice `json:"data"`
	HasMore bool            `json:"has_more"`
}

func (a *Adapter) FetchInvoices(ctx context.Context, creds datasync.Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	req := httpx.Request{Path: "/v1/invoices", BasicUser: creds.AccessToken}
	if req.BasicUser == "" {
		req.BasicUser = a.apiKey
		req.Headers = map[string]string{"Stripe-Account": creds.Connection.ExternalID}
	}

	today := a.now()
	var out []ledger.Invoice
	after := ""

	for {
		q := url.Values{"limit": {strconv.Itoa(pageLimit)}}
		if !window.From.IsZero() {
			q.Set("created[gte]", strconv.FormatInt(window.From.Unix(), 10))
		}
		if after != "" {
			q.Set("starting_after", after)
		}
		req.Query = q

		var resp listResponse
		if err := a.client.GetJSON(ctx, req, &resp); err != nil {
			return nil, fmt.Errorf("stripe invoices: %w", err)
		}

		for _, inv := range resp.Data {
			if converted, ok := convert(inv, today); ok {
				out = append(out, converted)
			}
		}
		if !resp.HasMore || len(resp.Data) == 0 {
			return out, nil
		}
		after = resp.Data[len(resp.Data)-1].ID
	}
}

// cents converts Stripe's integer minor units.
func cents(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func convert(inv stripeInvoice, today time.Time) (ledger.Invoice, bool) {
	if inv.Status == "draft" {
		return ledger.Invoice{}, false
	}

	name := inv.CustomerName
	if name == "" {
		name = inv.CustomerEmail
	}
	out := ledger.Invoice{
		Source:           connection.SourceStripe,
		ExternalID:       inv.ID,
		Type:             ledger.TypeInvoice,
		Number:           inv.Number,
		Date:             time.Unix(inv.Created, 0).UTC(),
		TotalAmount:      cents(inv.Total),
		CounterpartyName: name,
	}
	if inv.DueDate != nil {
		due := time.Unix(*inv.DueDate, 0).UTC()
		out.DueDate = &due
	}

	switch {
	case inv.Status == "void" || inv.Status == "uncollectible":
		out.Status = ledger.StatusVoid
	case inv.Status == "paid":
		out.Status = ledger.StatusPaid
	case out.DueDate != nil && out.DueDate.Before(today):
		out.Status = ledger.StatusOverdue
	case inv.AmountPaid > 0:
		out.Status = ledger.StatusPartial
	default:
		out.Status = ledger.StatusOpen
	}
	return out, true
}
