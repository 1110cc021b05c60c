package ledger

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"ledgerlink/internal/domain/connection"
)

// Direction of money movement relative to the organization.
type Direction string

const (
	DirectionDebit  Direction = "debit"  // outflow
	DirectionCredit Direction = "credit" // inflow
)

// InvoiceType distinguishes receivables from payables.
type InvoiceType string

const (
	TypeInvoice InvoiceType = "invoice"
	TypeBill    InvoiceType = "bill"
)

type InvoiceStatus string

const (
	StatusOpen    InvoiceStatus = "open"
	StatusPaid    InvoiceStatus = "paid"
	StatusPartial InvoiceStatus = "partial"
	StatusOverdue InvoiceStatus = "overdue"
	StatusVoid    InvoiceStatus = "void"
)

var invoiceStatuses = map[InvoiceStatus]struct{}{
	StatusOpen:    {},
	StatusPaid:    {},
	StatusPartial: {},
	StatusOverdue: {},
	StatusVoid:    {},
}

// Domain errors
var (
	ErrInvalidInvoiceType   = errors.New("invalid invoice type")
	ErrInvalidInvoiceStatus = errors.New("invalid invoice status")
	ErrMissingExternalID    = errors.New("external id is required")
	ErrMissingDate          = errors.New("date is required")
)

// DateRange is an inclusive window of calendar time. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Widen extends both bounds by d.
func (r DateRange) Widen(d time.Duration) DateRange {
	out := r
	if !out.From.IsZero() {
		out.From = out.From.Add(-d)
	}
	if !out.To.IsZero() {
		out.To = out.To.Add(d)
	}
	return out
}

// Transaction is a bank movement produced by a source adapter.
// Amount is signed: negative values are outflows.
type Transaction struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organizationId"`
	ConnectionID   string            `json:"connectionId"`
	Source         connection.Source `json:"source"`
	ExternalID     string            `json:"externalId"`
	Date           time.Time         `json:"date"`
	Amount         decimal.Decimal   `json:"amount"`
	VendorName     string            `json:"vendorName"`
	Description    string            `json:"description,omitempty"`
	Direction      Direction         `json:"direction"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Validate checks the fields an adapter must populate.
func (t Transaction) Validate() error {
	if t.ExternalID == "" {
		return ErrMissingExternalID
	}
	if t.Date.IsZero() {
		return ErrMissingDate
	}
	return nil
}

// Invoice is a receivable (invoice) or payable (bill) from an accounting or billing source.
type Invoice struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organizationId"`
	ConnectionID     string            `json:"connectionId"`
	Source           connection.Source `json:"source"`
	ExternalID       string            `json:"externalId"`
	Type             InvoiceType       `json:"type"`
	Status           InvoiceStatus     `json:"status"`
	Number           string            `json:"number,omitempty"`
	Date             time.Time         `json:"date"`
	DueDate          *time.Time        `json:"dueDate,omitempty"`
	TotalAmount      decimal.Decimal   `json:"totalAmount"`
	CounterpartyName string            `json:"counterpartyName"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func (i Invoice) Validate() error {
	if i.ExternalID == "" {
		return ErrMissingExternalID
	}
	if i.Date.IsZero() {
		return ErrMissingDate
	}
	if i.Type != TypeInvoice && i.Type != TypeBill {
		return ErrInvalidInvoiceType
	}
	if _, ok := invoiceStatuses[i.Status]; !ok {
		return ErrInvalidInvoiceStatus
	}
	return nil
}

// DirectionOf derives the direction from a signed amount.
func DirectionOf(amount decimal.Decimal) Direction {
	if amount.IsNegative() {
		return DirectionDebit
	}
	return DirectionCredit
}

// NormalizeName lowercases a counterparty name, turns punctuation into
// spaces and collapses runs of whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// UpsertResult counts the outcome of a batch upsert.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int
}

func (r *UpsertResult) Add(other UpsertResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

func (r UpsertResult) Total() int {
	return r.Created + r.Updated + r.Skipped
}
