package reconciliation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus of a transaction/invoice pairing.
type MatchStatus string

const (
	MatchSuggested MatchStatus = "suggested"
	MatchMatched   MatchStatus = "matched"
	MatchConfirmed MatchStatus = "confirmed"
	MatchRejected  MatchStatus = "rejected"
)

// IsActive reports whether the match consumes its transaction.
func (s MatchStatus) IsActive() bool {
	return s == MatchMatched || s == MatchConfirmed
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Criteria tags recorded in Match.MatchedOn.
const (
	TagExactAmount   = "exact_amount"
	TagAmount        = "amount"
	TagDateClose     = "date_close"
	TagDate          = "date"
	TagVendor        = "vendor"
	TagPartialVendor = "partial_vendor"
	TagType          = "type"
)

type DiscrepancyType string

const (
	MissingInvoice DiscrepancyType = "missing_invoice"
	MissingPayment DiscrepancyType = "missing_payment"
	AmountMismatch DiscrepancyType = "amount_mismatch"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Resolution string

const (
	ResolutionOpen     Resolution = "open"
	ResolutionResolved Resolution = "resolved"
	ResolutionIgnored  Resolution = "ignored"
)

// SystemActor resolves discrepancies that a later match explains.
const SystemActor = "system"

// Domain errors
var (
	ErrMatchNotFound        = errors.New("match not found")
	ErrDiscrepancyNotFound  = errors.New("discrepancy not found")
	ErrActiveMatchExists    = errors.New("transaction already has an active match")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidResolution    = errors.New("resolution must be resolved or ignored")
	ErrActorRequired        = errors.New("reviewer is required")
	ErrOrganizationRequired = errors.New("organization id is required")
)

// Match links a transaction to an invoice with a score.
type Match struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organizationId"`
	TransactionID     string          `json:"transactionId"`
	InvoiceID         string          `json:"invoiceId"`
	Status            MatchStatus     `json:"status"`
	Confidence        Confidence      `json:"confidence"`
	ConfidenceScore   float64         `json:"confidenceScore"`
	MatchedOn         []string        `json:"matchedOn"`
	TransactionAmount decimal.Decimal `json:"transactionAmount"`
	InvoiceAmount     decimal.Decimal `json:"invoiceAmount"`
	AmountDifference  decimal.Decimal `json:"amountDifference"`
	ReviewedBy        *string         `json:"reviewedBy,omitempty"`
	ReviewedAt        *time.Time      `json:"reviewedAt,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Discrepancy is an unexplained difference awaiting human attention.
// Transaction and invoice ids are empty when not applicable.
type Discrepancy struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Type           DiscrepancyType `json:"type"`
	Severity       Severity        `json:"severity"`
	Resolution     Resolution      `json:"resolution"`
	TransactionID  string          `json:"transactionId,omitempty"`
	InvoiceID      string          `json:"invoiceId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	ResolvedBy     *string         `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// UpsertMatchParams is keyed by (TransactionID, InvoiceID).
type UpsertMatchParams struct {
	OrganizationID    string
	TransactionID     string
	InvoiceID         string
	Status            MatchStatus
	Confidence        Confidence
	ConfidenceScore   float64
	MatchedOn         []string
	TransactionAmount decimal.Decimal
	InvoiceAmount     decimal.Decimal
	AmountDifference  decimal.Decimal
}

// UpsertDiscrepancyParams is keyed by (OrganizationID, Type, TransactionID, InvoiceID).
type UpsertDiscrepancyParams struct {
	OrganizationID string
	Type           DiscrepancyType
	Severity       Severity
	TransactionID  string
	InvoiceID      string
	Amount         decimal.Decimal
	Description    string
}

// ReviewParams records a human decision on a match.
type ReviewParams struct {
	Status     MatchStatus
	ReviewedBy string
	ReviewedAt time.Time
	Notes      *string
}

// ResolveParams closes a discrepancy.
type ResolveParams struct {
	Resolution Resolution
	ResolvedBy string
	ResolvedAt time.Time
	Notes      *string
}

// RunResult summarizes one reconciliation run.
type RunResult struct {
	Matched       int `json:"matched"`
	Partial       int `json:"partial"`
	Unmatched     int `json:"unmatched"`
	Discrepancies int `json:"discrepancies"`
	// Skipped counts transactions that already carried an active match.
	Skipped int `json:"skipped"`

	MatchedIDs              []string `json:"matchedIds"`
	PartialIDs              []string `json:"partialIds"`
	UnmatchedTransactionIDs []string `json:"unmatchedTransactionIds"`
	DiscrepancyIDs          []string `json:"discrepancyIds"`
}

// DiscrepancyCount is one cell of the open-discrepancy breakdown.
type DiscrepancyCount struct {
	Type     DiscrepancyType `json:"type"`
	Severity Severity        `json:"severity"`
	Count    int             `json:"count"`
}

// Summary is the reconciliation dashboard for an organization.
type Summary struct {
	TotalTransactions  int                 `json:"totalTransactions"`
	MatchesByStatus    map[MatchStatus]int `json:"matchesByStatus"`
	MatchRate          float64             `json:"matchRate"`
	OpenDiscrepancies  int                 `json:"openDiscrepancies"`
	CriticalOpen       int                 `json:"criticalOpen"`
	DiscrepancyDetails []DiscrepancyCount  `json:"discrepancyDetails"`
}
