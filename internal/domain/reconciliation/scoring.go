package reconciliation

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerlink/internal/domain/ledger"
)

// Scores are accumulated in hundredths so tier comparisons are exact.
const (
	pointsExactAmount   = 50
	pointsAmount        = 30
	pointsAmountLoose   = 10
	pointsDateClose     = 25
	pointsDate          = 15
	pointsDateLoose     = 5
	pointsVendor        = 25
	pointsPartialVendor = 10
	pointsType          = 10
)

var (
	ratioExact = decimal.RequireFromString("0.0001")
	ratioClose = decimal.RequireFromString("0.05")
	ratioLoose = decimal.RequireFromString("0.10")
)

const (
	closeDays = 7
	nearDays  = 30
	maxDays   = 60

	vendorStrong  = 0.8
	vendorPartial = 0.5
)

// MaxDateGap is the widest date distance a candidate may have.
const MaxDateGap = maxDays * 24 * time.Hour

// Thresholds are the configurable business cutoffs.
type Thresholds struct {
	MinScore    float64
	MediumScore float64
	HighScore   float64
	// Materiality gates missing_invoice and missing_payment; Critical raises
	// severity. Both compare strictly against absolute amounts.
	Materiality decimal.Decimal
	Critical    decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinScore:    0.5,
		MediumScore: 0.7,
		HighScore:   0.9,
		Materiality: decimal.NewFromInt(100),
		Critical:    decimal.NewFromInt(1000),
	}
}

func toPoints(score float64) int {
	return int(math.Round(score * 100))
}

// Candidate is one scored invoice for a transaction.
type Candidate struct {
	Invoice          *ledger.Invoice
	Points           int
	MatchedOn        []string
	AmountDifference decimal.Decimal
	DaysApart        int
}

// Score is the composite score in [0, 1.1].
func (c Candidate) Score() float64 {
	return float64(c.Points) / 100
}

// Tier maps a score to the status and confidence of a new match. ok is false
// below the minimum score.
func (th Thresholds) Tier(points int) (status MatchStatus, confidence Confidence, ok bool) {
	switch {
	case points >= toPoints(th.HighScore):
		return MatchMatched, ConfidenceHigh, true
	case points >= toPoints(th.MediumScore):
		return MatchSuggested, ConfidenceMedium, true
	case points >= toPoints(th.MinScore):
		return MatchSuggested, ConfidenceLow, true
	}
	return "", "", false
}

// FindMatchCandidates scores every non-void invoice against txn and returns
// those at or above the minimum score, best first. Ties break on smaller
// amount difference, then closer date, then invoice id.
func FindMatchCandidates(txn *ledger.Transaction, invoices []*ledger.Invoice, th Thresholds) []Candidate {
	minPoints := toPoints(th.MinScore)
	var out []Candidate
	for _, inv := range invoices {
		if inv.Status == ledger.StatusVoid {
			continue
		}
		c, ok := scoreCandidate(txn, inv)
		if !ok || c.Points < minPoints {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if cmp := a.AmountDifference.Cmp(b.AmountDifference); cmp != 0 {
			return cmp < 0
		}
		if a.DaysApart != b.DaysApart {
			return a.DaysApart < b.DaysApart
		}
		return a.Invoice.ID < b.Invoice.ID
	})
	return out
}

func scoreCandidate(txn *ledger.Transaction, inv *ledger.Invoice) (Candidate, bool) {
	c := Candidate{Invoice: inv, MatchedOn: []string{}}

	txnAbs := txn.Amount.Abs()
	invAbs := inv.TotalAmount.Abs()
	larger := decimal.Max(txnAbs, invAbs)
	if larger.IsZero() {
		return c, false
	}
	c.AmountDifference = txnAbs.Sub(invAbs).Abs()
	ratio := c.AmountDifference.Div(larger)
	switch {
	case ratio.LessThanOrEqual(ratioExact):
		c.Points += pointsExactAmount
		c.MatchedOn = append(c.MatchedOn, TagExactAmount)
	case ratio.LessThanOrEqual(ratioClose):
		c.Points += pointsAmount
		c.MatchedOn = append(c.MatchedOn, TagAmount)
	case ratio.LessThanOrEqual(ratioLoose):
		c.Points += pointsAmountLoose
	default:
		return c, false
	}

	c.DaysApart = DaysBetween(txn.Date, inv.Date)
	switch {
	case c.DaysApart <= closeDays:
		c.Points += pointsDateClose
		c.MatchedOn = append(c.MatchedOn, TagDateClose)
	case c.DaysApart <= nearDays:
		c.Points += pointsDate
		c.MatchedOn = append(c.MatchedOn, TagDate)
	case c.DaysApart <= maxDays:
		c.Points += pointsDateLoose
	default:
		return c, false
	}

	similarity := VendorSimilarity(txn.VendorName, inv.CounterpartyName)
	switch {
	case similarity >= vendorStrong:
		c.Points += pointsVendor
		c.MatchedOn = append(c.MatchedOn, TagVendor)
	case similarity >= vendorPartial:
		c.Points += pointsPartialVendor
		c.MatchedOn = append(c.MatchedOn, TagPartialVendor)
	}

	if directionAgrees(txn, inv) {
		c.Points += pointsType
		c.MatchedOn = append(c.MatchedOn, TagType)
	}

	return c, true
}

func directionAgrees(txn *ledger.Transaction, inv *ledger.Invoice) bool {
	dir := txn.Direction
	if dir == "" {
		dir = ledger.DirectionOf(txn.Amount)
	}
	return (dir == ledger.DirectionDebit && inv.Type == ledger.TypeBill) ||
		(dir == ledger.DirectionCredit && inv.Type == ledger.TypeInvoice)
}

// DaysBetween counts whole calendar days between two dates in UTC.
func DaysBetween(a, b time.Time) int {
	da := truncateDay(a)
	db := truncateDay(b)
	days := int(math.Round(db.Sub(da).Hours() / 24))
	if days < 0 {
		return -days
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// VendorSimilarity compares normalized names: 1 for equal, 0.9 when one
// contains the other, otherwise the Jaccard index of their word sets.
func VendorSimilarity(a, b string) float64 {
	a = ledger.NormalizeName(a)
	b = ledger.NormalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	wordsA := wordSet(a)
	wordsB := wordSet(b)
	shared := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			shared++
		}
	}
	union := len(wordsA) + len(wordsB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

// severityFor grades an absolute amount: critical above th.Critical, warning
// above th.Materiality, info otherwise.
func (th Thresholds) severityFor(amount decimal.Decimal) Severity {
	abs := amount.Abs()
	switch {
	case abs.GreaterThan(th.Critical):
		return SeverityCritical
	case abs.GreaterThan(th.Materiality):
		return SeverityWarning
	}
	return SeverityInfo
}

func (th Thresholds) material(amount decimal.Decimal) bool {
	return amount.Abs().GreaterThan(th.Materiality)
}

// exceedsExactTolerance reports whether a matched pair still differs by more
// than the exact-amount ratio.
func (c Candidate) exceedsExactTolerance() bool {
	for _, tag := range c.MatchedOn {
		if tag == TagExactAmount {
			return false
		}
	}
	return true
}
