package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/shared/clock"
	"ledgerlink/internal/shared/logging"
)

var (
	tracer = otel.Tracer("ledgerlink/reconciliation")
	meter  = otel.Meter("ledgerlink/reconciliation")

	runDuration, _ = meter.Float64Histogram(
		"reconciliation.run.duration",
		metric.WithDescription("Duration of reconciliation runs"),
		metric.WithUnit("s"),
	)
	matchCounter, _ = meter.Int64Counter(
		"reconciliation.matches",
		metric.WithDescription("Matches written by reconciliation runs"),
	)
	discrepancyCounter, _ = meter.Int64Counter(
		"reconciliation.discrepancies",
		metric.WithDescription("Discrepancies raised by reconciliation runs"),
	)
)

// Alerter is told about critical discrepancies the first time they appear.
type Alerter interface {
	CriticalDiscrepancies(ctx context.Context, organizationID string, discrepancies []*Discrepancy) error
}

// Service matches transactions to invoices and maintains the discrepancy queue.
type Service struct {
	ledger        ledger.Repository
	matches       MatchRepository
	discrepancies DiscrepancyRepository
	thresholds    Thresholds
	alerter       Alerter
	clock         clock.Clock
	logger        logrus.FieldLogger
}

// NewService creates a new reconciliation service. alerter may be nil.
func NewService(ledgerRepo ledger.Repository, matches MatchRepository, discrepancies DiscrepancyRepository, thresholds Thresholds, alerter Alerter, clk clock.Clock, logger logrus.FieldLogger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		ledger:        ledgerRepo,
		matches:       matches,
		discrepancies: discrepancies,
		thresholds:    thresholds,
		alerter:       alerter,
		clock:         clk,
		logger:        logger,
	}
}

func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// runState carries what one run has learned about existing matches.
type runState struct {
	activeByTxn   map[string]*Match
	invoiceHolder map[string]string
	rejected      map[[2]string]struct{}
	result        *RunResult
	critical      []*Discrepancy
}

// RunReconciliation scores every transaction in window against the
// organization's invoices and writes matches and discrepancies. A nil window
// covers all records. Rerunning on unchanged data writes nothing new.
func (s *Service) RunReconciliation(ctx context.Context, organizationID string, window *ledger.DateRange) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.RunReconciliation")
	defer span.End()
	span.SetAttributes(attribute.String("organization_id", organizationID))

	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}
	start := time.Now()

	// Payments and invoices inside the window may pair with records up to
	// MaxDateGap outside it, so both sides are loaded with that margin.
	var widened *ledger.DateRange
	if window != nil {
		w := window.Widen(MaxDateGap)
		widened = &w
	}

	txns, err := s.ledger.ListTransactions(ctx, organizationID, widened)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	invoices, err := s.ledger.ListInvoices(ctx, organizationID, widened)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	state, err := s.loadState(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})

	for _, txn := range txns {
		if _, ok := state.activeByTxn[txn.ID]; ok {
			state.result.Skipped++
			continue
		}
		margin := window != nil && !window.Contains(txn.Date)
		if err := s.reconcileTransaction(ctx, organizationID, txn, invoices, state, margin); err != nil {
			return nil, err
		}
	}

	inWindow := invoices
	if window != nil {
		inWindow = make([]*ledger.Invoice, 0, len(invoices))
		for _, inv := range invoices {
			if window.Contains(inv.Date) {
				inWindow = append(inWindow, inv)
			}
		}
	}
	if err := s.missingPayments(ctx, organizationID, inWindow, state); err != nil {
		return nil, err
	}

	s.alertCritical(ctx, organizationID, state.critical)

	res := state.result
	runDuration.Record(ctx, time.Since(start).Seconds())
	s.logger.WithFields(logrus.Fields{
		"organization_id": organizationID,
		"transactions":    len(txns),
		"invoices":        len(invoices),
		"matched":         res.Matched,
		"partial":         res.Partial,
		"unmatched":       res.Unmatched,
		"discrepancies":   res.Discrepancies,
		"skipped":         res.Skipped,
	}).Info("Reconciliation run completed")

	return res, nil
}

func (s *Service) loadState(ctx context.Context, organizationID string) (*runState, error) {
	state := &runState{
		activeByTxn:   make(map[string]*Match),
		invoiceHolder: make(map[string]string),
		rejected:      make(map[[2]string]struct{}),
		result: &RunResult{
			MatchedIDs:              []string{},
			PartialIDs:              []string{},
			UnmatchedTransactionIDs: []string{},
			DiscrepancyIDs:          []string{},
		},
	}

	active, err := s.matches.ListByStatus(ctx, organizationID, MatchMatched, MatchConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active matches: %w", err)
	}
	for _, m := range active {
		state.activeByTxn[m.TransactionID] = m
		state.invoiceHolder[m.InvoiceID] = m.TransactionID
	}

	rejected, err := s.matches.ListByStatus(ctx, organizationID, MatchRejected)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected matches: %w", err)
	}
	for _, m := range rejected {
		state.rejected[[2]string{m.TransactionID, m.InvoiceID}] = struct{}{}
	}
	return state, nil
}

// reconcileTransaction matches txn against invoices. A margin transaction lies
// outside the run window: it may settle an invoice but never raises its own
// missing_invoice discrepancy, since its own counterparts were not loaded.
func (s *Service) reconcileTransaction(ctx context.Context, organizationID string, txn *ledger.Transaction, invoices []*ledger.Invoice, state *runState, margin bool) error {
	var best *Candidate
	for _, c := range FindMatchCandidates(txn, invoices, s.thresholds) {
		if _, ok := state.rejected[[2]string{txn.ID, c.Invoice.ID}]; ok {
			continue
		}
		best = &c
		break
	}

	if best == nil && margin {
		return nil
	}
	if best == nil {
		state.result.Unmatched++
		state.result.UnmatchedTransactionIDs = append(state.result.UnmatchedTransactionIDs, txn.ID)
		if err := s.matches.DeleteSuggestions(ctx, txn.ID, ""); err != nil {
			return fmt.Errorf("failed to clear suggestions: %w", err)
		}
		if !s.thresholds.material(txn.Amount) {
			return nil
		}
		severity := SeverityWarning
		if txn.Amount.Abs().GreaterThan(s.thresholds.Critical) {
			severity = SeverityCritical
		}
		return s.raise(ctx, state, UpsertDiscrepancyParams{
			OrganizationID: organizationID,
			Type:           MissingInvoice,
			Severity:       severity,
			TransactionID:  txn.ID,
			Amount:         txn.Amount.Abs(),
			Description:    fmt.Sprintf("No invoice or bill found for %s transaction of %s on %s", describeVendor(txn.VendorName), txn.Amount.Abs().StringFixed(2), txn.Date.Format(time.DateOnly)),
		})
	}

	status, confidence, _ := s.thresholds.Tier(best.Points)
	if holder, taken := state.invoiceHolder[best.Invoice.ID]; status == MatchMatched && taken && holder != txn.ID {
		status, confidence = MatchSuggested, ConfidenceMedium
	}

	m, err := s.matches.Upsert(ctx, UpsertMatchParams{
		OrganizationID:    organizationID,
		TransactionID:     txn.ID,
		InvoiceID:         best.Invoice.ID,
		Status:            status,
		Confidence:        confidence,
		ConfidenceScore:   best.Score(),
		MatchedOn:         best.MatchedOn,
		TransactionAmount: txn.Amount,
		InvoiceAmount:     best.Invoice.TotalAmount,
		AmountDifference:  best.AmountDifference,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert match: %w", err)
	}
	if err := s.matches.DeleteSuggestions(ctx, txn.ID, best.Invoice.ID); err != nil {
		return fmt.Errorf("failed to clear suggestions: %w", err)
	}
	matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(m.Status))))

	if !m.Status.IsActive() {
		state.result.Partial++
		state.result.PartialIDs = append(state.result.PartialIDs, m.ID)
		return nil
	}

	state.result.Matched++
	state.result.MatchedIDs = append(state.result.MatchedIDs, m.ID)
	state.activeByTxn[txn.ID] = m
	state.invoiceHolder[m.InvoiceID] = txn.ID

	if err := s.resolveExplained(ctx, organizationID, m); err != nil {
		return err
	}

	if best.exceedsExactTolerance() {
		return s.raise(ctx, state, UpsertDiscrepancyParams{
			OrganizationID: organizationID,
			Type:           AmountMismatch,
			Severity:       s.thresholds.severityFor(best.AmountDifference),
			TransactionID:  txn.ID,
			InvoiceID:      best.Invoice.ID,
			Amount:         best.AmountDifference,
			Description:    fmt.Sprintf("Matched transaction differs from %s by %s", describeInvoice(best.Invoice), best.AmountDifference.StringFixed(2)),
		})
	}
	return nil
}

// CheckForMissingPayments raises a missing_payment discrepancy for each paid
// invoice above materiality that no active match accounts for.
func (s *Service) CheckForMissingPayments(ctx context.Context, organizationID string, invoices []*ledger.Invoice) ([]*Discrepancy, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}
	state, err := s.loadState(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	before := len(state.result.DiscrepancyIDs)
	if err := s.missingPayments(ctx, organizationID, invoices, state); err != nil {
		return nil, err
	}
	s.alertCritical(ctx, organizationID, state.critical)

	out := make([]*Discrepancy, 0, len(state.result.DiscrepancyIDs)-before)
	for _, id := range state.result.DiscrepancyIDs[before:] {
		d, err := s.discrepancies.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load discrepancy: %w", err)
		}
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) missingPayments(ctx context.Context, organizationID string, invoices []*ledger.Invoice, state *runState) error {
	for _, inv := range invoices {
		if inv.Status != ledger.StatusPaid {
			continue
		}
		if _, matched := state.invoiceHolder[inv.ID]; matched {
			continue
		}
		if !s.thresholds.material(inv.TotalAmount) {
			continue
		}
		severity := SeverityWarning
		if inv.TotalAmount.Abs().GreaterThan(s.thresholds.Critical) {
			severity = SeverityCritical
		}
		err := s.raise(ctx, state, UpsertDiscrepancyParams{
			OrganizationID: organizationID,
			Type:           MissingPayment,
			Severity:       severity,
			InvoiceID:      inv.ID,
			Amount:         inv.TotalAmount.Abs(),
			Description:    fmt.Sprintf("%s is marked paid but no matching bank transaction was found", describeInvoice(inv)),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) raise(ctx context.Context, state *runState, params UpsertDiscrepancyParams) error {
	d, created, err := s.discrepancies.Upsert(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to upsert discrepancy: %w", err)
	}
	if d.Resolution != ResolutionOpen {
		return nil
	}
	state.result.Discrepancies++
	state.result.DiscrepancyIDs = append(state.result.DiscrepancyIDs, d.ID)
	if created {
		discrepancyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(d.Type)),
			attribute.String("severity", string(d.Severity)),
		))
		if d.Severity == SeverityCritical {
			state.critical = append(state.critical, d)
		}
	}
	return nil
}

// resolveExplained closes missing_invoice and missing_payment discrepancies
// that an active match now accounts for.
func (s *Service) resolveExplained(ctx context.Context, organizationID string, m *Match) error {
	note := "explained by match " + m.ID
	params := ResolveParams{
		Resolution: ResolutionResolved,
		ResolvedBy: SystemActor,
		ResolvedAt: s.clock.Now(),
		Notes:      &note,
	}
	if _, err := s.discrepancies.ResolveOpenFor(ctx, organizationID, MissingInvoice, m.TransactionID, "", params); err != nil {
		return fmt.Errorf("failed to resolve missing invoice: %w", err)
	}
	if _, err := s.discrepancies.ResolveOpenFor(ctx, organizationID, MissingPayment, "", m.InvoiceID, params); err != nil {
		return fmt.Errorf("failed to resolve missing payment: %w", err)
	}
	return nil
}

func (s *Service) alertCritical(ctx context.Context, organizationID string, critical []*Discrepancy) {
	if s.alerter == nil || len(critical) == 0 {
		return
	}
	if err := s.alerter.CriticalDiscrepancies(ctx, organizationID, critical); err != nil {
		s.logger.WithError(err).WithField("organization_id", organizationID).Warn("Failed to send critical discrepancy alert")
	}
}

// ConfirmMatch records a reviewer accepting a match.
func (s *Service) ConfirmMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*Match, error) {
	m, err := s.reviewable(ctx, organizationID, matchID, actor)
	if err != nil {
		return nil, err
	}
	if m.Status != MatchSuggested && m.Status != MatchMatched {
		return nil, ErrInvalidTransition
	}

	active, err := s.matches.GetActiveByTransaction(ctx, m.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active match: %w", err)
	}
	if active != nil && active.ID != m.ID {
		return nil, ErrActiveMatchExists
	}

	confirmed, err := s.matches.UpdateReview(ctx, m.ID, ReviewParams{
		Status:     MatchConfirmed,
		ReviewedBy: actor,
		ReviewedAt: s.clock.Now(),
		Notes:      notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to confirm match: %w", err)
	}
	if err := s.matches.DeleteSuggestions(ctx, confirmed.TransactionID, confirmed.InvoiceID); err != nil {
		return nil, fmt.Errorf("failed to clear suggestions: %w", err)
	}
	if err := s.resolveExplained(ctx, organizationID, confirmed); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"match_id": matchID, "actor": actor}).Info("Match confirmed")
	return confirmed, nil
}

// RejectMatch records a reviewer rejecting a pairing. Later runs never
// propose the same pair again.
func (s *Service) RejectMatch(ctx context.Context, organizationID, matchID, actor string, notes *string) (*Match, error) {
	m, err := s.reviewable(ctx, organizationID, matchID, actor)
	if err != nil {
		return nil, err
	}
	if m.Status == MatchRejected {
		return nil, ErrInvalidTransition
	}

	rejected, err := s.matches.UpdateReview(ctx, m.ID, ReviewParams{
		Status:     MatchRejected,
		ReviewedBy: actor,
		ReviewedAt: s.clock.Now(),
		Notes:      notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reject match: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"match_id": matchID, "actor": actor}).Info("Match rejected")
	return rejected, nil
}

func (s *Service) reviewable(ctx context.Context, organizationID, matchID, actor string) (*Match, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	m, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load match: %w", err)
	}
	if m == nil || m.OrganizationID != organizationID {
		return nil, ErrMatchNotFound
	}
	return m, nil
}

// ResolveDiscrepancy closes an open discrepancy as resolved or ignored.
func (s *Service) ResolveDiscrepancy(ctx context.Context, organizationID, discrepancyID string, resolution Resolution, actor string, notes *string) (*Discrepancy, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	if resolution != ResolutionResolved && resolution != ResolutionIgnored {
		return nil, ErrInvalidResolution
	}

	d, err := s.discrepancies.GetByID(ctx, discrepancyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load discrepancy: %w", err)
	}
	if d == nil || d.OrganizationID != organizationID {
		return nil, ErrDiscrepancyNotFound
	}
	if d.Resolution != ResolutionOpen {
		return nil, ErrInvalidTransition
	}

	resolved, err := s.discrepancies.Resolve(ctx, d.ID, ResolveParams{
		Resolution: resolution,
		ResolvedBy: actor,
		ResolvedAt: s.clock.Now(),
		Notes:      notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discrepancy: %w", err)
	}
	return resolved, nil
}

// GetReconciliationSummary reports match counts, match rate and open
// discrepancies for an organization.
func (s *Service) GetReconciliationSummary(ctx context.Context, organizationID string) (*Summary, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}

	total, err := s.ledger.CountTransactions(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	byStatus, err := s.matches.CountByStatus(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}
	counts, err := s.discrepancies.CountOpen(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to count discrepancies: %w", err)
	}

	summary := &Summary{
		TotalTransactions:  total,
		MatchesByStatus:    make(map[MatchStatus]int, 4),
		DiscrepancyDetails: counts,
	}
	for _, st := range []MatchStatus{MatchSuggested, MatchMatched, MatchConfirmed, MatchRejected} {
		summary.MatchesByStatus[st] = byStatus[st]
	}
	if total > 0 {
		active := byStatus[MatchMatched] + byStatus[MatchConfirmed]
		rate := decimal.NewFromInt(int64(active)).Div(decimal.NewFromInt(int64(total))).Round(4)
		summary.MatchRate = rate.InexactFloat64()
	}
	for _, c := range counts {
		summary.OpenDiscrepancies += c.Count
		if c.Severity == SeverityCritical {
			summary.CriticalOpen += c.Count
		}
	}
	if summary.DiscrepancyDetails == nil {
		summary.DiscrepancyDetails = []DiscrepancyCount{}
	}
	return summary, nil
}

// GetPendingMatches lists suggestions waiting for review.
func (s *Service) GetPendingMatches(ctx context.Context, organizationID string) ([]*Match, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}
	return s.matches.ListByStatus(ctx, organizationID, MatchSuggested)
}

func (s *Service) GetOpenDiscrepancies(ctx context.Context, organizationID string) ([]*Discrepancy, error) {
	if organizationID == "" {
		return nil, ErrOrganizationRequired
	}
	return s.discrepancies.ListOpen(ctx, organizationID)
}

func describeVendor(name string) string {
	if name == "" {
		return "an unnamed"
	}
	return name
}

func describeInvoice(inv *ledger.Invoice) string {
	label := "Invoice"
	if inv.Type == ledger.TypeBill {
		label = "Bill"
	}
	if inv.Number != "" {
		label += " " + inv.Number
	}
	if inv.CounterpartyName != "" {
		label += " from " + inv.CounterpartyName
	}
	return label
}
