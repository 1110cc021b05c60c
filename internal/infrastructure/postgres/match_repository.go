package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ledgerlink/internal/domain/reconciliation"
)

const activeMatchIndex = "idx_reconciliation_matches_active"

type MatchRepository struct {
	db *DB
}

func NewMatchRepository(db *DB) *MatchRepository {
	return &MatchRepository{db: db}
}

const matchColumns = `id, organization_id, transaction_id, invoice_id, status, confidence, confidence_score,
	matched_on, transaction_amount, invoice_amount, amount_difference, reviewed_by, reviewed_at, notes,
	created_at, updated_at`

// Upsert only rewrites suggested rows. When the pair already carries a
// decision the existing row is read back unchanged.
func (r *MatchRepository) Upsert(ctx context.Context, params reconciliation.UpsertMatchParams) (*reconciliation.Match, error) {
	query := `
		INSERT INTO reconciliation_matches (id, organization_id, transaction_id, invoice_id, status, confidence,
			confidence_score, matched_on, transaction_amount, invoice_amount, amount_difference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (transaction_id, invoice_id) DO UPDATE
			SET status = EXCLUDED.status,
			    confidence = EXCLUDED.confidence,
			    confidence_score = EXCLUDED.confidence_score,
			    matched_on = EXCLUDED.matched_on,
			    transaction_amount = EXCLUDED.transaction_amount,
			    invoice_amount = EXCLUDED.invoice_amount,
			    amount_difference = EXCLUDED.amount_difference,
			    updated_at = NOW()
			WHERE reconciliation_matches.status = 'suggested'
		RETURNING ` + matchColumns

	m, err := scanMatch(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.OrganizationID, params.TransactionID, params.InvoiceID,
		params.Status, params.Confidence, params.ConfidenceScore, pq.Array(params.MatchedOn),
		params.TransactionAmount, params.InvoiceAmount, params.AmountDifference,
	))
	if err == sql.ErrNoRows {
		return r.getByPair(ctx, params.TransactionID, params.InvoiceID)
	}
	if err != nil {
		return nil, mapMatchError("failed to upsert match", err)
	}
	return m, nil
}

func (r *MatchRepository) getByPair(ctx context.Context, transactionID, invoiceID string) (*reconciliation.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM reconciliation_matches WHERE transaction_id = $1 AND invoice_id = $2`

	m, err := scanMatch(r.db.QueryRowContext(ctx, query, transactionID, invoiceID))
	if err != nil {
		return nil, fmt.Errorf("failed to read match: %w", err)
	}
	return m, nil
}

func (r *MatchRepository) GetByID(ctx context.Context, id string) (*reconciliation.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM reconciliation_matches WHERE id = $1`

	m, err := scanMatch(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return m, nil
}

func (r *MatchRepository) GetActiveByTransaction(ctx context.Context, transactionID string) (*reconciliation.Match, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM reconciliation_matches
		WHERE transaction_id = $1 AND status IN ('matched', 'confirmed')`

	m, err := scanMatch(r.db.QueryRowContext(ctx, query, transactionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active match: %w", err)
	}
	return m, nil
}

func (r *MatchRepository) ListByStatus(ctx context.Context, organizationID string, statuses ...reconciliation.MatchStatus) ([]*reconciliation.Match, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + matchColumns + `
		FROM reconciliation_matches
		WHERE organization_id = $1 AND status = ANY($2)
		ORDER BY confidence_score DESC, created_at, id`

	rows, err := r.db.QueryContext(ctx, query, organizationID, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	var matches []*reconciliation.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (r *MatchRepository) DeleteSuggestions(ctx context.Context, transactionID, keepInvoiceID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM reconciliation_matches
		WHERE transaction_id = $1
		  AND status = 'suggested'
		  AND ($2::uuid IS NULL OR invoice_id <> $2::uuid)`,
		transactionID, optional(keepInvoiceID),
	)
	if err != nil {
		return fmt.Errorf("failed to delete stale suggestions: %w", err)
	}
	return nil
}

func (r *MatchRepository) UpdateReview(ctx context.Context, id string, params reconciliation.ReviewParams) (*reconciliation.Match, error) {
	query := `
		UPDATE reconciliation_matches
		SET status = $2, reviewed_by = $3, reviewed_at = $4, notes = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + matchColumns

	m, err := scanMatch(r.db.QueryRowContext(ctx, query,
		id, params.Status, params.ReviewedBy, params.ReviewedAt, params.Notes,
	))
	if err == sql.ErrNoRows {
		return nil, reconciliation.ErrMatchNotFound
	}
	if err != nil {
		return nil, mapMatchError("failed to update match review", err)
	}
	return m, nil
}

func (r *MatchRepository) CountByStatus(ctx context.Context, organizationID string) (map[reconciliation.MatchStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM reconciliation_matches
		WHERE organization_id = $1
		GROUP BY status`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}
	defer rows.Close()

	counts := make(map[reconciliation.MatchStatus]int)
	for rows.Next() {
		var status reconciliation.MatchStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan match count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// mapMatchError turns a violation of the one-active-match index into the
// domain error so concurrent runs surface as a conflict.
func mapMatchError(failure string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeMatchIndex {
		return reconciliation.ErrActiveMatchExists
	}
	return fmt.Errorf("%s: %w", failure, err)
}

func scanMatch(row scanner) (*reconciliation.Match, error) {
	var m reconciliation.Match
	var reviewedBy, notes sql.NullString
	var reviewedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.OrganizationID, &m.TransactionID, &m.InvoiceID, &m.Status, &m.Confidence,
		&m.ConfidenceScore, pq.Array(&m.MatchedOn), &m.TransactionAmount, &m.InvoiceAmount,
		&m.AmountDifference, &reviewedBy, &reviewedAt, &notes, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ReviewedBy = nullString(reviewedBy)
	m.ReviewedAt = nullTime(reviewedAt)
	m.Notes = nullString(notes)
	return &m, nil
}
