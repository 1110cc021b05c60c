package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/reconciliation"
)

type DiscrepancyRepository struct {
	db *DB
}

func NewDiscrepancyRepository(db *DB) *DiscrepancyRepository {
	return &DiscrepancyRepository{db: db}
}

const discrepancyColumns = `id, organization_id, type, severity, resolution, transaction_id, invoice_id,
	amount, description, resolved_by, resolved_at, notes, created_at, updated_at`

// Upsert refreshes only open rows; a resolved or ignored key is read back as-is.
func (r *DiscrepancyRepository) Upsert(ctx context.Context, params reconciliation.UpsertDiscrepancyParams) (*reconciliation.Discrepancy, bool, error) {
	query := `
		INSERT INTO reconciliation_discrepancies (id, organization_id, type, severity, transaction_id, invoice_id, amount, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id, type, transaction_id, invoice_id) DO UPDATE
			SET severity = EXCLUDED.severity,
			    amount = EXCLUDED.amount,
			    description = EXCLUDED.description,
			    updated_at = NOW()
			WHERE reconciliation_discrepancies.resolution = 'open'
		RETURNING ` + discrepancyColumns + `, (xmax = 0) AS inserted`

	var created bool
	d, err := scanDiscrepancy(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.OrganizationID, params.Type, params.Severity,
		params.TransactionID, params.InvoiceID, params.Amount, params.Description,
	), &created)
	if err == sql.ErrNoRows {
		existing, err := r.getByKey(ctx, params)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert discrepancy: %w", err)
	}
	return d, created, nil
}

func (r *DiscrepancyRepository) getByKey(ctx context.Context, params reconciliation.UpsertDiscrepancyParams) (*reconciliation.Discrepancy, error) {
	query := `
		SELECT ` + discrepancyColumns + `
		FROM reconciliation_discrepancies
		WHERE organization_id = $1 AND type = $2 AND transaction_id = $3 AND invoice_id = $4`

	d, err := scanDiscrepancy(r.db.QueryRowContext(ctx, query,
		params.OrganizationID, params.Type, params.TransactionID, params.InvoiceID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to read discrepancy: %w", err)
	}
	return d, nil
}

func (r *DiscrepancyRepository) GetByID(ctx context.Context, id string) (*reconciliation.Discrepancy, error) {
	query := `SELECT ` + discrepancyColumns + ` FROM reconciliation_discrepancies WHERE id = $1`

	d, err := scanDiscrepancy(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discrepancy: %w", err)
	}
	return d, nil
}

func (r *DiscrepancyRepository) ListOpen(ctx context.Context, organizationID string) ([]*reconciliation.Discrepancy, error) {
	query := `
		SELECT ` + discrepancyColumns + `
		FROM reconciliation_discrepancies
		WHERE organization_id = $1 AND resolution = 'open'
		ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END, amount DESC, id`

	rows, err := r.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*reconciliation.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DiscrepancyRepository) Resolve(ctx context.Context, id string, params reconciliation.ResolveParams) (*reconciliation.Discrepancy, error) {
	query := `
		UPDATE reconciliation_discrepancies
		SET resolution = $2, resolved_by = $3, resolved_at = $4, notes = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + discrepancyColumns

	d, err := scanDiscrepancy(r.db.QueryRowContext(ctx, query,
		id, params.Resolution, params.ResolvedBy, params.ResolvedAt, params.Notes,
	))
	if err == sql.ErrNoRows {
		return nil, reconciliation.ErrDiscrepancyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discrepancy: %w", err)
	}
	return d, nil
}

func (r *DiscrepancyRepository) ResolveOpenFor(ctx context.Context, organizationID string, typ reconciliation.DiscrepancyType, transactionID, invoiceID string, params reconciliation.ResolveParams) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_discrepancies
		SET resolution = $5, resolved_by = $6, resolved_at = $7, notes = $8, updated_at = NOW()
		WHERE organization_id = $1
		  AND type = $2
		  AND resolution = 'open'
		  AND (($3 <> '' AND transaction_id = $3) OR ($4 <> '' AND invoice_id = $4))`,
		organizationID, typ, transactionID, invoiceID,
		params.Resolution, params.ResolvedBy, params.ResolvedAt, params.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve explained discrepancies: %w", err)
	}
	return result.RowsAffected()
}

func (r *DiscrepancyRepository) CountOpen(ctx context.Context, organizationID string) ([]reconciliation.DiscrepancyCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, severity, COUNT(*)
		FROM reconciliation_discrepancies
		WHERE organization_id = $1 AND resolution = 'open'
		GROUP BY type, severity
		ORDER BY type, severity`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count open discrepancies: %w", err)
	}
	defer rows.Close()

	var counts []reconciliation.DiscrepancyCount
	for rows.Next() {
		var c reconciliation.DiscrepancyCount
		if err := rows.Scan(&c.Type, &c.Severity, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// scanDiscrepancy reads discrepancyColumns, plus the inserted flag when
// extra is given.
func scanDiscrepancy(row scanner, extra ...any) (*reconciliation.Discrepancy, error) {
	var d reconciliation.Discrepancy
	var resolvedBy, notes sql.NullString
	var resolvedAt sql.NullTime

	dest := []any{
		&d.ID, &d.OrganizationID, &d.Type, &d.Severity, &d.Resolution, &d.TransactionID, &d.InvoiceID,
		&d.Amount, &d.Description, &resolvedBy, &resolvedAt, &notes, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d.ResolvedBy = nullString(resolvedBy)
	d.ResolvedAt = nullTime(resolvedAt)
	d.Notes = nullString(notes)
	return &d, nil
}
