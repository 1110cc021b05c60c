package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerlink/internal/domain/ledger"
)

type LedgerRepository struct {
	db *DB
}

func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// The DO UPDATE only fires when a column changed; an unchanged row returns
// nothing and counts as skipped. xmax = 0 distinguishes inserts from updates.
const upsertTransactionQuery = `
	INSERT INTO transactions (id, organization_id, connection_id, source, external_id, date, amount, vendor_name, description, direction)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (connection_id, external_id) DO UPDATE
		SET date = EXCLUDED.date,
		    amount = EXCLUDED.amount,
		    vendor_name = EXCLUDED.vendor_name,
		    description = EXCLUDED.description,
		    direction = EXCLUDED.direction,
		    updated_at = NOW()
		WHERE (transactions.date, transactions.amount, transactions.vendor_name, transactions.description, transactions.direction)
		      IS DISTINCT FROM (EXCLUDED.date, EXCLUDED.amount, EXCLUDED.vendor_name, EXCLUDED.description, EXCLUDED.direction)
	RETURNING (xmax = 0) AS inserted`

func (r *LedgerRepository) UpsertTransactions(ctx context.Context, txns []ledger.Transaction) (ledger.UpsertResult, error) {
	var result ledger.UpsertResult
	if len(txns) == 0 {
		return result, nil
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertTransactionQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction upsert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txns {
			var inserted bool
			scanErr := stmt.QueryRowContext(ctx,
				uuid.NewString(), t.OrganizationID, t.ConnectionID, t.Source, t.ExternalID,
				t.Date, t.Amount, t.VendorName, t.Description, t.Direction,
			).Scan(&inserted)
			if err := tally(&result, inserted, scanErr); err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", t.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return ledger.UpsertResult{}, err
	}
	return result, nil
}

const upsertInvoiceQuery = `
	INSERT INTO invoices (id, organization_id, connection_id, source, external_id, type, status, number, date, due_date, total_amount, counterparty_name)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (connection_id, external_id) DO UPDATE
		SET type = EXCLUDED.type,
		    status = EXCLUDED.status,
		    number = EXCLUDED.number,
		    date = EXCLUDED.date,
		    due_date = EXCLUDED.due_date,
		    total_amount = EXCLUDED.total_amount,
		    counterparty_name = EXCLUDED.counterparty_name,
		    updated_at = NOW()
		WHERE (invoices.type, invoices.status, invoices.number, invoices.date, invoices.due_date, invoices.total_amount, invoices.counterparty_name)
		      IS DISTINCT FROM (EXCLUDED.type, EXCLUDED.status, EXCLUDED.number, EXCLUDED.date, EXCLUDED.due_date, EXCLUDED.total_amount, EXCLUDED.counterparty_name)
	RETURNING (xmax = 0) AS inserted`

func (r *LedgerRepository) UpsertInvoices(ctx context.Context, invoices []ledger.Invoice) (ledger.UpsertResult, error) {
	var result ledger.UpsertResult
	if len(invoices) == 0 {
		return result, nil
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertInvoiceQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare invoice upsert: %w", err)
		}
		defer stmt.Close()

		for _, inv := range invoices {
			var inserted bool
			scanErr := stmt.QueryRowContext(ctx,
				uuid.NewString(), inv.OrganizationID, inv.ConnectionID, inv.Source, inv.ExternalID,
				inv.Type, inv.Status, inv.Number, inv.Date, inv.DueDate, inv.TotalAmount, inv.CounterpartyName,
			).Scan(&inserted)
			if err := tally(&result, inserted, scanErr); err != nil {
				return fmt.Errorf("failed to upsert invoice %s: %w", inv.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return ledger.UpsertResult{}, err
	}
	return result, nil
}

func tally(result *ledger.UpsertResult, inserted bool, err error) error {
	switch {
	case err == sql.ErrNoRows:
		result.Skipped++
	case err != nil:
		return err
	case inserted:
		result.Created++
	default:
		result.Updated++
	}
	return nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, organizationID string, window *ledger.DateRange) ([]*ledger.Transaction, error) {
	from, to := windowBounds(window)
	query := `
		SELECT id, organization_id, connection_id, source, external_id, date, amount, vendor_name,
		       description, direction, created_at, updated_at
		FROM transactions
		WHERE organization_id = $1
		  AND ($2::date IS NULL OR date >= $2::date)
		  AND ($3::date IS NULL OR date <= $3::date)
		ORDER BY date, id`

	rows, err := r.db.QueryContext(ctx, query, organizationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		if err := rows.Scan(
			&t.ID, &t.OrganizationID, &t.ConnectionID, &t.Source, &t.ExternalID, &t.Date, &t.Amount,
			&t.VendorName, &t.Description, &t.Direction, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Date = t.Date.UTC()
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func (r *LedgerRepository) ListInvoices(ctx context.Context, organizationID string, window *ledger.DateRange) ([]*ledger.Invoice, error) {
	from, to := windowBounds(window)
	query := `
		SELECT id, organization_id, connection_id, source, external_id, type, status, number, date,
		       due_date, total_amount, counterparty_name, created_at, updated_at
		FROM invoices
		WHERE organization_id = $1
		  AND ($2::date IS NULL OR date >= $2::date)
		  AND ($3::date IS NULL OR date <= $3::date)
		ORDER BY date, id`

	rows, err := r.db.QueryContext(ctx, query, organizationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*ledger.Invoice
	for rows.Next() {
		var inv ledger.Invoice
		var dueDate sql.NullTime
		if err := rows.Scan(
			&inv.ID, &inv.OrganizationID, &inv.ConnectionID, &inv.Source, &inv.ExternalID, &inv.Type,
			&inv.Status, &inv.Number, &inv.Date, &dueDate, &inv.TotalAmount, &inv.CounterpartyName,
			&inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.Date = inv.Date.UTC()
		inv.DueDate = nullTime(dueDate)
		invoices = append(invoices, &inv)
	}
	return invoices, rows.Err()
}

func (r *LedgerRepository) CountTransactions(ctx context.Context, organizationID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE organization_id = $1`,
		organizationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func windowBounds(window *ledger.DateRange) (from, to any) {
	if window == nil {
		return nil, nil
	}
	if !window.From.IsZero() {
		from = window.From.UTC().Format(time.DateOnly)
	}
	if !window.To.IsZero() {
		to = window.To.UTC().Format(time.DateOnly)
	}
	return from, to
}
