package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

type InvoiceStore struct {
	db *sql.DB
}

func NewInvoiceStore(db *sql.DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

func scanInvoice(scanner interface{ Scan(...any) error }) (*model.Invoice, error) {
	var inv model.Invoice
	var externalID, number, key sql.NullString
	var dueDate sql.NullTime
	var initial int
	err := scanner.Scan(
		&inv.ID, &inv.OrganizationID, &inv.ContractID, &inv.BillingPeriod, &externalID, &number,
		&inv.Amount, &inv.TaxAmount, &inv.TotalAmount, &inv.Status, &dueDate, &inv.IssuedAt,
		&initial, &key, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.ExternalID = nullString(externalID)
	inv.InvoiceNumber = nullString(number)
	inv.IdempotencyKey = nullString(key)
	inv.DueDate = nullTime(dueDate)
	inv.IsInitialInvoice = initial != 0
	return &inv, nil
}

const invoiceCols = `id, organization_id, contract_id, billing_period, external_id, invoice_number,
	amount, tax_amount, total_amount, status, due_date, issued_at, is_initial_invoice, idempotency_key, created_at`

// RecordResult reports what Record did besides inserting the invoice.
type RecordResult struct {
	// ProrationCleared is false when the contract's prorated charge no
	// longer matched the billed amount and was left untouched.
	ProrationCleared bool
}

// Record inserts an invoice and its items in one transaction. When
// billedProration is positive, the contract's pending prorated charge is
// cleared in the same transaction, after the invoice rows are written, and
// only if it still equals the billed amount.
func (s *InvoiceStore) Record(ctx context.Context, inv *model.Invoice, billedProration int64) (RecordResult, error) {
	var res RecordResult
	if err := checkInvoiceTotals(inv); err != nil {
		return res, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var dueDate any
	if inv.DueDate != nil {
		dueDate = inv.DueDate.UTC()
	}
	initial := 0
	if inv.IsInitialInvoice {
		initial = 1
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO invoices (
			organization_id, contract_id, billing_period, external_id, invoice_number,
			amount, tax_amount, total_amount, status, due_date, issued_at, is_initial_invoice, idempotency_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.OrganizationID, inv.ContractID, inv.BillingPeriod, inv.ExternalID, inv.InvoiceNumber,
		inv.Amount, inv.TaxAmount, inv.TotalAmount, inv.Status, dueDate, inv.IssuedAt.UTC(), initial, inv.IdempotencyKey,
	)
	if err != nil {
		return res, fmt.Errorf("insert invoice: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return res, fmt.Errorf("last insert id: %w", err)
	}

	for i := range inv.Items {
		it := &inv.Items[i]
		it.InvoiceID = id
		it.Position = i + 1
		r, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_items (invoice_id, position, description, quantity, unit_price, amount) VALUES (?, ?, ?, ?, ?, ?)`,
			id, it.Position, it.Description, it.Quantity, it.UnitPrice, it.Amount,
		)
		if err != nil {
			return res, fmt.Errorf("insert invoice item: %w", err)
		}
		if it.ID, err = r.LastInsertId(); err != nil {
			return res, fmt.Errorf("last insert id: %w", err)
		}
	}

	if billedProration > 0 {
		r, err := tx.ExecContext(ctx,
			`UPDATE contracts SET pending_prorated_charge = 0, pending_prorated_description = NULL,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND pending_prorated_charge = ?`,
			inv.ContractID, billedProration,
		)
		if err != nil {
			return res, fmt.Errorf("clear prorated charge: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("rows affected: %w", err)
		}
		res.ProrationCleared = n == 1
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit invoice: %w", err)
	}
	inv.ID = id
	return res, nil
}

func (s *InvoiceStore) GetByID(ctx context.Context, id int64) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = ?`, id)
	return s.withItems(ctx, row)
}

// GetForPeriod returns the regular (non-initial) invoice of a contract for
// a billing period, or nil.
func (s *InvoiceStore) GetForPeriod(ctx context.Context, contractID int64, period string) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE contract_id = ? AND billing_period = ? AND is_initial_invoice = 0`,
		contractID, period,
	)
	return s.withItems(ctx, row)
}

func (s *InvoiceStore) ListByContract(ctx context.Context, contractID int64) ([]model.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE contract_id = ? ORDER BY issued_at DESC, id DESC`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invs []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}

// UpdateStatusByExternalID sets the status of the invoice carrying a
// processor invoice ID. Returns false when no invoice matches.
func (s *InvoiceStore) UpdateStatusByExternalID(ctx context.Context, externalID string, status model.InvoiceStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ? WHERE external_id = ?`,
		status, externalID,
	)
	if err != nil {
		return false, fmt.Errorf("update invoice status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *InvoiceStore) withItems(ctx context.Context, row *sql.Row) (*model.Invoice, error) {
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, position, description, quantity, unit_price, amount
		 FROM invoice_items WHERE invoice_id = ? ORDER BY position`,
		inv.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list invoice items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Position, &it.Description, &it.Quantity, &it.UnitPrice, &it.Amount); err != nil {
			return nil, fmt.Errorf("scan invoice item: %w", err)
		}
		inv.Items = append(inv.Items, it)
	}
	return inv, rows.Err()
}

func checkInvoiceTotals(inv *model.Invoice) error {
	if len(inv.Items) == 0 {
		return fmt.Errorf("invoice for contract %d has no items", inv.ContractID)
	}
	var sum int64
	for _, it := range inv.Items {
		sum += it.Amount
	}
	if sum != inv.Amount {
		return fmt.Errorf("invoice items sum to %d, amount is %d", sum, inv.Amount)
	}
	if inv.TotalAmount != inv.Amount+inv.TaxAmount {
		return fmt.Errorf("invoice total %d != amount %d + tax %d", inv.TotalAmount, inv.Amount, inv.TaxAmount)
	}
	return nil
}
