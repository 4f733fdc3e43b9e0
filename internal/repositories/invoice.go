package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
)

type InvoiceRepository struct {
	DB *sql.DB
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository { return &InvoiceRepository{DB: db} }

const invoiceColumns = `id, invoice_number, contractor_id, client_id, total_price, payment_id, is_paid, paid_at, created_at`

func scanInvoice(scanner interface{ Scan(dest ...any) error }) (models.Invoice, error) {
	var (
		inv       models.Invoice
		paymentID sql.NullInt64
		paidAt    sql.NullTime
	)
	err := scanner.Scan(&inv.ID, &inv.InvoiceNumber, &inv.ContractorID, &inv.ClientID, &inv.TotalPrice, &paymentID, &inv.IsPaid, &paidAt, &inv.CreatedAt)
	if err != nil {
		return models.Invoice{}, err
	}
	inv.PaymentID = nullInt64Ptr(paymentID)
	inv.PaidAt = nullTimePtr(paidAt)
	return inv, nil
}

// Create inserts the invoice with its items in one transaction.
func (r *InvoiceRepository) Create(ctx context.Context, inv models.Invoice) (models.Invoice, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Invoice{}, err
	}
	defer tx.Rollback()

	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO invoices (invoice_number, contractor_id, client_id, total_price, is_paid, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.InvoiceNumber, inv.ContractorID, inv.ClientID, inv.TotalPrice, false, inv.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return models.Invoice{}, fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, models.ErrConflict)
		}
		return models.Invoice{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Invoice{}, err
	}
	for pos, item := range inv.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO invoice_items (invoice_id, position, task_id, name, unit_price, quantity) VALUES (?, ?, ?, ?, ?, ?)`,
			id, pos, item.TaskID, item.Name, item.UnitPrice, item.Quantity); err != nil {
			return models.Invoice{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Invoice{}, err
	}
	inv.ID = id
	inv.PaymentID = nil
	inv.IsPaid = false
	inv.PaidAt = nil
	return inv, nil
}

// GetByID returns the invoice with its items or models.ErrNotFound.
func (r *InvoiceRepository) GetByID(ctx context.Context, id int64) (models.Invoice, error) {
	inv, err := scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, models.ErrNotFound
	}
	if err != nil {
		return models.Invoice{}, err
	}
	items, err := r.items(ctx, r.DB, id)
	if err != nil {
		return models.Invoice{}, err
	}
	inv.Items = items
	return inv, nil
}

// GetMany returns the invoices that exist among ids, without items.
func (r *InvoiceRepository) GetMany(ctx context.Context, ids []int64) ([]models.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks, args := inClause(ids)
	return selectInvoices(ctx, r.DB, `SELECT `+invoiceColumns+` FROM invoices WHERE id IN (`+marks+`) ORDER BY id`, args...)
}

// ByPayment returns every invoice claimed by the payment, with items.
func (r *InvoiceRepository) ByPayment(ctx context.Context, paymentID int64) ([]models.Invoice, error) {
	invoices, err := selectInvoices(ctx, r.DB, `SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = ? ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		items, err := r.items(ctx, r.DB, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

// ByContractor returns the contractor's invoices, newest first.
func (r *InvoiceRepository) ByContractor(ctx context.Context, contractorID int64) ([]models.Invoice, error) {
	return selectInvoices(ctx, r.DB, `SELECT `+invoiceColumns+` FROM invoices WHERE contractor_id = ? ORDER BY id DESC`, contractorID)
}

// CountForTask counts invoices the contractor already issued for a task.
func (r *InvoiceRepository) CountForTask(ctx context.Context, contractorID, taskID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT i.id)
FROM invoices i
JOIN invoice_items it ON it.invoice_id = i.id
WHERE i.contractor_id = ? AND it.task_id = ?`, contractorID, taskID).Scan(&n)
	return n, err
}

func (r *InvoiceRepository) items(ctx context.Context, q execer, invoiceID int64) ([]models.InvoiceItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id, name, unit_price, quantity FROM invoice_items WHERE invoice_id = ? ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice %d items: %w", invoiceID, err)
	}
	defer rows.Close()

	var items []models.InvoiceItem
	for rows.Next() {
		var it models.InvoiceItem
		if err := rows.Scan(&it.TaskID, &it.Name, &it.UnitPrice, &it.Quantity); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func sumTotals(invoices []models.Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		sum = sum.Add(inv.TotalPrice)
	}
	return sum
}
