package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
)

// PaymentRepository owns the payments table and the invoice columns that link
// invoices to payments (payment_id, is_paid, paid_at).
type PaymentRepository struct {
	DB *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository { return &PaymentRepository{DB: db} }

const paymentColumns = `id, payer_id, amount, payment_method, provider_reference, provider_result, is_paid, paid_at, created_at, updated_at`

func scanPayment(scanner interface{ Scan(dest ...any) error }) (models.Payment, error) {
	var (
		p         models.Payment
		method    string
		reference sql.NullString
		result    sql.NullString
		paidAt    sql.NullTime
		updatedAt sql.NullTime
	)
	if err := scanner.Scan(&p.ID, &p.PayerID, &p.Amount, &method, &reference, &result, &p.IsPaid, &paidAt, &p.CreatedAt, &updatedAt); err != nil {
		return models.Payment{}, err
	}
	p.Method = models.PaymentMethod(method)
	p.ProviderReference = nullStringPtr(reference)
	p.PaidAt = nullTimePtr(paidAt)
	p.UpdatedAt = nullTimePtr(updatedAt)
	if result.Valid && result.String != "" {
		var conf models.ProviderConfirmation
		if err := json.Unmarshal([]byte(result.String), &conf); err != nil {
			return models.Payment{}, fmt.Errorf("decode provider result of payment %d: %w", p.ID, err)
		}
		p.Result = &conf
	}
	return p, nil
}

// CreateWithClaim inserts a payment for the client's unbilled invoices among
// invoiceIDs and claims them for it. The claim is a conditional update on
// payment_id IS NULL, so invoices won by a concurrent call are skipped and the
// amount is recomputed from the rows this call actually claimed.
func (r *PaymentRepository) CreateWithClaim(ctx context.Context, clientID int64, invoiceIDs []int64, method models.PaymentMethod) (models.Payment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Payment{}, err
	}
	defer tx.Rollback()

	marks, args := inClause(invoiceIDs)
	billable, err := selectInvoices(ctx, tx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE client_id = ? AND payment_id IS NULL AND id IN (`+marks+`) ORDER BY id`,
		append([]any{clientID}, args...)...)
	if err != nil {
		return models.Payment{}, err
	}
	if len(billable) == 0 {
		return models.Payment{}, models.ErrNoBillableInvoices
	}

	now := time.Now().UTC()
	amount := sumTotals(billable)
	res, err := tx.ExecContext(ctx, `INSERT INTO payments (payer_id, amount, payment_method, is_paid, created_at) VALUES (?, ?, ?, ?, ?)`,
		clientID, amount, string(method), false, now)
	if err != nil {
		return models.Payment{}, err
	}
	paymentID, err := res.LastInsertId()
	if err != nil {
		return models.Payment{}, err
	}

	ids := make([]int64, len(billable))
	for i, inv := range billable {
		ids[i] = inv.ID
	}
	claimMarks, claimArgs := inClause(ids)
	res, err = tx.ExecContext(ctx,
		`UPDATE invoices SET payment_id = ? WHERE id IN (`+claimMarks+`) AND payment_id IS NULL`,
		append([]any{paymentID}, claimArgs...)...)
	if err != nil {
		return models.Payment{}, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return models.Payment{}, err
	}
	if claimed == 0 {
		return models.Payment{}, models.ErrNoBillableInvoices
	}
	if int(claimed) < len(billable) {
		won, err := selectInvoices(ctx, tx, `SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = ? ORDER BY id`, paymentID)
		if err != nil {
			return models.Payment{}, err
		}
		amount = sumTotals(won)
		ids = ids[:0]
		for _, inv := range won {
			ids = append(ids, inv.ID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE payments SET amount = ? WHERE id = ?`, amount, paymentID); err != nil {
			return models.Payment{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Payment{}, err
	}
	return models.Payment{
		ID:         paymentID,
		PayerID:    clientID,
		Amount:     amount,
		Method:     method,
		CreatedAt:  now,
		InvoiceIDs: ids,
	}, nil
}

// SetReference stores the provider reference of an unpaid payment, replacing
// any earlier one.
func (r *PaymentRepository) SetReference(ctx context.Context, paymentID int64, reference string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE payments SET provider_reference = ?, updated_at = ? WHERE id = ? AND is_paid = ?`,
		reference, time.Now().UTC(), paymentID, false)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		p, err := r.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.IsPaid {
			return models.ErrAlreadyPaid
		}
		return models.ErrConflict
	}
	return nil
}

// MarkPaid flips the payment to paid and cascades to its invoices in one
// transaction. It reports whether this call performed the flip; a payment that
// is already paid is left untouched apart from healing invoices that missed
// the cascade.
func (r *PaymentRepository) MarkPaid(ctx context.Context, paymentID int64, conf models.ProviderConfirmation) (bool, error) {
	result, err := json.Marshal(conf)
	if err != nil {
		return false, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE payments SET is_paid = ?, paid_at = ?, provider_result = ?, updated_at = ? WHERE id = ? AND is_paid = ?`,
		true, now, string(result), now, paymentID, false)
	if err != nil {
		return false, err
	}
	flipped, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	paidAt := now
	if flipped == 0 {
		var (
			isPaid bool
			at     sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `SELECT is_paid, paid_at FROM payments WHERE id = ?`, paymentID).Scan(&isPaid, &at)
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrPaymentNotFound
		}
		if err != nil {
			return false, err
		}
		if !isPaid {
			return false, models.ErrConflict
		}
		if at.Valid {
			paidAt = at.Time
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE invoices SET is_paid = ?, paid_at = ? WHERE payment_id = ? AND is_paid = ?`,
		true, paidAt, paymentID, false); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return flipped == 1, nil
}

// GetByID returns the payment with the ids of the invoices it claimed.
func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (models.Payment, error) {
	p, err := scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, models.ErrPaymentNotFound
	}
	if err != nil {
		return models.Payment{}, err
	}
	ids, err := r.invoiceIDs(ctx, id)
	if err != nil {
		return models.Payment{}, err
	}
	p.InvoiceIDs = ids
	return p, nil
}

// ByPayer lists the client's payments, newest first.
func (r *PaymentRepository) ByPayer(ctx context.Context, payerID int64) ([]models.Payment, error) {
	payments, err := r.listPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payer_id = ? ORDER BY id DESC`, payerID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		ids, err := r.invoiceIDs(ctx, payments[i].ID)
		if err != nil {
			return nil, err
		}
		payments[i].InvoiceIDs = ids
	}
	return payments, nil
}

// ForContractor lists payments that claimed the contractor's invoices with the
// contractor's share of each.
func (r *PaymentRepository) ForContractor(ctx context.Context, contractorID int64) ([]models.ContractorPayment, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT p.id, p.payer_id, p.is_paid, p.paid_at, p.created_at, i.id, i.total_price
FROM payments p
JOIN invoices i ON i.payment_id = p.id
WHERE i.contractor_id = ?
ORDER BY p.id DESC, i.id`, contractorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ContractorPayment
	for rows.Next() {
		var (
			cp        models.ContractorPayment
			paidAt    sql.NullTime
			invoiceID int64
			total     decimal.Decimal
		)
		if err := rows.Scan(&cp.PaymentID, &cp.PayerID, &cp.IsPaid, &paidAt, &cp.CreatedAt, &invoiceID, &total); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].PaymentID == cp.PaymentID {
			out[n-1].Amount = out[n-1].Amount.Add(total)
			out[n-1].InvoiceIDs = append(out[n-1].InvoiceIDs, invoiceID)
			continue
		}
		cp.PaidAt = nullTimePtr(paidAt)
		cp.Amount = total
		cp.InvoiceIDs = []int64{invoiceID}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// OpenOlderThan lists unpaid payments created before cutoff.
func (r *PaymentRepository) OpenOlderThan(ctx context.Context, cutoff time.Time) ([]models.Payment, error) {
	return r.listPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE is_paid = ? AND created_at < ? ORDER BY id`, false, cutoff.UTC())
}

func (r *PaymentRepository) listPayments(ctx context.Context, query string, args ...any) ([]models.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepository) invoiceIDs(ctx context.Context, paymentID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM invoices WHERE payment_id = ? ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func selectInvoices(ctx context.Context, q execer, query string, args ...any) ([]models.Invoice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}
