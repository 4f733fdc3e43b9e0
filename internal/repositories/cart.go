package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CartRepository keeps carts in the carts/cart_items tables.
type CartRepository struct {
	DB *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository { return &CartRepository{DB: db} }

// Add puts the invoice into the owner's cart, creating the cart lazily.
// Adding an invoice twice is a no-op.
func (r *CartRepository) Add(ctx context.Context, ownerID, invoiceID int64) error {
	cartID, err := r.ensureCart(ctx, ownerID)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO cart_items (cart_id, invoice_id, added_at) VALUES (?, ?, ?)`, cartID, invoiceID, time.Now().UTC())
	if err != nil && !isDuplicateKeyError(err) {
		return err
	}
	return nil
}

func (r *CartRepository) Remove(ctx context.Context, ownerID int64, invoiceIDs ...int64) error {
	if len(invoiceIDs) == 0 {
		return nil
	}
	marks, args := inClause(invoiceIDs)
	_, err := r.DB.ExecContext(ctx, `
DELETE FROM cart_items
WHERE cart_id IN (SELECT id FROM carts WHERE owner_id = ?) AND invoice_id IN (`+marks+`)`,
		append([]any{ownerID}, args...)...)
	return err
}

// List returns the invoice ids in the owner's cart in insertion order.
func (r *CartRepository) List(ctx context.Context, ownerID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT ci.invoice_id
FROM cart_items ci
JOIN carts c ON c.id = ci.cart_id
WHERE c.owner_id = ?
ORDER BY ci.added_at, ci.invoice_id`, ownerID)
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

func (r *CartRepository) ensureCart(ctx context.Context, ownerID int64) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM carts WHERE owner_id = ?`, ownerID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO carts (owner_id, created_at) VALUES (?, ?)`, ownerID, time.Now().UTC())
	if err != nil {
		if isDuplicateKeyError(err) {
			// lost the race to another request creating the same cart
			err = r.DB.QueryRowContext(ctx, `SELECT id FROM carts WHERE owner_id = ?`, ownerID).Scan(&id)
			return id, err
		}
		return 0, err
	}
	return res.LastInsertId()
}
