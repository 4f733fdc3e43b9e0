package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/repositories"
)

// CartStore keeps the set of invoice ids a client intends to pay. It is a
// convenience view; billability is always re-checked against invoices.
type CartStore interface {
	Add(ctx context.Context, ownerID, invoiceID int64) error
	Remove(ctx context.Context, ownerID int64, invoiceIDs ...int64) error
	List(ctx context.Context, ownerID int64) ([]int64, error)
}

var (
	_ CartStore = (*repositories.CartRepository)(nil)
	_ CartStore = (*repositories.RedisCartRepository)(nil)
)

type CartService struct {
	Store       CartStore
	InvoiceRepo *repositories.InvoiceRepository
	Logger      *slog.Logger
}

func (s *CartService) AddInvoice(ctx context.Context, clientID, invoiceID int64) error {
	if invoiceID <= 0 {
		return fmt.Errorf("%w: invoice_id", models.ErrInvalidInput)
	}
	inv, err := s.InvoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.ClientID != clientID {
		return models.ErrNotFound
	}
	if inv.Billed() {
		return models.ErrAlreadyBilled
	}
	return s.Store.Add(ctx, clientID, invoiceID)
}

func (s *CartService) RemoveInvoice(ctx context.Context, clientID, invoiceID int64) error {
	return s.Store.Remove(ctx, clientID, invoiceID)
}

// GetCart returns the client's billable invoices with current prices.
// Entries whose invoice vanished, changed hands or got billed are dropped
// from the store on the way.
func (s *CartService) GetCart(ctx context.Context, clientID int64) (models.CartView, error) {
	view := models.CartView{OwnerID: clientID, Items: []models.CartItem{}, Total: decimal.Zero}

	ids, err := s.Store.List(ctx, clientID)
	if err != nil {
		return view, err
	}
	if len(ids) == 0 {
		return view, nil
	}
	invoices, err := s.InvoiceRepo.GetMany(ctx, ids)
	if err != nil {
		return view, err
	}
	byID := make(map[int64]models.Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.ID] = inv
	}

	var stale []int64
	for _, id := range ids {
		inv, ok := byID[id]
		if !ok || inv.ClientID != clientID || inv.Billed() {
			stale = append(stale, id)
			continue
		}
		view.Items = append(view.Items, models.CartItem{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			ContractorID:  inv.ContractorID,
			TotalPrice:    inv.TotalPrice,
		})
		view.Total = view.Total.Add(inv.TotalPrice)
	}
	if len(stale) > 0 {
		if err := s.Store.Remove(ctx, clientID, stale...); err != nil {
			loggerOrDefault(s.Logger).Warn("cart prune failed", "client_id", clientID, "invoice_ids", stale, "err", err)
		}
	}
	return view, nil
}

// Snapshot returns the invoice ids of the healed cart.
func (s *CartService) Snapshot(ctx context.Context, clientID int64) ([]int64, error) {
	view, err := s.GetCart(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return view.InvoiceIDs(), nil
}

// Discard drops invoices that a payment claimed.
func (s *CartService) Discard(ctx context.Context, clientID int64, invoiceIDs []int64) error {
	if len(invoiceIDs) == 0 {
		return nil
	}
	if err := s.Store.Remove(ctx, clientID, invoiceIDs...); err != nil {
		return fmt.Errorf("discard cart items: %w", err)
	}
	return nil
}
