package services

import (
	"context"
	"errors"
	"testing"

	"taskmarket/internal/models"
)

func TestCartAddInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "40.00")
	foreign := env.fx.Invoice(env.fx.Assignment(2, 10, "PENDING"), "10.00")

	if err := env.cart.AddInvoice(ctx, 1, inv.ID); err != nil {
		t.Fatalf("AddInvoice: %v", err)
	}
	if err := env.cart.AddInvoice(ctx, 1, inv.ID); err != nil {
		t.Fatalf("duplicate AddInvoice must be a no-op: %v", err)
	}
	if err := env.cart.AddInvoice(ctx, 1, foreign.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("foreign invoice: expected ErrNotFound, got %v", err)
	}
	if err := env.cart.AddInvoice(ctx, 1, 9999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing invoice: expected ErrNotFound, got %v", err)
	}

	view, err := env.cart.GetCart(ctx, 1)
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Items) != 1 || !view.Total.Equal(dec("40")) {
		t.Fatalf("unexpected cart %+v", view)
	}

	if _, err := env.ledger.CreatePayment(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if err := env.cart.AddInvoice(ctx, 1, inv.ID); !errors.Is(err, models.ErrAlreadyBilled) {
		t.Fatalf("billed invoice: expected ErrAlreadyBilled, got %v", err)
	}
}

func TestCartSelfHeals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.fx.Assignment(1, 10, "PENDING")
	keep := env.fx.Invoice(a, "15.00")
	billed := env.fx.Invoice(a, "25.00")
	for _, id := range []int64{keep.ID, billed.ID} {
		if err := env.cart.AddInvoice(ctx, 1, id); err != nil {
			t.Fatalf("AddInvoice: %v", err)
		}
	}
	// billed through another channel while sitting in the cart
	if _, err := env.ledger.CreatePayment(ctx, 1, []int64{billed.ID}, models.PaymentMethodWallet); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	view, err := env.cart.GetCart(ctx, 1)
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Items) != 1 || view.Items[0].InvoiceID != keep.ID || !view.Total.Equal(dec("15")) {
		t.Fatalf("unexpected cart %+v", view)
	}
	stored, _ := env.cart.Store.List(ctx, 1)
	if len(stored) != 1 || stored[0] != keep.ID {
		t.Fatalf("stale entry not pruned: %v", stored)
	}

	if err := env.cart.RemoveInvoice(ctx, 1, keep.ID); err != nil {
		t.Fatalf("RemoveInvoice: %v", err)
	}
	if err := env.cart.RemoveInvoice(ctx, 1, keep.ID); err != nil {
		t.Fatalf("RemoveInvoice twice: %v", err)
	}
	ids, err := env.cart.Snapshot(ctx, 1)
	if err != nil || len(ids) != 0 {
		t.Fatalf("Snapshot = %v, %v", ids, err)
	}
}
