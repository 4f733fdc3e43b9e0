package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/payments"
)

func TestScenarioCheckoutAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.fx.Assignment(1, 10, "PENDING")
	b := env.fx.Assignment(1, 20, "PENDING")
	inv1 := env.fx.Invoice(a, "100.00")
	inv2 := env.fx.Invoice(b, "50.00")

	res, err := env.engine.Checkout(ctx, 1, []int64{inv1.ID, inv2.ID}, models.PaymentMethodCard)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !res.Amount.Equal(dec("150")) || res.State != models.PaymentStateIntentOpen || res.ProviderHandle == "" {
		t.Fatalf("unexpected checkout result %+v", res)
	}

	env.card.confirm = paidConfirm(models.PaymentMethodCard, "150.00")
	out, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, dec("150"))
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !out.Changed || !out.Payment.IsPaid {
		t.Fatalf("unexpected confirm result %+v", out)
	}
	for _, id := range []int64{inv1.ID, inv2.ID} {
		inv, _ := env.fx.Invoices.GetByID(ctx, id)
		if !inv.IsPaid || inv.PaymentID == nil || *inv.PaymentID != res.PaymentID {
			t.Fatalf("invoice %d not settled: %+v", id, inv)
		}
	}
	for _, asg := range []models.TaskAssignment{a, b} {
		got, _ := env.fx.Assignments.GetByID(ctx, asg.ID)
		if got.Status != "IN_PROGRESS" {
			t.Fatalf("assignment %d status %s", asg.ID, got.Status)
		}
	}

	again, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, decimal.Zero)
	if err != nil || again.Changed {
		t.Fatalf("confirm of paid payment = %+v, %v", again, err)
	}
	// a paid payment still refuses a foreign reference
	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, "anything", decimal.Zero); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch for a paid payment, got %v", err)
	}

	// an invoice of a paid payment is never billable again
	if _, err := env.engine.Checkout(ctx, 1, []int64{inv1.ID}, models.PaymentMethodCard); !errors.Is(err, models.ErrNoBillableInvoices) {
		t.Fatalf("expected ErrNoBillableInvoices, got %v", err)
	}
}

func TestScenarioDuplicateWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "80.00")

	res, err := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodWallet)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	env.wallet.parse = func([]byte, string) (payments.Event, error) {
		return payments.Event{
			Kind:      payments.EventPaymentSucceeded,
			PaymentID: res.PaymentID,
			Reference: res.ProviderReference,
			Confirmation: models.ProviderConfirmation{
				Provider: models.PaymentMethodWallet, ID: res.ProviderReference,
				Status: models.ConfirmationPaid, Amount: dec("80"),
			},
		}, nil
	}

	first, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodWallet, []byte("body"), "")
	if err != nil || !first.Changed {
		t.Fatalf("first delivery = %+v, %v", first, err)
	}
	paidAt := *first.Payment.PaidAt

	second, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodWallet, []byte("body"), "")
	if err != nil || second.Changed {
		t.Fatalf("second delivery = %+v, %v", second, err)
	}
	if !second.Payment.PaidAt.Equal(paidAt) {
		t.Fatal("duplicate delivery rewrote paid_at")
	}
}

func TestScenarioRacingCheckouts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "30.00")

	const tabs = 2
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		nothing int
	)
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrNoBillableInvoices):
				nothing++
			default:
				t.Errorf("Checkout: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || nothing != 1 {
		t.Fatalf("wins=%d nothing=%d", wins, nothing)
	}
}

func TestScenarioAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.fx.Assignment(1, 10, "PENDING")
	inv := env.fx.Invoice(a, "60.00")

	res, _ := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard)
	env.card.confirm = paidConfirm(models.PaymentMethodCard, "6.00")

	_, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, decimal.Zero)
	if !errors.Is(err, models.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	p, _ := env.ledger.GetPayment(ctx, res.PaymentID)
	if p.IsPaid {
		t.Fatal("payment must stay unpaid")
	}
	got, _ := env.fx.Assignments.GetByID(ctx, a.ID)
	if got.Status != "PENDING" {
		t.Fatalf("assignment moved to %s", got.Status)
	}

	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, dec("59")); !errors.Is(err, models.ErrAmountMismatch) {
		t.Fatalf("client amount: expected ErrAmountMismatch, got %v", err)
	}
}

func TestConfirmPaymentGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "10.00")
	res, _ := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard)

	if _, err := env.engine.ConfirmPayment(ctx, 2, res.PaymentID, res.ProviderReference, decimal.Zero); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, "other-ref", decimal.Zero); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch, got %v", err)
	}

	env.card.confirm = func(req payments.ConfirmRequest) (models.ProviderConfirmation, error) {
		return models.ProviderConfirmation{ID: req.Reference, Status: models.ConfirmationPending, Amount: dec("10")}, nil
	}
	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, decimal.Zero); !errors.Is(err, models.ErrPaymentNotCaptured) {
		t.Fatalf("expected ErrPaymentNotCaptured, got %v", err)
	}

	env.card.confirm = func(req payments.ConfirmRequest) (models.ProviderConfirmation, error) {
		return models.ProviderConfirmation{}, models.ErrProviderUnavailable
	}
	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, decimal.Zero); !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	env.card.confirm = func(req payments.ConfirmRequest) (models.ProviderConfirmation, error) {
		if !req.Amount.Equal(dec("10")) {
			t.Errorf("gateway got amount %s, want the stored 10", req.Amount)
		}
		return models.ProviderConfirmation{ID: req.Reference, Status: models.ConfirmationPaid, Amount: dec("10")}, models.ErrAlreadyCaptured
	}
	out, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, res.ProviderReference, decimal.Zero)
	if err != nil || !out.Changed {
		t.Fatalf("already captured must settle: %+v, %v", out, err)
	}
}

func TestCheckoutProviderFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "42.00")

	env.card.intentErr = models.ErrProviderUnavailable
	res, err := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard)
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if res.PaymentID == 0 || res.State != models.PaymentStateCreated {
		t.Fatalf("failed checkout must still name the payment: %+v", res)
	}

	env.card.intentErr = nil
	if _, err := env.engine.RetryIntent(ctx, 2, res.PaymentID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	first, err := env.engine.RetryIntent(ctx, 1, res.PaymentID)
	if err != nil || first.State != models.PaymentStateIntentOpen {
		t.Fatalf("RetryIntent = %+v, %v", first, err)
	}
	second, err := env.engine.RetryIntent(ctx, 1, res.PaymentID)
	if err != nil || second.ProviderReference == first.ProviderReference {
		t.Fatalf("retry must replace the reference: %+v, %v", second, err)
	}
	p, _ := env.ledger.GetPayment(ctx, res.PaymentID)
	if p.Reference() != second.ProviderReference || !p.Amount.Equal(dec("42")) {
		t.Fatalf("unexpected payment %+v", p)
	}

	env.card.confirm = paidConfirm(models.PaymentMethodCard, "42")
	if _, err := env.engine.ConfirmPayment(ctx, 1, res.PaymentID, second.ProviderReference, decimal.Zero); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if _, err := env.engine.RetryIntent(ctx, 1, res.PaymentID); !errors.Is(err, models.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestCheckoutFromCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.fx.Assignment(1, 10, "PENDING")
	inv1 := env.fx.Invoice(a, "1.10")
	inv2 := env.fx.Invoice(a, "2.20")

	if _, err := env.engine.Checkout(ctx, 1, nil, models.PaymentMethodWallet); !errors.Is(err, models.ErrNoBillableInvoices) {
		t.Fatalf("empty cart: expected ErrNoBillableInvoices, got %v", err)
	}
	for _, id := range []int64{inv1.ID, inv2.ID} {
		if err := env.cart.AddInvoice(ctx, 1, id); err != nil {
			t.Fatalf("AddInvoice: %v", err)
		}
	}
	res, err := env.engine.Checkout(ctx, 1, nil, models.PaymentMethodWallet)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if !res.Amount.Equal(dec("3.3")) || len(res.InvoiceIDs) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	view, _ := env.cart.GetCart(ctx, 1)
	if len(view.Items) != 0 {
		t.Fatalf("claimed invoices left in cart: %+v", view)
	}

	if _, err := env.engine.Checkout(ctx, 1, []int64{inv1.ID}, "cash"); !errors.Is(err, models.ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestHandleProviderEventRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "9.00")
	res, _ := env.engine.Checkout(ctx, 1, []int64{inv.ID}, models.PaymentMethodCard)

	event := func(ev payments.Event) func([]byte, string) (payments.Event, error) {
		return func([]byte, string) (payments.Event, error) { return ev, nil }
	}
	conf := models.ProviderConfirmation{Status: models.ConfirmationPaid, Amount: dec("9")}

	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodCard, nil, "bad"); !errors.Is(err, models.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	env.card.parse = event(payments.Event{Kind: payments.EventIgnored})
	if out, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodCard, nil, ""); err != nil || !out.Ignored {
		t.Fatalf("ignored event = %+v, %v", out, err)
	}

	env.card.parse = event(payments.Event{Kind: payments.EventPaymentSucceeded, PaymentID: res.PaymentID, Reference: "stale", Confirmation: conf})
	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodCard, nil, ""); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch, got %v", err)
	}

	env.wallet.parse = event(payments.Event{Kind: payments.EventPaymentSucceeded, PaymentID: res.PaymentID, Confirmation: conf})
	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodWallet, nil, ""); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("wrong method: expected ErrReferenceMismatch, got %v", err)
	}

	env.card.parse = event(payments.Event{Kind: payments.EventPaymentSucceeded, PaymentID: 5555, Confirmation: conf})
	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodCard, nil, ""); !errors.Is(err, models.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	p, _ := env.ledger.GetPayment(ctx, res.PaymentID)
	if p.IsPaid {
		t.Fatal("rejected events must not pay")
	}
}

func TestHandleProviderEventRequiresStoredReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conf := models.ProviderConfirmation{Status: models.ConfirmationPaid, Amount: dec("30")}
	noRef := func(paymentID int64) func([]byte, string) (payments.Event, error) {
		return func([]byte, string) (payments.Event, error) {
			return payments.Event{Kind: payments.EventPaymentSucceeded, PaymentID: paymentID, Confirmation: conf}, nil
		}
	}

	// intent open: an event without a reference cannot match it
	open := env.fx.Invoice(env.fx.Assignment(1, 10, "PENDING"), "30.00")
	res, err := env.engine.Checkout(ctx, 1, []int64{open.ID}, models.PaymentMethodWallet)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	env.wallet.parse = noRef(res.PaymentID)
	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodWallet, nil, ""); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch, got %v", err)
	}

	// created: no intent was ever opened, so nothing can settle it
	env.wallet.intentErr = models.ErrProviderUnavailable
	created := env.fx.Invoice(env.fx.Assignment(1, 20, "PENDING"), "30.00")
	res2, err := env.engine.Checkout(ctx, 1, []int64{created.ID}, models.PaymentMethodWallet)
	if !errors.Is(err, models.ErrProviderUnavailable) || res2.PaymentID == 0 {
		t.Fatalf("Checkout with failing provider = %+v, %v", res2, err)
	}
	env.wallet.parse = noRef(res2.PaymentID)
	if _, err := env.engine.HandleProviderEvent(ctx, models.PaymentMethodWallet, nil, ""); !errors.Is(err, models.ErrReferenceMismatch) {
		t.Fatalf("expected ErrReferenceMismatch for a created payment, got %v", err)
	}

	for _, id := range []int64{res.PaymentID, res2.PaymentID} {
		p, _ := env.ledger.GetPayment(ctx, id)
		if p.IsPaid {
			t.Fatalf("payment %d paid without a matching reference", id)
		}
	}
}
