package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/payments"
	"taskmarket/internal/repositories"
)

// CheckoutResult describes the payment a checkout produced. ProviderHandle is
// empty when the intent could not be opened; the payment can then be retried.
type CheckoutResult struct {
	PaymentID         int64                `json:"payment_id"`
	Amount            decimal.Decimal      `json:"amount"`
	Method            models.PaymentMethod `json:"payment_method"`
	InvoiceIDs        []int64              `json:"invoice_ids"`
	ProviderReference string               `json:"provider_reference,omitempty"`
	ProviderHandle    string               `json:"provider_handle,omitempty"`
	State             models.PaymentState  `json:"state"`
}

// ReconcileResult is the outcome of a confirmation or provider event.
type ReconcileResult struct {
	Payment models.Payment
	Changed bool
	Ignored bool
}

// ReconciliationService drives a payment from checkout to paid and moves the
// linked assignments along.
type ReconciliationService struct {
	Cart           *CartService
	Ledger         *PaymentLedger
	Gateways       *payments.Registry
	Assignments    *AssignmentService
	InvoiceRepo    *repositories.InvoiceRepository
	AssignmentRepo *repositories.AssignmentRepository
	Logger         *slog.Logger
}

func (s *ReconciliationService) log() *slog.Logger { return loggerOrDefault(s.Logger) }

// Checkout creates a payment for invoiceIDs, or for the cart when none are
// given, and opens a provider intent for it.
func (s *ReconciliationService) Checkout(ctx context.Context, clientID int64, invoiceIDs []int64, method models.PaymentMethod) (CheckoutResult, error) {
	if !method.Valid() {
		return CheckoutResult{}, fmt.Errorf("%w: %q", models.ErrUnsupportedMethod, method)
	}
	gw, err := s.Gateways.Get(method)
	if err != nil {
		return CheckoutResult{}, err
	}

	fromCart := len(invoiceIDs) == 0
	if fromCart {
		invoiceIDs, err = s.Cart.Snapshot(ctx, clientID)
		if err != nil {
			return CheckoutResult{}, err
		}
		if len(invoiceIDs) == 0 {
			return CheckoutResult{}, fmt.Errorf("%w: cart is empty", models.ErrNoBillableInvoices)
		}
	}

	p, err := s.Ledger.CreatePayment(ctx, clientID, invoiceIDs, method)
	if err != nil {
		return CheckoutResult{}, err
	}
	if err := s.Cart.Discard(ctx, clientID, p.InvoiceIDs); err != nil {
		s.log().Warn("cart cleanup after checkout failed", "payment_id", p.ID, "err", err)
	}

	res := CheckoutResult{
		PaymentID:  p.ID,
		Amount:     p.Amount,
		Method:     p.Method,
		InvoiceIDs: p.InvoiceIDs,
		State:      models.PaymentStateCreated,
	}
	return s.openIntent(ctx, gw, p, res)
}

// RetryIntent opens a fresh intent for an unpaid payment of the client.
func (s *ReconciliationService) RetryIntent(ctx context.Context, clientID, paymentID int64) (CheckoutResult, error) {
	p, err := s.Ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if p.PayerID != clientID {
		return CheckoutResult{}, models.ErrForbidden
	}
	if p.IsPaid {
		return CheckoutResult{}, models.ErrAlreadyPaid
	}
	gw, err := s.Gateways.Get(p.Method)
	if err != nil {
		return CheckoutResult{}, err
	}
	res := CheckoutResult{
		PaymentID:         p.ID,
		Amount:            p.Amount,
		Method:            p.Method,
		InvoiceIDs:        p.InvoiceIDs,
		ProviderReference: p.Reference(),
		State:             p.State(),
	}
	return s.openIntent(ctx, gw, p, res)
}

func (s *ReconciliationService) openIntent(ctx context.Context, gw payments.Gateway, p models.Payment, res CheckoutResult) (CheckoutResult, error) {
	logger := s.log().With("op", "openIntent", "payment_id", p.ID, "method", p.Method)

	intent, err := gw.CreateIntent(ctx, payments.IntentRequest{
		PaymentID:   p.ID,
		Amount:      p.Amount,
		Description: fmt.Sprintf("Payment #%d", p.ID),
	})
	if err != nil {
		logger.Error("create intent failed", "err", err)
		return res, fmt.Errorf("create intent for payment %d: %w", p.ID, err)
	}
	if err := s.Ledger.AttachReference(ctx, p.ID, intent.Reference); err != nil {
		logger.Error("attach reference failed", "reference", intent.Reference, "err", err)
		return res, err
	}
	res.ProviderReference = intent.Reference
	res.ProviderHandle = intent.Handle
	res.State = models.PaymentStateIntentOpen
	logger.Info("intent opened", "reference", intent.Reference)
	return res, nil
}

// ConfirmPayment settles a payment after the payer returns from the provider.
// A zero amount skips the client side amount check.
func (s *ReconciliationService) ConfirmPayment(ctx context.Context, clientID, paymentID int64, providerTxnID string, amount decimal.Decimal) (ReconcileResult, error) {
	logger := s.log().With("op", "ConfirmPayment", "payment_id", paymentID)

	p, err := s.Ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if p.PayerID != clientID {
		return ReconcileResult{}, models.ErrForbidden
	}
	ref := p.Reference()
	if ref == "" {
		return ReconcileResult{Payment: p}, fmt.Errorf("%w: no intent opened", models.ErrPaymentNotCaptured)
	}
	if providerTxnID != ref {
		logger.Warn("reference mismatch", "stored", ref, "got", providerTxnID)
		return ReconcileResult{Payment: p}, models.ErrReferenceMismatch
	}
	if p.IsPaid {
		return s.settled(ctx, p, false)
	}
	if !amount.IsZero() && !amount.Equal(p.Amount) {
		return ReconcileResult{Payment: p}, fmt.Errorf("%w: client reported %s, stored %s",
			models.ErrAmountMismatch, amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	gw, err := s.Gateways.Get(p.Method)
	if err != nil {
		return ReconcileResult{}, err
	}
	conf, err := gw.Confirm(ctx, payments.ConfirmRequest{PaymentID: p.ID, Reference: ref, Amount: p.Amount})
	if errors.Is(err, models.ErrAlreadyCaptured) {
		logger.Info("provider reports already captured")
	} else if err != nil {
		return ReconcileResult{Payment: p}, err
	}
	if conf.Status != models.ConfirmationPaid {
		return ReconcileResult{Payment: p}, fmt.Errorf("%w: provider status %s", models.ErrPaymentNotCaptured, conf.Status)
	}

	paid, changed, err := s.Ledger.MarkPaid(ctx, p.ID, conf)
	if err != nil {
		return ReconcileResult{Payment: p}, err
	}
	return s.settled(ctx, paid, changed)
}

// HandleProviderEvent verifies and applies a webhook body from the provider
// behind method.
func (s *ReconciliationService) HandleProviderEvent(ctx context.Context, method models.PaymentMethod, raw []byte, signature string) (ReconcileResult, error) {
	gw, err := s.Gateways.Get(method)
	if err != nil {
		return ReconcileResult{}, err
	}
	ev, err := gw.ParseEvent(raw, signature)
	if err != nil {
		return ReconcileResult{}, err
	}
	if ev.Kind != payments.EventPaymentSucceeded {
		return ReconcileResult{Ignored: true}, nil
	}
	logger := s.log().With("op", "HandleProviderEvent", "payment_id", ev.PaymentID, "method", method)

	p, err := s.Ledger.GetPayment(ctx, ev.PaymentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if p.Method != method {
		logger.Warn("event for a payment of another method", "payment_method", p.Method)
		return ReconcileResult{Payment: p}, fmt.Errorf("%w: payment %d uses %s", models.ErrReferenceMismatch, p.ID, p.Method)
	}
	// a payment without a stored reference never opened an intent, so no
	// event can belong to it
	if ref := p.Reference(); ref == "" || ev.Reference != ref {
		logger.Warn("reference mismatch", "stored", ref, "got", ev.Reference)
		return ReconcileResult{Payment: p}, models.ErrReferenceMismatch
	}
	if p.IsPaid {
		return s.settled(ctx, p, false)
	}

	paid, changed, err := s.Ledger.MarkPaid(ctx, p.ID, ev.Confirmation)
	if err != nil {
		return ReconcileResult{Payment: p}, err
	}
	return s.settled(ctx, paid, changed)
}

// settled runs the assignment hook for a paid payment. The hook only moves
// assignments forward, so rerunning it for duplicates converges.
func (s *ReconciliationService) settled(ctx context.Context, p models.Payment, changed bool) (ReconcileResult, error) {
	res := ReconcileResult{Payment: p, Changed: changed}
	if err := s.advanceAssignments(ctx, p.ID); err != nil {
		return res, fmt.Errorf("payment %d is paid, assignment update failed: %w", p.ID, err)
	}
	return res, nil
}

func (s *ReconciliationService) advanceAssignments(ctx context.Context, paymentID int64) error {
	if s.Assignments == nil {
		return nil
	}
	invoices, err := s.InvoiceRepo.ByPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	type key struct{ task, contractor int64 }
	done := map[key]bool{}
	for _, inv := range invoices {
		for _, item := range inv.Items {
			k := key{item.TaskID, inv.ContractorID}
			if done[k] {
				continue
			}
			done[k] = true

			a, err := s.AssignmentRepo.FindByTaskContractor(ctx, item.TaskID, inv.ContractorID)
			if errors.Is(err, models.ErrNotFound) {
				s.log().Warn("paid invoice without assignment", "invoice_id", inv.ID, "task_id", item.TaskID, "contractor_id", inv.ContractorID)
				continue
			}
			if err != nil {
				return err
			}
			if _, err := s.Assignments.OnInvoicePaid(ctx, a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
