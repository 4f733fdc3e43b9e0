package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/repositories"
)

// PaymentLedger is the only writer of payment rows and of the invoice columns
// linking invoices to payments.
type PaymentLedger struct {
	PaymentRepo *repositories.PaymentRepository
	InvoiceRepo *repositories.InvoiceRepository
	Logger      *slog.Logger
}

// CreatePayment claims the client's billable invoices among invoiceIDs for a
// new unpaid payment. Invoices that are missing, foreign or already billed are
// skipped; when none is left the call fails with models.ErrNoBillableInvoices.
func (l *PaymentLedger) CreatePayment(ctx context.Context, clientID int64, invoiceIDs []int64, method models.PaymentMethod) (models.Payment, error) {
	if len(invoiceIDs) == 0 {
		return models.Payment{}, fmt.Errorf("%w: invoice_ids must not be empty", models.ErrInvalidInput)
	}
	seen := make(map[int64]struct{}, len(invoiceIDs))
	ids := make([]int64, 0, len(invoiceIDs))
	for _, id := range invoiceIDs {
		if id <= 0 {
			return models.Payment{}, fmt.Errorf("%w: invoice id %d", models.ErrInvalidInput, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if !method.Valid() {
		return models.Payment{}, fmt.Errorf("%w: %q", models.ErrUnsupportedMethod, method)
	}

	p, err := l.PaymentRepo.CreateWithClaim(ctx, clientID, ids, method)
	if err != nil {
		return models.Payment{}, err
	}
	loggerOrDefault(l.Logger).Info("payment created",
		"payment_id", p.ID, "payer_id", clientID, "amount", p.Amount.StringFixed(2),
		"method", method, "invoice_ids", p.InvoiceIDs, "requested", len(ids))
	return p, nil
}

// MarkPaid records the provider confirmation. It is safe to call any number
// of times; changed is true only for the call that flipped the payment.
func (l *PaymentLedger) MarkPaid(ctx context.Context, paymentID int64, conf models.ProviderConfirmation) (models.Payment, bool, error) {
	logger := loggerOrDefault(l.Logger).With("op", "MarkPaid", "payment_id", paymentID)

	p, err := l.PaymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return models.Payment{}, false, err
	}
	if !p.IsPaid && !conf.Amount.Equal(p.Amount) {
		logger.Warn("amount mismatch", "stored", p.Amount.StringFixed(2), "captured", conf.Amount.StringFixed(2))
		return p, false, fmt.Errorf("%w: payment %d stored %s, captured %s",
			models.ErrAmountMismatch, paymentID, p.Amount.StringFixed(2), conf.Amount.StringFixed(2))
	}

	changed, err := l.PaymentRepo.MarkPaid(ctx, paymentID, conf)
	if err != nil {
		return p, false, err
	}
	p, err = l.PaymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return models.Payment{}, changed, err
	}
	if changed {
		logger.Info("payment paid", "provider", conf.Provider, "provider_id", conf.ID, "invoice_ids", p.InvoiceIDs)
	} else {
		logger.Info("payment already paid")
	}
	return p, changed, nil
}

// AttachReference stores the provider reference of the latest intent.
func (l *PaymentLedger) AttachReference(ctx context.Context, paymentID int64, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty provider reference", models.ErrInvalidInput)
	}
	return l.PaymentRepo.SetReference(ctx, paymentID, ref)
}

func (l *PaymentLedger) GetPayment(ctx context.Context, paymentID int64) (models.Payment, error) {
	return l.PaymentRepo.GetByID(ctx, paymentID)
}

// PaymentForUser returns the payment when the user is its payer or the
// contractor of one of its invoices.
func (l *PaymentLedger) PaymentForUser(ctx context.Context, userID, paymentID int64) (models.Payment, error) {
	p, err := l.PaymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	if p.PayerID == userID {
		return p, nil
	}
	invoices, err := l.InvoiceRepo.ByPayment(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	for _, inv := range invoices {
		if inv.ContractorID == userID {
			return p, nil
		}
	}
	return models.Payment{}, models.ErrForbidden
}

func (l *PaymentLedger) PaymentsForClient(ctx context.Context, clientID int64) ([]models.Payment, error) {
	return l.PaymentRepo.ByPayer(ctx, clientID)
}

func (l *PaymentLedger) PaymentsForContractor(ctx context.Context, contractorID int64) ([]models.ContractorPayment, error) {
	return l.PaymentRepo.ForContractor(ctx, contractorID)
}

// OpenPaymentsOlderThan lists unpaid payments created before cutoff.
func (l *PaymentLedger) OpenPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]models.Payment, error) {
	return l.PaymentRepo.OpenOlderThan(ctx, cutoff)
}

// MonthlySummary sums paid payments per calendar month of paid_at (UTC),
// oldest month first.
func MonthlySummary(payments []models.Payment) []models.MonthlyTotal {
	byMonth := map[string]*models.MonthlyTotal{}
	for _, p := range payments {
		if !p.IsPaid || p.PaidAt == nil {
			continue
		}
		month := p.PaidAt.UTC().Format("2006-01")
		t, ok := byMonth[month]
		if !ok {
			t = &models.MonthlyTotal{Month: month, Sum: decimal.Zero}
			byMonth[month] = t
		}
		t.Sum = t.Sum.Add(p.Amount)
		t.Count++
	}

	out := make([]models.MonthlyTotal, 0, len(byMonth))
	for _, t := range byMonth {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

// ContractorMonthlySummary is MonthlySummary over the contractor's shares.
func ContractorMonthlySummary(shares []models.ContractorPayment) []models.MonthlyTotal {
	payments := make([]models.Payment, 0, len(shares))
	for _, s := range shares {
		payments = append(payments, models.Payment{ID: s.PaymentID, Amount: s.Amount, IsPaid: s.IsPaid, PaidAt: s.PaidAt})
	}
	return MonthlySummary(payments)
}
