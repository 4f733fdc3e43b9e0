package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/payments"
	"taskmarket/internal/repositories"
	"taskmarket/internal/testutil"
)

type stubGateway struct {
	method models.PaymentMethod

	mu        sync.Mutex
	intents   int
	intentErr error
	confirm   func(req payments.ConfirmRequest) (models.ProviderConfirmation, error)
	parse     func(raw []byte, signature string) (payments.Event, error)
}

func (g *stubGateway) Method() models.PaymentMethod { return g.method }

func (g *stubGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intentErr != nil {
		return payments.Intent{}, g.intentErr
	}
	g.intents++
	ref := fmt.Sprintf("%s-%d-%d", g.method, req.PaymentID, g.intents)
	return payments.Intent{Reference: ref, Handle: "https://pay.example/" + ref}, nil
}

func (g *stubGateway) Confirm(_ context.Context, req payments.ConfirmRequest) (models.ProviderConfirmation, error) {
	if g.confirm == nil {
		return models.ProviderConfirmation{}, models.ErrProviderUnavailable
	}
	return g.confirm(req)
}

func (g *stubGateway) ParseEvent(raw []byte, signature string) (payments.Event, error) {
	if g.parse == nil {
		return payments.Event{}, models.ErrInvalidSignature
	}
	return g.parse(raw, signature)
}

type testEnv struct {
	db          *sql.DB
	fx          *testutil.Fixture
	card        *stubGateway
	wallet      *stubGateway
	cart        *CartService
	ledger      *PaymentLedger
	assignments *AssignmentService
	invoices    *InvoiceService
	engine      *ReconciliationService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.OpenSQLite(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	invoiceRepo := repositories.NewInvoiceRepository(db)
	assignmentRepo := repositories.NewAssignmentRepository(db)

	env := &testEnv{
		db:     db,
		fx:     testutil.NewFixture(t, db),
		card:   &stubGateway{method: models.PaymentMethodCard},
		wallet: &stubGateway{method: models.PaymentMethodWallet},
	}
	env.cart = &CartService{Store: repositories.NewCartRepository(db), InvoiceRepo: invoiceRepo, Logger: logger}
	env.ledger = &PaymentLedger{PaymentRepo: repositories.NewPaymentRepository(db), InvoiceRepo: invoiceRepo, Logger: logger}
	env.assignments = &AssignmentService{AssignmentRepo: assignmentRepo, Policy: DefaultAssignmentPolicy(), Logger: logger}
	env.invoices = &InvoiceService{InvoiceRepo: invoiceRepo, AssignmentRepo: assignmentRepo, Assignments: env.assignments, Logger: logger}
	env.engine = &ReconciliationService{
		Cart:           env.cart,
		Ledger:         env.ledger,
		Gateways:       payments.NewRegistry(env.card, env.wallet),
		Assignments:    env.assignments,
		InvoiceRepo:    invoiceRepo,
		AssignmentRepo: assignmentRepo,
		Logger:         logger,
	}
	return env
}

// paidConfirm reports the payment as captured for amount.
func paidConfirm(method models.PaymentMethod, amount string) func(payments.ConfirmRequest) (models.ProviderConfirmation, error) {
	return func(req payments.ConfirmRequest) (models.ProviderConfirmation, error) {
		return models.ProviderConfirmation{
			Provider: method,
			ID:       req.Reference,
			Status:   models.ConfirmationPaid,
			Amount:   decimal.RequireFromString(amount),
		}, nil
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
