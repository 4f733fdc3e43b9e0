// Package payments implements the processors a payment can be settled with.
// Each processor is a Gateway; the reconciliation service only talks to the
// interface.
package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
)

// IntentRequest carries what a processor needs to open a transaction. The
// payment id is embedded in provider metadata for later correlation.
type IntentRequest struct {
	PaymentID   int64
	Amount      decimal.Decimal
	Description string
	Email       string
}

// Intent is an opened provider transaction. Handle drives the provider UI
// (redirect URL).
type Intent struct {
	Reference string
	Handle    string
}

// ConfirmRequest identifies the transaction to settle. Amount is the stored
// payment amount; gateways that capture funds refuse to capture anything else.
type ConfirmRequest struct {
	PaymentID int64
	Reference string
	Amount    decimal.Decimal
}

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventIgnored          EventKind = "ignored"
)

// Event is a verified provider callback.
type Event struct {
	Kind         EventKind
	PaymentID    int64
	Reference    string
	Confirmation models.ProviderConfirmation
}

type Gateway interface {
	Method() models.PaymentMethod
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// Confirm pulls the transaction state from the provider. A transaction
	// that was captured earlier is reported with models.ErrAlreadyCaptured
	// next to a valid confirmation.
	Confirm(ctx context.Context, req ConfirmRequest) (models.ProviderConfirmation, error)
	// ParseEvent verifies and decodes a webhook body.
	ParseEvent(raw []byte, signature string) (Event, error)
}

// Registry resolves the gateway for a payment method.
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		if g != nil {
			r.gateways[g.Method()] = g
		}
	}
	return r
}

func (r *Registry) Get(method models.PaymentMethod) (Gateway, error) {
	if r != nil {
		if g, ok := r.gateways[method]; ok {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedMethod, method)
}
