package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodWallet PaymentMethod = "wallet"
)

// Valid reports whether the method is one of the supported processors.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodWallet
}

// PaymentState is derived from the stored columns, never persisted.
type PaymentState string

const (
	PaymentStateCreated    PaymentState = "CREATED"
	PaymentStateIntentOpen PaymentState = "INTENT_OPEN"
	PaymentStatePaid       PaymentState = "PAID"
)

// Payment is a single checkout transaction covering one or more invoices.
type Payment struct {
	ID                int64                 `json:"id"`
	PayerID           int64                 `json:"payer_id"`
	Amount            decimal.Decimal       `json:"amount"`
	Method            PaymentMethod         `json:"payment_method"`
	ProviderReference *string               `json:"provider_reference,omitempty"`
	Result            *ProviderConfirmation `json:"provider_result,omitempty"`
	IsPaid            bool                  `json:"is_paid"`
	PaidAt            *time.Time            `json:"paid_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         *time.Time            `json:"updated_at,omitempty"`
	InvoiceIDs        []int64               `json:"invoice_ids,omitempty"`
}

func (p Payment) State() PaymentState {
	switch {
	case p.IsPaid:
		return PaymentStatePaid
	case p.ProviderReference != nil && *p.ProviderReference != "":
		return PaymentStateIntentOpen
	default:
		return PaymentStateCreated
	}
}

// Reference returns the provider reference or an empty string.
func (p Payment) Reference() string {
	if p.ProviderReference == nil {
		return ""
	}
	return *p.ProviderReference
}

type ConfirmationStatus string

const (
	ConfirmationPaid    ConfirmationStatus = "paid"
	ConfirmationPending ConfirmationStatus = "pending"
	ConfirmationFailed  ConfirmationStatus = "failed"
)

// ProviderConfirmation is what a processor reports about a transaction. It is
// stored as the payment result.
type ProviderConfirmation struct {
	Provider   PaymentMethod      `json:"provider"`
	ID         string             `json:"id"`
	Status     ConfirmationStatus `json:"status"`
	Amount     decimal.Decimal    `json:"amount"`
	PayerEmail string             `json:"payer_email,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
}

// ContractorPayment is a contractor's share of one payment.
type ContractorPayment struct {
	PaymentID  int64           `json:"payment_id"`
	PayerID    int64           `json:"payer_id"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceIDs []int64         `json:"invoice_ids"`
	IsPaid     bool            `json:"is_paid"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MonthlyTotal aggregates paid amounts per calendar month (YYYY-MM, UTC).
type MonthlyTotal struct {
	Month string          `json:"month"`
	Sum   decimal.Decimal `json:"sum"`
	Count int             `json:"count"`
}
