package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a contractor's bill to a client. PaymentID is nil until the
// invoice is claimed by a payment.
type Invoice struct {
	ID            int64           `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	ContractorID  int64           `json:"contractor_id"`
	ClientID      int64           `json:"client_id"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	Items         []InvoiceItem   `json:"items"`
	PaymentID     *int64          `json:"payment_id,omitempty"`
	IsPaid        bool            `json:"is_paid"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InvoiceItem is one ordered line of an invoice.
type InvoiceItem struct {
	TaskID    int64           `json:"task_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// LineTotal returns unit price multiplied by quantity.
func (i InvoiceItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Billed reports whether some payment already claimed the invoice.
func (inv Invoice) Billed() bool { return inv.PaymentID != nil }

// InvoiceDraft is the contractor-supplied part of a new invoice.
type InvoiceDraft struct {
	ClientID int64         `json:"client_id"`
	Items    []InvoiceItem `json:"items"`
}
