package models

import (
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("concurrent update conflict")
	ErrAlreadyBilled   = errors.New("invoice already billed")
	ErrPaymentNotFound = errors.New("payment not found")
)

// Checkout and reconciliation outcomes.
var (
	ErrNoBillableInvoices  = errors.New("no billable invoices")
	ErrUnsupportedMethod   = errors.New("unsupported payment method")
	ErrAlreadyPaid         = errors.New("payment already paid")
	ErrPaymentNotCaptured  = errors.New("payment not captured by provider")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrReferenceMismatch   = errors.New("provider reference mismatch")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrAlreadyCaptured     = errors.New("payment already captured")
	ErrInvalidSignature    = errors.New("invalid provider signature")
)

var (
	ErrUnknownStatus               = errors.New("unknown assignment status")
	ErrInvalidTransition           = errors.New("invalid status transition")
	ErrAdditionalInvoiceNotAllowed = errors.New("additional invoice not allowed for assignment status")
)
