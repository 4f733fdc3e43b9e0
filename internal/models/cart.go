package models

import "github.com/shopspring/decimal"

type CartItem struct {
	InvoiceID     int64           `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	ContractorID  int64           `json:"contractor_id"`
	TotalPrice    decimal.Decimal `json:"total_price"`
}

// CartView is the client's cart with current invoice prices. It only lists
// invoices that are still billable.
type CartView struct {
	OwnerID int64           `json:"owner_id"`
	Items   []CartItem      `json:"items"`
	Total   decimal.Decimal `json:"total"`
}

func (c CartView) InvoiceIDs() []int64 {
	ids := make([]int64, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.InvoiceID)
	}
	return ids
}
