package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Task struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskAssignment binds one task to one contractor for one client.
type TaskAssignment struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	ClientID     int64      `json:"client_id"`
	ContractorID int64      `json:"contractor_id"`
	Status       string     `json:"status"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Involves reports whether the user is a party of the assignment.
func (a TaskAssignment) Involves(userID int64) bool {
	return a.ClientID == userID || a.ContractorID == userID
}
