// Package testutil opens throwaway SQLite databases with the production schema
// and seeds the rows payment tests keep needing.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"taskmarket/internal/models"
	"taskmarket/internal/repositories"
)

// OpenSQLite returns a migrated database file living in t.TempDir. SQLite
// takes one writer at a time, so the pool is capped at one connection.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := repositories.ApplySchema(context.Background(), db, repositories.DialectSQLite); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

// Fixture seeds tasks, assignments and invoices.
type Fixture struct {
	t           testing.TB
	Tasks       *repositories.TaskRepository
	Assignments *repositories.AssignmentRepository
	Invoices    *repositories.InvoiceRepository
	seq         int
}

func NewFixture(t testing.TB, db *sql.DB) *Fixture {
	return &Fixture{
		t:           t,
		Tasks:       repositories.NewTaskRepository(db),
		Assignments: repositories.NewAssignmentRepository(db),
		Invoices:    repositories.NewInvoiceRepository(db),
	}
}

// Assignment creates a task owned by the client and assigns it to the
// contractor with the given status.
func (f *Fixture) Assignment(clientID, contractorID int64, status string) models.TaskAssignment {
	f.t.Helper()
	ctx := context.Background()
	task, err := f.Tasks.Create(ctx, models.Task{OwnerID: clientID, Title: "task", Price: decimal.NewFromInt(100)})
	if err != nil {
		f.t.Fatalf("create task: %v", err)
	}
	a, err := f.Assignments.Create(ctx, models.TaskAssignment{TaskID: task.ID, ClientID: clientID, ContractorID: contractorID, Status: status})
	if err != nil {
		f.t.Fatalf("create assignment: %v", err)
	}
	return a
}

// Invoice bills the assignment's task once at the given price.
func (f *Fixture) Invoice(a models.TaskAssignment, price string) models.Invoice {
	f.t.Helper()
	f.seq++
	total := decimal.RequireFromString(price)
	inv, err := f.Invoices.Create(context.Background(), models.Invoice{
		InvoiceNumber: fmt.Sprintf("INV-TEST-%04d", f.seq),
		ContractorID:  a.ContractorID,
		ClientID:      a.ClientID,
		TotalPrice:    total,
		Items: []models.InvoiceItem{
			{TaskID: a.TaskID, Name: "work", UnitPrice: total, Quantity: 1},
		},
	})
	if err != nil {
		f.t.Fatalf("create invoice: %v", err)
	}
	return inv
}
