package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taskmarket/internal/models"
	"taskmarket/internal/repositories"
)

type InvoiceService struct {
	InvoiceRepo    *repositories.InvoiceRepository
	AssignmentRepo *repositories.AssignmentRepository
	Assignments    *AssignmentService
	Logger         *slog.Logger
}

// Issue bills the client for work on tasks assigned to the contractor.
func (s *InvoiceService) Issue(ctx context.Context, contractorID int64, draft models.InvoiceDraft) (models.Invoice, error) {
	if draft.ClientID <= 0 {
		return models.Invoice{}, fmt.Errorf("%w: client_id", models.ErrInvalidInput)
	}
	if draft.ClientID == contractorID {
		return models.Invoice{}, fmt.Errorf("%w: contractor cannot bill themselves", models.ErrInvalidInput)
	}
	if len(draft.Items) == 0 {
		return models.Invoice{}, fmt.Errorf("%w: items must not be empty", models.ErrInvalidInput)
	}

	total := decimal.Zero
	checked := map[int64]bool{}
	for i, item := range draft.Items {
		if item.TaskID <= 0 || item.Quantity < 1 || item.UnitPrice.IsNegative() || strings.TrimSpace(item.Name) == "" {
			return models.Invoice{}, fmt.Errorf("%w: item %d", models.ErrInvalidInput, i)
		}
		total = total.Add(item.LineTotal())
		if checked[item.TaskID] {
			continue
		}
		if err := s.checkTask(ctx, contractorID, draft.ClientID, item.TaskID); err != nil {
			return models.Invoice{}, err
		}
		checked[item.TaskID] = true
	}

	inv, err := s.InvoiceRepo.Create(ctx, models.Invoice{
		InvoiceNumber: newInvoiceNumber(time.Now().UTC()),
		ContractorID:  contractorID,
		ClientID:      draft.ClientID,
		TotalPrice:    total.Round(2),
		Items:         draft.Items,
	})
	if err != nil {
		return models.Invoice{}, err
	}
	loggerOrDefault(s.Logger).Info("invoice issued",
		"invoice_id", inv.ID, "number", inv.InvoiceNumber, "contractor_id", contractorID,
		"client_id", draft.ClientID, "total", inv.TotalPrice.StringFixed(2))
	return inv, nil
}

func (s *InvoiceService) checkTask(ctx context.Context, contractorID, clientID, taskID int64) error {
	a, err := s.AssignmentRepo.FindByTaskContractor(ctx, taskID, contractorID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: task %d is not assigned to you", models.ErrForbidden, taskID)
	}
	if err != nil {
		return err
	}
	if a.ClientID != clientID {
		return fmt.Errorf("%w: task %d belongs to another client", models.ErrForbidden, taskID)
	}
	issued, err := s.InvoiceRepo.CountForTask(ctx, contractorID, taskID)
	if err != nil {
		return err
	}
	if issued > 0 && !s.Assignments.CanIssueAdditionalInvoice(a) {
		return fmt.Errorf("%w: task %d is %s", models.ErrAdditionalInvoiceNotAllowed, taskID, a.Status)
	}
	return nil
}

// Get returns the invoice to its client or contractor.
func (s *InvoiceService) Get(ctx context.Context, userID, invoiceID int64) (models.Invoice, error) {
	inv, err := s.InvoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return models.Invoice{}, err
	}
	if inv.ClientID != userID && inv.ContractorID != userID {
		return models.Invoice{}, models.ErrForbidden
	}
	return inv, nil
}

// newInvoiceNumber renders INV-YYYYMMDD-XXXXXXXX.
func newInvoiceNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "INV-" + now.Format("20060102") + "-" + suffix
}
