package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskmarket/internal/models"
	"taskmarket/internal/repositories"
)

const assignmentCASAttempts = 3

// AssignmentPolicy is the ordered list of assignment statuses and the names
// with special meaning.
type AssignmentPolicy struct {
	Statuses        []string
	Strict          bool
	PaidStatus      string
	CompletedStatus string
}

func DefaultAssignmentPolicy() AssignmentPolicy {
	return AssignmentPolicy{
		Statuses:        []string{"PENDING", "IN_PROGRESS", "COMPLETED", "ACCEPTED"},
		PaidStatus:      "IN_PROGRESS",
		CompletedStatus: "COMPLETED",
	}
}

// Rank returns the position of status in the ordered list.
func (p AssignmentPolicy) Rank(status string) (int, bool) {
	for i, s := range p.Statuses {
		if strings.EqualFold(s, status) {
			return i, true
		}
	}
	return -1, false
}

func (p AssignmentPolicy) Validate() error {
	if len(p.Statuses) == 0 {
		return errors.New("assignment statuses are empty")
	}
	if _, ok := p.Rank(p.PaidStatus); !ok {
		return fmt.Errorf("paid status %q is not in the status list", p.PaidStatus)
	}
	if _, ok := p.Rank(p.CompletedStatus); !ok {
		return fmt.Errorf("completed status %q is not in the status list", p.CompletedStatus)
	}
	return nil
}

type AssignmentService struct {
	AssignmentRepo *repositories.AssignmentRepository
	Policy         AssignmentPolicy
	Logger         *slog.Logger
}

// Advance moves the assignment to status on behalf of one of its parties.
func (s *AssignmentService) Advance(ctx context.Context, actorID, assignmentID int64, status string) (models.TaskAssignment, error) {
	target, ok := s.Policy.Rank(status)
	if !ok {
		return models.TaskAssignment{}, fmt.Errorf("%w: %q", models.ErrUnknownStatus, status)
	}
	status = s.Policy.Statuses[target]

	for attempt := 0; attempt < assignmentCASAttempts; attempt++ {
		a, err := s.AssignmentRepo.GetByID(ctx, assignmentID)
		if err != nil {
			return models.TaskAssignment{}, err
		}
		if !a.Involves(actorID) {
			return models.TaskAssignment{}, models.ErrForbidden
		}
		if a.Status == status {
			return a, nil
		}
		current, _ := s.Policy.Rank(a.Status)
		if s.Policy.Strict && target < current {
			return models.TaskAssignment{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, a.Status, status)
		}

		var completedAt *time.Time
		if status == s.Policy.CompletedStatus {
			now := time.Now().UTC()
			completedAt = &now
		}
		err = s.AssignmentRepo.UpdateStatusCAS(ctx, a.ID, a.Status, status, completedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return models.TaskAssignment{}, err
		}
		loggerOrDefault(s.Logger).Info("assignment status changed",
			"assignment_id", a.ID, "from", a.Status, "to", status, "actor_id", actorID)
		return s.AssignmentRepo.GetByID(ctx, a.ID)
	}
	return models.TaskAssignment{}, fmt.Errorf("advance assignment %d: %w", assignmentID, models.ErrConflict)
}

// OnInvoicePaid moves the assignment forward to the paid status. Assignments
// already at or beyond it are left alone, so repeated calls write nothing.
func (s *AssignmentService) OnInvoicePaid(ctx context.Context, assignmentID int64) (bool, error) {
	paid, _ := s.Policy.Rank(s.Policy.PaidStatus)

	for attempt := 0; attempt < assignmentCASAttempts; attempt++ {
		a, err := s.AssignmentRepo.GetByID(ctx, assignmentID)
		if err != nil {
			return false, err
		}
		current, _ := s.Policy.Rank(a.Status)
		if current >= paid {
			return false, nil
		}
		err = s.AssignmentRepo.UpdateStatusCAS(ctx, a.ID, a.Status, s.Policy.PaidStatus, nil)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, err
		}
		loggerOrDefault(s.Logger).Info("assignment moved by payment", "assignment_id", a.ID, "from", a.Status, "to", s.Policy.PaidStatus)
		return true, nil
	}
	return false, fmt.Errorf("assignment %d paid hook: %w", assignmentID, models.ErrConflict)
}

// CanIssueAdditionalInvoice reports whether the contractor may bill the task
// again.
func (s *AssignmentService) CanIssueAdditionalInvoice(a models.TaskAssignment) bool {
	current, ok := s.Policy.Rank(a.Status)
	if !ok {
		return false
	}
	paid, _ := s.Policy.Rank(s.Policy.PaidStatus)
	return current >= paid
}
