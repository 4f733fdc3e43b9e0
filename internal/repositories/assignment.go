package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskmarket/internal/models"
)

// TaskRepository is the read side of tasks; task CRUD lives elsewhere.
type TaskRepository struct {
	DB *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository { return &TaskRepository{DB: db} }

func (r *TaskRepository) Create(ctx context.Context, t models.Task) (models.Task, error) {
	t.CreatedAt = time.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks (owner_id, title, price, archived, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.OwnerID, t.Title, t.Price, t.Archived, t.CreatedAt)
	if err != nil {
		return models.Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Task{}, err
	}
	t.ID = id
	return t, nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id int64) (models.Task, error) {
	var t models.Task
	err := r.DB.QueryRowContext(ctx, `SELECT id, owner_id, title, price, archived, created_at FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.OwnerID, &t.Title, &t.Price, &t.Archived, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, models.ErrNotFound
	}
	return t, err
}

// AssignmentRepository handles task_assignments.
type AssignmentRepository struct {
	DB *sql.DB
}

func NewAssignmentRepository(db *sql.DB) *AssignmentRepository { return &AssignmentRepository{DB: db} }

const assignmentColumns = `id, task_id, client_id, contractor_id, status, completed_at, updated_at`

func scanAssignment(scanner interface{ Scan(dest ...any) error }) (models.TaskAssignment, error) {
	var (
		a           models.TaskAssignment
		completedAt sql.NullTime
		updatedAt   sql.NullTime
	)
	if err := scanner.Scan(&a.ID, &a.TaskID, &a.ClientID, &a.ContractorID, &a.Status, &completedAt, &updatedAt); err != nil {
		return models.TaskAssignment{}, err
	}
	a.CompletedAt = nullTimePtr(completedAt)
	a.UpdatedAt = nullTimePtr(updatedAt)
	return a, nil
}

// Create inserts an assignment; a second one for the same task and contractor
// is rejected with models.ErrConflict.
func (r *AssignmentRepository) Create(ctx context.Context, a models.TaskAssignment) (models.TaskAssignment, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_assignments (task_id, client_id, contractor_id, status) VALUES (?, ?, ?, ?)`,
		a.TaskID, a.ClientID, a.ContractorID, a.Status)
	if err != nil {
		if isDuplicateKeyError(err) {
			return models.TaskAssignment{}, models.ErrConflict
		}
		return models.TaskAssignment{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.TaskAssignment{}, err
	}
	a.ID = id
	return a, nil
}

func (r *AssignmentRepository) GetByID(ctx context.Context, id int64) (models.TaskAssignment, error) {
	a, err := scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskAssignment{}, models.ErrNotFound
	}
	return a, err
}

// FindByTaskContractor returns the assignment binding the task to the
// contractor.
func (r *AssignmentRepository) FindByTaskContractor(ctx context.Context, taskID, contractorID int64) (models.TaskAssignment, error) {
	a, err := scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id = ? AND contractor_id = ?`, taskID, contractorID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskAssignment{}, models.ErrNotFound
	}
	return a, err
}

// UpdateStatusCAS moves the assignment to toStatus when its status is still
// fromStatus. completedAt is written only when non-nil.
func (r *AssignmentRepository) UpdateStatusCAS(ctx context.Context, id int64, fromStatus, toStatus string, completedAt *time.Time) error {
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if completedAt != nil {
		res, err = r.DB.ExecContext(ctx, `UPDATE task_assignments SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			toStatus, completedAt.UTC(), now, id, fromStatus)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE task_assignments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			toStatus, now, id, fromStatus)
	}
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
