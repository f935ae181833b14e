package repository

import (
	"context"
	"database/sql"
	"fmt"

	internaldb "querycheck/internal/db"
	"querycheck/internal/domain"
)

// SubtaskRepo stores subtask status records in SQLite.
type SubtaskRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewSubtaskRepo creates a SubtaskRepo over the store's pools.
func NewSubtaskRepo(s *internaldb.Store) *SubtaskRepo {
	return &SubtaskRepo{write: s.Write, read: s.Read}
}

// Create inserts a new subtask record. An existing record yields *domain.ConflictError.
func (r *SubtaskRepo) Create(ctx context.Context, s *domain.SubtaskState) error {
	if s.TaskID == "" || s.ObjectKey == "" {
		return domain.ErrValidation("subtask key requires task_id and object_key")
	}
	status := s.Status
	if status == "" {
		status = domain.SubtaskStatusCreated
	}
	_, err := r.write.ExecContext(ctx, `
		INSERT INTO subtasks (task_id, object_key, status, total_count, error_count, warning_count, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.TaskID, s.ObjectKey, string(status),
		s.TotalCount, s.ErrorCount, s.WarningCount, formatTime(s.UpdateTime))
	return mapDBError(err, "subtask "+s.SubtaskKey.String())
}

// Get returns the subtask record for key.
func (r *SubtaskRepo) Get(ctx context.Context, key domain.SubtaskKey) (*domain.SubtaskState, error) {
	var (
		status     string
		updateTime string
		s          = domain.SubtaskState{SubtaskKey: key}
	)
	err := r.read.QueryRowContext(ctx, `
		SELECT status, total_count, error_count, warning_count, update_time
		FROM subtasks WHERE task_id = ? AND object_key = ?`,
		key.TaskID, key.ObjectKey,
	).Scan(&status, &s.TotalCount, &s.ErrorCount, &s.WarningCount, &updateTime)
	if err != nil {
		return nil, mapDBError(err, "subtask "+key.String())
	}

	s.Status, err = domain.ParseSubtaskStatus(status)
	if err != nil {
		return nil, fmt.Errorf("subtask %s: %w", key, err)
	}
	s.UpdateTime = parseTime(updateTime)
	return &s, nil
}

// Transition commits t only if the stored status equals t.From. A lost race,
// or a missing record, yields *domain.ConflictError.
func (r *SubtaskRepo) Transition(ctx context.Context, t domain.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	if t.To.Terminal() {
		res, err = r.write.ExecContext(ctx, `
			UPDATE subtasks
			SET status = ?, total_count = ?, error_count = ?, warning_count = ?, update_time = ?
			WHERE task_id = ? AND object_key = ? AND status = ?`,
			string(t.To), t.Counts.TotalCount, t.Counts.ErrorCount, t.Counts.WarningCount, formatTime(t.At),
			t.Key.TaskID, t.Key.ObjectKey, string(t.From))
	} else {
		res, err = r.write.ExecContext(ctx, `
			UPDATE subtasks SET status = ?, update_time = ?
			WHERE task_id = ? AND object_key = ? AND status = ?`,
			string(t.To), formatTime(t.At),
			t.Key.TaskID, t.Key.ObjectKey, string(t.From))
	}
	if err != nil {
		return fmt.Errorf("update subtask %s: %w", t.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subtask %s: %w", t.Key, err)
	}
	if n == 0 {
		return domain.ErrConflict("subtask %s is not %s", t.Key, t.From)
	}
	return nil
}

var _ domain.SubtaskRepository = (*SubtaskRepo)(nil)
