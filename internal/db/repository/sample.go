package repository

import (
	"context"
	"database/sql"
	"fmt"

	internaldb "querycheck/internal/db"
	"querycheck/internal/domain"
)

// SampleRepo stores per-task query samples in SQLite.
type SampleRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewSampleRepo creates a SampleRepo over the store's pools.
func NewSampleRepo(s *internaldb.Store) *SampleRepo {
	return &SampleRepo{write: s.Write, read: s.Read}
}

// PutSamples upserts samples keyed by (task_id, sql_hash) in one transaction.
func (r *SampleRepo) PutSamples(ctx context.Context, samples []domain.SampleRecord) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (task_id, sql_hash, sql_mask, sql_sample, db_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id, sql_hash) DO UPDATE SET
			sql_mask = excluded.sql_mask,
			sql_sample = excluded.sql_sample,
			db_name = excluded.db_name`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.TaskID, s.SQLHash, s.SQLMask, s.RawQuery, s.Database); err != nil {
			return fmt.Errorf("upsert sample %s/%s: %w", s.TaskID, s.SQLHash, err)
		}
	}
	return tx.Commit()
}

// ListSamples returns the samples of a task ordered by hash.
func (r *SampleRepo) ListSamples(ctx context.Context, taskID string) ([]domain.SampleRecord, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT sql_hash, sql_mask, sql_sample, db_name
		FROM samples WHERE task_id = ? ORDER BY sql_hash`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.SampleRecord
	for rows.Next() {
		s := domain.SampleRecord{TaskID: taskID}
		if err := rows.Scan(&s.SQLHash, &s.SQLMask, &s.RawQuery, &s.Database); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ domain.SampleRepository = (*SampleRepo)(nil)
