package domain

import "context"

// SubtaskRepository persists subtask status records. Every status change goes
// through Transition, which is optimistic-concurrency guarded.
type SubtaskRepository interface {
	Create(ctx context.Context, s *SubtaskState) error
	Get(ctx context.Context, key SubtaskKey) (*SubtaskState, error)
	// Transition commits t only if the stored status equals t.From. When it does
	// not, the returned error is a *ConflictError.
	Transition(ctx context.Context, t Transition) error
}

// SampleRepository persists representative query samples, keyed by
// (task_id, sql_hash). PutSamples is an idempotent upsert.
type SampleRepository interface {
	PutSamples(ctx context.Context, samples []SampleRecord) error
	ListSamples(ctx context.Context, taskID string) ([]SampleRecord, error)
}
