// Package checker runs one work item end to end: it claims the subtask,
// decodes and samples the audit log, replays admitted queries and records
// the results.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"querycheck/internal/auditlog"
	"querycheck/internal/domain"
	"querycheck/internal/replay"
	"querycheck/internal/report"
	"querycheck/internal/sampler"
	"querycheck/internal/sqlmask"
)

// ErrAbandoned is returned by Process when another worker already claimed
// the subtask. The work item needs no further handling.
var ErrAbandoned = errors.New("subtask already claimed")

// Recorder receives run-level metrics. Implemented by metrics.Metrics.
type Recorder interface {
	replay.Recorder
	ObserveRun(rows, samples int64)
	SampleWriteFailed(n int)
	WorkItem(result string)
}

// TargetOpener opens a replay target for endpoint. The returned close func
// releases every connection the target holds.
type TargetOpener func(ctx context.Context, endpoint string, creds domain.Credentials) (replay.Target, func() error, error)

// SQLTargetOpener opens a database/sql pool of at most maxConns connections.
func SQLTargetOpener(dialect replay.Dialect, maxConns int) TargetOpener {
	return func(ctx context.Context, endpoint string, creds domain.Credentials) (replay.Target, func() error, error) {
		db, err := replay.OpenPool(ctx, dialect, endpoint, creds, maxConns)
		if err != nil {
			return nil, nil, err
		}
		return replay.NewSQLTarget(db, dialect), db.Close, nil
	}
}

// Options configures a Checker.
type Options struct {
	// SecretName identifies the target credentials in the SecretsProvider.
	SecretName string
	// TargetPort is used when the secret carries no port.
	TargetPort     int
	MaxConcurrency int
	BatchFactor    int
	// ReplayQPS caps replays per second across runs; zero is unlimited.
	ReplayQPS float64
	AdminUser string
	Policy    sampler.Policy
	TempDir   string
	// OpenTarget defaults to a MySQL SQLTargetOpener.
	OpenTarget TargetOpener
}

// RunResult summarizes one processed work item.
type RunResult struct {
	RunID      string
	TotalCount int64
	Filtered   int64
	Malformed  int64
	// Rows is the number of qualifying rows after filtering.
	Rows     int64
	Samples  int
	Admitted int
	Outcomes []domain.ReplayOutcome
	Errors   int64
	Warnings int64
	// SampleWriteErr is set when the sample store rejected the samples. The
	// run still completes.
	SampleWriteErr error
}

// Checker processes work items against the status, sample and object stores.
type Checker struct {
	subtasks domain.SubtaskRepository
	samples  domain.SampleRepository
	objects  domain.ObjectStore
	secrets  domain.SecretsProvider
	opts     Options
	limiter  *rate.Limiter
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Checker. metrics may be nil.
func New(
	subtasks domain.SubtaskRepository,
	samples domain.SampleRepository,
	objects domain.ObjectStore,
	secrets domain.SecretsProvider,
	opts Options,
	metrics Recorder,
	logger *slog.Logger,
) *Checker {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = replay.DefaultMaxConcurrency
	}
	if opts.BatchFactor <= 0 {
		opts.BatchFactor = replay.DefaultBatchFactor
	}
	if opts.OpenTarget == nil {
		opts.OpenTarget = SQLTargetOpener(replay.DialectMySQL, opts.MaxConcurrency)
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.ReplayQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ReplayQPS), 1)
	}
	return &Checker{
		subtasks: subtasks,
		samples:  samples,
		objects:  objects,
		secrets:  secrets,
		opts:     opts,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Process claims item's subtask, checks the audit log and completes the
// subtask. Upstream failures are returned wrapped and leave the subtask at
// its last persisted status. A sample write failure is logged and recorded
// on the result, and the subtask still completes.
func (c *Checker) Process(ctx context.Context, item *domain.WorkItem) (*RunResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	key := domain.SubtaskKey{TaskID: item.TaskID, ObjectKey: item.ObjectKey}
	result := &RunResult{RunID: domain.NewID()}
	logger := c.logger.With("task_id", item.TaskID, "object_key", item.ObjectKey, "run_id", result.RunID)

	err := c.subtasks.Transition(ctx, domain.Transition{
		Key:  key,
		From: domain.SubtaskStatusCreated,
		To:   domain.SubtaskStatusInProgress,
		At:   c.now(),
	})
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		logger.Info("subtask not in Created state, abandoning", "reason", err.Error())
		return nil, ErrAbandoned
	}
	if err != nil {
		return nil, fmt.Errorf("start subtask %s: %w", key, err)
	}

	smp, err := sampler.New(item.TaskID, item.CheckPercent, item.Rerun, c.opts.Policy)
	if err != nil {
		return nil, err
	}

	admitted, samples, err := c.decode(ctx, item, smp, result, logger)
	if err != nil {
		return nil, err
	}
	result.Samples = len(samples)
	result.Admitted = len(admitted)
	logger.Info("decode done",
		"total", result.TotalCount, "rows", result.Rows, "distinct", result.Samples,
		"admitted", result.Admitted, "malformed", result.Malformed)

	if item.Rerun && len(admitted) > 0 {
		outcomes, err := c.replay(ctx, item, admitted, logger)
		if err != nil {
			return nil, err
		}
		result.Outcomes = outcomes
		for _, o := range outcomes {
			if o.Failed() {
				result.Errors++
			}
		}
		logger.Info("replay done", "replayed", len(outcomes), "errors", result.Errors)
	}

	if len(samples) > 0 {
		if err := c.samples.PutSamples(ctx, samples); err != nil {
			result.SampleWriteErr = fmt.Errorf("persist samples: %w", err)
			c.metrics.SampleWriteFailed(len(samples))
			logger.Error("sample write failed, continuing", "samples", len(samples), "error", err)
		}
	}

	if result.Errors > 0 {
		n, err := report.AppendErrors(ctx, c.objects, item.Bucket, item.ReportKey(), result.Outcomes)
		if err != nil {
			return nil, err
		}
		logger.Info("error report written", "key", item.ReportKey(), "records", n)
	}

	err = c.subtasks.Transition(ctx, domain.Transition{
		Key:  key,
		From: domain.SubtaskStatusInProgress,
		To:   domain.SubtaskStatusCompleted,
		Counts: domain.SubtaskCounts{
			TotalCount:   result.TotalCount,
			ErrorCount:   result.Errors,
			WarningCount: result.Warnings,
		},
		At: c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("complete subtask %s: %w", key, err)
	}

	c.metrics.ObserveRun(result.TotalCount, int64(result.Samples))
	logger.Info("subtask completed", "total_count", result.TotalCount, "error_count", result.Errors)
	return result, nil
}

// decode streams the object through the masker and sampler. It returns the
// admitted entries and the first-occurrence sample of every distinct hash.
func (c *Checker) decode(
	ctx context.Context,
	item *domain.WorkItem,
	smp *sampler.Sampler,
	result *RunResult,
	logger *slog.Logger,
) ([]domain.LogEntry, []domain.SampleRecord, error) {
	r, err := auditlog.Open(ctx, c.objects, item.Bucket, item.ObjectKey, auditlog.Options{
		AdminUser: c.opts.AdminUser,
		TempDir:   c.opts.TempDir,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	defer r.Close() //nolint:errcheck

	var (
		admitted []domain.LogEntry
		samples  []domain.SampleRecord
	)
	for r.Next() {
		row := r.Row()
		mask := sqlmask.Mask(row.Query)
		entry := domain.LogEntry{
			Time:     row.Time,
			Database: row.Database,
			RawQuery: row.Query,
			User:     row.User,
			SourceIP: row.SourceIP,
			SQLMask:  mask,
			SQLHash:  sqlmask.Hash(mask),
		}
		result.Rows++

		d := smp.Observe(entry)
		if d.Sample != nil {
			samples = append(samples, *d.Sample)
		}
		if d.Admit {
			admitted = append(admitted, entry)
		}
	}
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("decode %s/%s: %w", item.Bucket, item.ObjectKey, err)
	}

	stats := r.Stats()
	result.TotalCount = stats.Total
	result.Filtered = stats.Filtered
	result.Malformed = stats.Malformed
	return admitted, samples, nil
}

func (c *Checker) replay(ctx context.Context, item *domain.WorkItem, entries []domain.LogEntry, logger *slog.Logger) ([]domain.ReplayOutcome, error) {
	creds, err := c.secrets.GetCredentials(ctx, c.opts.SecretName)
	if err != nil {
		return nil, fmt.Errorf("fetch target credentials: %w", err)
	}
	cred := *creds
	if cred.Port == 0 {
		cred.Port = c.opts.TargetPort
	}

	target, closeTarget, err := c.opts.OpenTarget(ctx, item.TargetEndpoint, cred)
	if err != nil {
		return nil, fmt.Errorf("open replay target: %w", err)
	}
	defer func() {
		if err := closeTarget(); err != nil {
			logger.Warn("close replay target", "error", err)
		}
	}()

	engine := &replay.Engine{
		Target:         target,
		MaxConcurrency: c.opts.MaxConcurrency,
		BatchFactor:    c.opts.BatchFactor,
		Limiter:        c.limiter,
		Recorder:       c.metrics,
		Logger:         logger,
	}
	return engine.Replay(ctx, entries), nil
}

type nopRecorder struct{}

func (nopRecorder) ReplayStarted() {}

func (nopRecorder) ReplayFinished(domain.ReplayOutcome) {}

func (nopRecorder) ObserveRun(int64, int64) {}

func (nopRecorder) SampleWriteFailed(int) {}

func (nopRecorder) WorkItem(string) {}
