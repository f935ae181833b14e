package replay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"querycheck/internal/domain"
)

// Engine defaults.
const (
	DefaultMaxConcurrency = 20
	DefaultBatchFactor    = 2
)

// Recorder observes replay progress. Implemented by metrics.Metrics.
type Recorder interface {
	ReplayStarted()
	ReplayFinished(outcome domain.ReplayOutcome)
}

// Engine fans admitted entries out to a Target.
type Engine struct {
	Target Target
	// MaxConcurrency bounds simultaneous replays, and therefore connections held.
	MaxConcurrency int
	// BatchFactor sizes launch batches at BatchFactor*MaxConcurrency entries.
	BatchFactor int
	// Limiter caps replays per second when set.
	Limiter  *rate.Limiter
	Recorder Recorder
	Logger   *slog.Logger
}

func (e *Engine) concurrency() int {
	if e.MaxConcurrency > 0 {
		return e.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

func (e *Engine) batchSize() int {
	f := e.BatchFactor
	if f <= 0 {
		f = DefaultBatchFactor
	}
	return f * e.concurrency()
}

// Replay runs every entry and returns exactly one outcome per entry, in input
// order. A failing entry becomes an ERROR outcome and never affects its
// siblings. Batches are fully drained before the next one is launched.
func (e *Engine) Replay(ctx context.Context, entries []domain.LogEntry) []domain.ReplayOutcome {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outcomes := make([]domain.ReplayOutcome, len(entries))
	sem := semaphore.NewWeighted(int64(e.concurrency()))
	size := e.batchSize()

	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = e.replayOne(ctx, sem, entries[i])
				if outcomes[i].Failed() {
					logger.Debug("replay failed",
						"sql_hash", entries[i].SQLHash, "database", entries[i].Database,
						"error", outcomes[i].Message)
				}
				return nil
			})
		}
		_ = g.Wait()

		logger.Debug("replay batch done", "from", start, "to", end)
	}
	return outcomes
}

func (e *Engine) replayOne(ctx context.Context, sem *semaphore.Weighted, entry domain.LogEntry) domain.ReplayOutcome {
	outcome := domain.ReplayOutcome{Entry: entry, StatusCode: domain.StatusCodeOK}

	// Take the rate token before the slot; a waiting replay holds no connection.
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			outcome.StatusCode = domain.StatusCodeError
			outcome.Message = err.Error()
			return outcome
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		outcome.StatusCode = domain.StatusCodeError
		outcome.Message = err.Error()
		return outcome
	}
	defer sem.Release(1)

	if e.Recorder != nil {
		e.Recorder.ReplayStarted()
		defer func() { e.Recorder.ReplayFinished(outcome) }()
	}

	if err := e.Target.Replay(ctx, entry); err != nil {
		outcome.StatusCode = domain.StatusCodeError
		outcome.Message = err.Error()
	}
	return outcome
}
