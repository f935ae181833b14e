package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"querycheck/internal/domain"
	"querycheck/internal/metrics"
)

// ErrDrained is returned by a finite WorkItemSource once it has nothing
// left to deliver. Agent.Run treats it as a clean stop.
var ErrDrained = errors.New("work item source drained")

// Agent is the worker loop: it pulls work items from a source and hands
// them to a Checker one at a time.
type Agent struct {
	source  domain.WorkItemSource
	checker *Checker
	metrics Recorder
	logger  *slog.Logger
	backoff func() retry.Backoff
}

// NewAgent creates an Agent. metrics may be nil.
func NewAgent(source domain.WorkItemSource, checker *Checker, m Recorder, logger *slog.Logger) *Agent {
	if m == nil {
		m = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		source:  source,
		checker: checker,
		metrics: m,
		logger:  logger,
		backoff: func() retry.Backoff {
			return retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		},
	}
}

// Run processes work items until ctx is cancelled or the source is drained.
// Receive errors are retried with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	b := a.backoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := a.source.Receive(ctx)
		if errors.Is(err, ErrDrained) {
			a.logger.Info("work item source drained")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay, stop := b.Next()
			if stop {
				return fmt.Errorf("receive work items: %w", err)
			}
			a.logger.Warn("receive work items failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		b = a.backoff()

		for _, m := range msgs {
			a.handle(ctx, m)
		}
	}
}

// handle processes one message and acknowledges it unless it should be
// redelivered.
func (a *Agent) handle(ctx context.Context, m domain.Message) {
	logger := a.logger.With("message_id", m.ID)

	var item domain.WorkItem
	if err := json.Unmarshal(m.Body, &item); err != nil {
		logger.Error("undecodable work item, dropping", "error", err)
		a.metrics.WorkItem(metrics.ResultPoison)
		a.ack(ctx, m, logger)
		return
	}

	_, err := a.checker.Process(ctx, &item)
	var valErr *domain.ValidationError
	switch {
	case err == nil:
		a.metrics.WorkItem(metrics.ResultCompleted)
		a.ack(ctx, m, logger)
	case errors.Is(err, ErrAbandoned):
		a.metrics.WorkItem(metrics.ResultAbandoned)
		a.ack(ctx, m, logger)
	case errors.As(err, &valErr):
		logger.Error("invalid work item, dropping", "task_id", item.TaskID, "error", err)
		a.metrics.WorkItem(metrics.ResultPoison)
		a.ack(ctx, m, logger)
	default:
		logger.Error("work item failed", "task_id", item.TaskID, "object_key", item.ObjectKey, "error", err)
		a.metrics.WorkItem(metrics.ResultFailed)
	}
}

func (a *Agent) ack(ctx context.Context, m domain.Message, logger *slog.Logger) {
	if err := a.source.Ack(ctx, m); err != nil {
		logger.Warn("ack work item", "error", err)
	}
}

// StaticSource delivers a fixed list of work items once, then reports
// ErrDrained. It backs local runs that read work items from a file.
type StaticSource struct {
	mu      sync.Mutex
	pending []domain.Message
	batch   int
	acked   int
}

// NewStaticSource creates a StaticSource that hands out at most batch
// messages per Receive.
func NewStaticSource(bodies [][]byte, batch int) *StaticSource {
	msgs := make([]domain.Message, len(bodies))
	for i, b := range bodies {
		msgs[i] = domain.Message{ID: fmt.Sprintf("static-%d", i+1), Body: b}
	}
	return &StaticSource{pending: msgs, batch: max(batch, 1)}
}

// Receive returns the next batch of messages.
func (s *StaticSource) Receive(_ context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, ErrDrained
	}
	n := min(s.batch, len(s.pending))
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out, nil
}

// Ack counts the acknowledgement.
func (s *StaticSource) Ack(_ context.Context, _ domain.Message) error {
	s.mu.Lock()
	s.acked++
	s.mu.Unlock()
	return nil
}

// Acked returns the number of acknowledged messages.
func (s *StaticSource) Acked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

var (
	_ domain.WorkItemSource = (*StaticSource)(nil)
	_ Recorder              = (*metrics.Metrics)(nil)
)
