package cli

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"querycheck/internal/config"
	"querycheck/internal/domain"
	"querycheck/internal/service/checker"
)

type replaySummary struct {
	TaskID       string `json:"task_id"`
	ObjectKey    string `json:"object_key"`
	Status       string `json:"status"`
	TotalCount   int64  `json:"total_count"`
	ErrorCount   int64  `json:"error_count"`
	WarningCount int64  `json:"warning_count"`
	UpdateTime   string `json:"update_time"`
	Abandoned    bool   `json:"abandoned,omitempty"`

	RunID     string `json:"run_id,omitempty"`
	Rows      int64  `json:"rows"`
	Filtered  int64  `json:"filtered"`
	Malformed int64  `json:"malformed"`
	Samples   int    `json:"samples"`
	Admitted  int    `json:"admitted"`
	ReportKey string `json:"report_key,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var item domain.WorkItem

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Process one audit-log object locally",
		Long: `Seeds a Created subtask in the SQLite status store and processes a
single work item against the configured object store and target.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg.StoreBackend = config.StoreSQLite
			if err := cfg.Validate(false); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := item.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			b, err := openBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close() //nolint:errcheck

			key := domain.SubtaskKey{TaskID: item.TaskID, ObjectKey: item.ObjectKey}
			err = b.subtasks.Create(ctx, &domain.SubtaskState{SubtaskKey: key, Status: domain.SubtaskStatusCreated})
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				logger.Info("subtask already exists", "task_id", key.TaskID, "object_key", key.ObjectKey)
			} else if err != nil {
				return fmt.Errorf("seed subtask: %w", err)
			}

			chk, err := newChecker(cfg, b, nil, logger)
			if err != nil {
				return err
			}

			summary := replaySummary{}
			res, err := chk.Process(ctx, &item)
			switch {
			case errors.Is(err, checker.ErrAbandoned):
				summary.Abandoned = true
			case err != nil:
				return err
			default:
				summary.RunID = res.RunID
				summary.Rows = res.Rows
				summary.Filtered = res.Filtered
				summary.Malformed = res.Malformed
				summary.Samples = res.Samples
				summary.Admitted = res.Admitted
				if res.Errors > 0 {
					summary.ReportKey = item.ReportKey()
				}
			}

			state, err := b.subtasks.Get(ctx, key)
			if err != nil {
				return err
			}
			summary.TaskID = state.TaskID
			summary.ObjectKey = state.ObjectKey
			summary.Status = string(state.Status)
			summary.TotalCount = state.TotalCount
			summary.ErrorCount = state.ErrorCount
			summary.WarningCount = state.WarningCount
			summary.UpdateTime = state.UpdateTime.Format(domain.UpdateTimeLayout)

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&item.Bucket, "bucket", "", "Bucket holding the audit-log object (required)")
	cmd.Flags().StringVar(&item.ObjectKey, "key", "", "Audit-log object key (required)")
	cmd.Flags().StringVar(&item.TaskID, "task-id", "", "Task identifier (required)")
	cmd.Flags().StringVar(&item.ClusterIdentifier, "cluster", "", "Source cluster identifier")
	cmd.Flags().IntVar(&item.CheckPercent, "check-percent", 1, "Replay share per query shape, 1-10 of every 10 occurrences")
	cmd.Flags().BoolVar(&item.Rerun, "rerun", false, "Replay admitted queries against the target")
	cmd.Flags().StringVar(&item.TargetEndpoint, "endpoint", "", "Target endpoint, required with --rerun")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func printSummary(w io.Writer, s replaySummary) {
	_, _ = fmt.Fprintf(w, "task:       %s\n", s.TaskID)
	_, _ = fmt.Fprintf(w, "object:     %s\n", s.ObjectKey)
	_, _ = fmt.Fprintf(w, "status:     %s\n", s.Status)
	if s.Abandoned {
		_, _ = fmt.Fprintln(w, "abandoned:  subtask was not in Created state")
		return
	}
	_, _ = fmt.Fprintf(w, "total:      %d (filtered %d, malformed %d)\n", s.TotalCount, s.Filtered, s.Malformed)
	_, _ = fmt.Fprintf(w, "samples:    %d\n", s.Samples)
	_, _ = fmt.Fprintf(w, "replayed:   %d\n", s.Admitted)
	_, _ = fmt.Fprintf(w, "errors:     %d\n", s.ErrorCount)
	if s.ReportKey != "" {
		_, _ = fmt.Fprintf(w, "report:     %s\n", s.ReportKey)
	}
}
