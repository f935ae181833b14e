package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"querycheck/internal/awsstore"
	"querycheck/internal/config"
	"querycheck/internal/domain"
	"querycheck/internal/metrics"
	"querycheck/internal/service/checker"
)

func newAgentCmd() *cobra.Command {
	var itemsFile string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Process work items until interrupted",
		Long: `Receives work items from QUEUE_URL and processes them one at a time.
With --items, work items are read from a JSON-lines file instead and the
agent exits once every line has been handled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := cfg.Validate(itemsFile == ""); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			b, err := openBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close() //nolint:errcheck

			source, err := workItemSource(ctx, cfg, b, itemsFile)
			if err != nil {
				return err
			}

			m := metrics.New()
			chk, err := newChecker(cfg, b, m, logger)
			if err != nil {
				return err
			}
			agent := checker.NewAgent(source, chk, m, logger)

			g, gctx := errgroup.WithContext(ctx)
			runCtx, stop := context.WithCancel(gctx)
			defer stop()

			if cfg.MetricsAddr != "" {
				g.Go(func() error { return m.Serve(runCtx, cfg.MetricsAddr, logger) })
			}
			g.Go(func() error {
				defer stop()
				return agent.Run(runCtx)
			})

			logger.Info("agent started", "store", cfg.StoreBackend, "object_store", cfg.ObjectStore, "dialect", cfg.TargetDialect)
			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("agent stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&itemsFile, "items", "", "JSON-lines file of work items to process instead of the queue")
	return cmd
}

func workItemSource(ctx context.Context, cfg *config.Config, b *backends, itemsFile string) (domain.WorkItemSource, error) {
	if itemsFile != "" {
		bodies, err := readItemLines(itemsFile)
		if err != nil {
			return nil, err
		}
		return checker.NewStaticSource(bodies, cfg.ReceiveBatch), nil
	}

	awsCfg, err := b.aws(ctx)
	if err != nil {
		return nil, err
	}
	return awsstore.NewSQSSource(sqs.NewFromConfig(awsCfg), cfg.QueueURL, awsstore.SQSOptions{
		BatchSize:  cfg.ReceiveBatch,
		Wait:       cfg.ReceiveWait,
		Visibility: cfg.VisibilityTimeout,
	}), nil
}

// readItemLines returns the non-blank lines of path.
func readItemLines(path string) ([][]byte, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("open work items: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var bodies [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		bodies = append(bodies, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read work items: %w", err)
	}
	return bodies, nil
}
