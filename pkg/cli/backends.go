package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"querycheck/internal/awsstore"
	"querycheck/internal/config"
	internaldb "querycheck/internal/db"
	"querycheck/internal/db/repository"
	"querycheck/internal/domain"
	"querycheck/internal/objectstore"
	"querycheck/internal/replay"
	"querycheck/internal/sampler"
	"querycheck/internal/secrets"
	"querycheck/internal/service/checker"
)

// backends holds the stores selected by configuration.
type backends struct {
	subtasks domain.SubtaskRepository
	samples  domain.SampleRepository
	objects  domain.ObjectStore
	secrets  domain.SecretsProvider

	region  string
	awsCfg  *aws.Config
	closers []func() error
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("config", "warning", w)
	}
	return logger
}

// aws loads the AWS config once, on first use.
func (b *backends) aws(ctx context.Context) (aws.Config, error) {
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}
	cfg, err := awsstore.LoadConfig(ctx, b.region)
	if err != nil {
		return aws.Config{}, err
	}
	b.awsCfg = &cfg
	return cfg, nil
}

func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{region: cfg.Region}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	switch cfg.StoreBackend {
	case config.StoreSQLite:
		store, err := internaldb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open status store: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.subtasks = repository.NewSubtaskRepo(store)
		b.samples = repository.NewSampleRepo(store)
	default:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg)
		b.subtasks = awsstore.NewSubtaskRepo(client, cfg.SubtaskTable)
		b.samples = awsstore.NewSampleRepo(client, cfg.SampleTable)
	}

	switch cfg.ObjectStore {
	case config.ObjectStoreLocal:
		b.objects = objectstore.NewLocalStore(cfg.LocalRoot)
	case config.ObjectStoreGCS:
		gcs, err := objectstore.NewGCSStore(ctx, cfg.GCSKeyFile)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, gcs.Close)
		b.objects = gcs
	case config.ObjectStoreAzure:
		az, err := objectstore.NewAzureStore(cfg.AzureConnectionString)
		if err != nil {
			return nil, err
		}
		b.objects = az
	default:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		b.objects = objectstore.NewS3Store(awsCfg, objectstore.S3Options{
			Endpoint: cfg.S3Endpoint,
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
		})
	}

	switch cfg.SecretsBackend {
	case config.SecretsEnv:
		b.secrets = secrets.NewEnvProvider()
	default:
		awsCfg, err := b.aws(ctx)
		if err != nil {
			return nil, err
		}
		b.secrets = awsstore.NewSecretsManagerProvider(secretsmanager.NewFromConfig(awsCfg))
	}
	return b, nil
}

// Close releases every opened backend.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func newChecker(cfg *config.Config, b *backends, m checker.Recorder, logger *slog.Logger) (*checker.Checker, error) {
	dialect, err := replay.ParseDialect(cfg.TargetDialect)
	if err != nil {
		return nil, err
	}
	policy, err := sampler.ParsePolicy(cfg.SamplingPolicy)
	if err != nil {
		return nil, err
	}
	return checker.New(b.subtasks, b.samples, b.objects, b.secrets, checker.Options{
		SecretName:     cfg.SecretName,
		TargetPort:     cfg.TargetPort,
		MaxConcurrency: cfg.MaxConcurrency,
		BatchFactor:    cfg.BatchFactor,
		ReplayQPS:      cfg.ReplayQPS,
		AdminUser:      cfg.AdminUser,
		Policy:         policy,
		TempDir:        cfg.TempDir,
		OpenTarget:     checker.SQLTargetOpener(dialect, cfg.MaxConcurrency),
	}, m, logger), nil
}
