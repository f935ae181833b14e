// Package config handles agent configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// Object store backends.
const (
	ObjectStoreS3    = "s3"
	ObjectStoreGCS   = "gcs"
	ObjectStoreAzure = "azure"
	ObjectStoreLocal = "local"
)

// Secrets backends.
const (
	SecretsManager = "secretsmanager"
	SecretsEnv     = "env"
)

// Config holds the agent configuration.
type Config struct {
	// AWS
	Region       string
	QueueURL     string
	SubtaskTable string
	SampleTable  string
	SecretName   string // secret holding target credentials

	SecretsBackend string // secretsmanager (default) or env

	StoreBackend string // dynamodb (default) or sqlite
	SQLitePath   string // status store file for the sqlite backend

	ObjectStore           string // s3 (default), gcs, azure or local
	LocalRoot             string // root directory for the local object store
	AzureConnectionString string
	S3Endpoint            string // S3-compatible endpoint override
	S3KeyID               string // static keys for S3Endpoint; empty uses the AWS chain
	S3Secret              string
	GCSKeyFile            string // service account key; empty uses ADC

	// Replay target
	TargetDialect  string
	TargetPort     int
	MaxConcurrency int
	BatchFactor    int
	ReplayQPS      float64 // 0 = unlimited

	AdminUser      string
	SamplingPolicy string

	// Queue polling
	ReceiveBatch      int
	ReceiveWait       time.Duration
	VisibilityTimeout time.Duration

	MetricsAddr string // empty disables the metrics server
	LogLevel    string
	TempDir     string

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadFromEnv loads configuration from environment variables and applies
// defaults. It does not validate backend requirements; see Validate.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Region:                os.Getenv("REGION"),
		QueueURL:              os.Getenv("QUEUE_URL"),
		SubtaskTable:          os.Getenv("SUBTASK_TABLE"),
		SampleTable:           os.Getenv("SAMPLE_TABLE"),
		SecretName:            os.Getenv("SECRET_NAME"),
		SecretsBackend:        strings.ToLower(os.Getenv("SECRETS_BACKEND")),
		StoreBackend:          strings.ToLower(os.Getenv("STORE_BACKEND")),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		ObjectStore:           strings.ToLower(os.Getenv("OBJECT_STORE")),
		LocalRoot:             os.Getenv("LOCAL_ROOT"),
		AzureConnectionString: os.Getenv("AZURE_CONNECTION_STRING"),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3KeyID:               os.Getenv("S3_KEY_ID"),
		S3Secret:              os.Getenv("S3_SECRET"),
		GCSKeyFile:            os.Getenv("GCS_KEY_FILE"),
		TargetDialect:         strings.ToLower(os.Getenv("TARGET_DIALECT")),
		AdminUser:             os.Getenv("ADMIN_USER"),
		SamplingPolicy:        strings.ToLower(os.Getenv("SAMPLING_POLICY")),
		MetricsAddr:           os.Getenv("METRICS_ADDR"),
		LogLevel:              os.Getenv("LOG_LEVEL"),
		TempDir:               os.Getenv("TEMP_DIR"),
	}

	var err error
	if cfg.TargetPort, err = intEnv("TARGET_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("MAX_CONCURRENCY", 20); err != nil {
		return nil, err
	}
	if cfg.BatchFactor, err = intEnv("BATCH_FACTOR", 2); err != nil {
		return nil, err
	}
	if cfg.ReceiveBatch, err = intEnv("RECEIVE_BATCH", 1); err != nil {
		return nil, err
	}
	if cfg.ReceiveWait, err = durationEnv("RECEIVE_WAIT", time.Second); err != nil {
		return nil, err
	}
	if cfg.VisibilityTimeout, err = durationEnv("VISIBILITY_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}
	if v := os.Getenv("REPLAY_QPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("REPLAY_QPS: %w", err)
		}
		cfg.ReplayQPS = f
	}

	// Defaults
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreDynamoDB
	}
	if cfg.SecretsBackend == "" {
		cfg.SecretsBackend = SecretsManager
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "querycheck.sqlite"
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = ObjectStoreS3
	}
	if cfg.TargetDialect == "" {
		cfg.TargetDialect = "mysql"
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = "rdsadmin"
	}
	if cfg.SamplingPolicy == "" {
		cfg.SamplingPolicy = "zero-based"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Validate checks ranges and the settings each backend requires.
// requireQueue is false for one-shot commands that do not poll a queue.
func (c *Config) Validate(requireQueue bool) error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.BatchFactor < 1 {
		return fmt.Errorf("BATCH_FACTOR must be at least 1, got %d", c.BatchFactor)
	}
	if c.ReplayQPS < 0 {
		return fmt.Errorf("REPLAY_QPS must not be negative")
	}
	if c.ReceiveBatch < 1 || c.ReceiveBatch > 10 {
		return fmt.Errorf("RECEIVE_BATCH must be between 1 and 10, got %d", c.ReceiveBatch)
	}
	if c.TargetPort < 0 || c.TargetPort > 65535 {
		return fmt.Errorf("TARGET_PORT out of range: %d", c.TargetPort)
	}

	switch c.StoreBackend {
	case StoreDynamoDB:
		if c.SubtaskTable == "" || c.SampleTable == "" {
			return fmt.Errorf("SUBTASK_TABLE and SAMPLE_TABLE are required for the dynamodb store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.ObjectStore {
	case ObjectStoreS3:
		if (c.S3KeyID == "") != (c.S3Secret == "") {
			return fmt.Errorf("S3_KEY_ID and S3_SECRET must be set together")
		}
	case ObjectStoreGCS:
	case ObjectStoreAzure:
		if c.AzureConnectionString == "" {
			return fmt.Errorf("AZURE_CONNECTION_STRING is required for the azure object store")
		}
	case ObjectStoreLocal:
		if c.LocalRoot == "" {
			return fmt.Errorf("LOCAL_ROOT is required for the local object store")
		}
	default:
		return fmt.Errorf("unknown OBJECT_STORE %q", c.ObjectStore)
	}

	switch c.SecretsBackend {
	case SecretsManager, SecretsEnv:
	default:
		return fmt.Errorf("unknown SECRETS_BACKEND %q", c.SecretsBackend)
	}

	if requireQueue && c.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	if c.SecretName == "" {
		c.Warnings = append(c.Warnings, "SECRET_NAME not set; rerun work items will fail to fetch credentials")
	}
	if c.Region == "" && (c.StoreBackend == StoreDynamoDB || c.ObjectStore == ObjectStoreS3 || c.SecretsBackend == SecretsManager) {
		c.Warnings = append(c.Warnings, "REGION not set; falling back to the AWS default chain")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// fileKeyAliases maps config file keys that differ from their environment
// variable names.
var fileKeyAliases = map[string]string{
	"subtask_dynamodb_name":    "SUBTASK_TABLE",
	"sql_sample_dynamodb_name": "SAMPLE_TABLE",
}

// LoadFile reads a flat YAML file of settings and exports each one that is
// not already set in the environment. Keys are the lowercase environment
// variable names (queue_url, max_concurrency, ...).
func LoadFile(path string) error {
	b, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range values {
		if v == nil {
			continue
		}
		key, ok := fileKeyAliases[strings.ToLower(k)]
		if !ok {
			key = strings.ToUpper(k)
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("setenv %s: %w", key, err)
		}
	}
	return nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
