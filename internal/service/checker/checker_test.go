package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querycheck/internal/db"
	"querycheck/internal/db/repository"
	"querycheck/internal/domain"
	"querycheck/internal/replay"
	"querycheck/internal/report"
	"querycheck/internal/testutil"
)

const (
	testBucket = "audit-bucket"
	testKey    = "cluster-1/audit/server_audit.log.gz"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func auditLine(sec int, user, op, database, query string) string {
	return fmt.Sprintf("20240101 00:00:%02d,ip-10-0-0-5,%s,10.0.0.1,101,%d,%s,%s,'%s',0",
		sec, user, 2000+sec, op, database, query)
}

// auditLog holds twelve occurrences of one select shape, one update, one
// admin row and one malformed line.
func auditLog(t *testing.T) []byte {
	t.Helper()
	var lines []string
	for i := 1; i <= 12; i++ {
		lines = append(lines, auditLine(i, "app", "QUERY", "orders", fmt.Sprintf("SELECT * FROM t WHERE id = %d", i)))
	}
	lines = append(lines,
		auditLine(13, "app", "QUERY", "orders", "UPDATE t SET a = 1 WHERE id = 2"),
		auditLine(14, "rdsadmin", "QUERY", "mysql", "SELECT 1"),
		"garbage",
	)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func workItem(rerun bool) *domain.WorkItem {
	return &domain.WorkItem{
		TaskID:            "task-1",
		ClusterIdentifier: "cluster-1",
		TargetEndpoint:    "candidate.example.internal",
		Bucket:            testBucket,
		ObjectKey:         testKey,
		CheckPercent:      3,
		Rerun:             rerun,
	}
}

// fakeTarget fails every query with the given suffix.
type fakeTarget struct {
	failSuffix string

	mu      sync.Mutex
	queries []string
}

func (f *fakeTarget) Replay(_ context.Context, entry domain.LogEntry) error {
	f.mu.Lock()
	f.queries = append(f.queries, entry.RawQuery)
	f.mu.Unlock()
	if f.failSuffix != "" && strings.HasSuffix(entry.RawQuery, f.failSuffix) {
		return errors.New("Table 'orders.t' doesn't exist")
	}
	return nil
}

type fixture struct {
	subtasks *testutil.MockSubtaskRepo
	samples  *testutil.MockSampleRepo
	objects  *testutil.MockObjectStore
	secrets  *testutil.MockSecretsProvider
	target   *fakeTarget

	opened    int
	openCreds domain.Credentials
	closed    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		subtasks: &testutil.MockSubtaskRepo{},
		samples:  &testutil.MockSampleRepo{},
		objects:  &testutil.MockObjectStore{},
		secrets: &testutil.MockSecretsProvider{
			GetCredentialsFn: func(_ context.Context, secretID string) (*domain.Credentials, error) {
				if secretID != "replay/target" {
					return nil, domain.ErrNotFound("secret %s not found", secretID)
				}
				return &domain.Credentials{Username: "checker", Password: "pw"}, nil
			},
		},
		target: &fakeTarget{failSuffix: "id = 11"},
	}
	f.objects.Seed(testBucket, testKey, auditLog(t))
	return f
}

func (f *fixture) checker(opts Options) *Checker {
	opts.SecretName = "replay/target"
	if opts.OpenTarget == nil {
		opts.OpenTarget = func(_ context.Context, _ string, creds domain.Credentials) (replay.Target, func() error, error) {
			f.opened++
			f.openCreds = creds
			return f.target, func() error { f.closed++; return nil }, nil
		}
	}
	return New(f.subtasks, f.samples, f.objects, f.secrets, opts, nil, discardLogger())
}

func TestProcess_Rerun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := workItem(true)

	res, err := f.checker(Options{MaxConcurrency: 4, TargetPort: 3307}).Process(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, int64(15), res.TotalCount)
	assert.Equal(t, int64(13), res.Rows)
	assert.Equal(t, int64(1), res.Filtered)
	assert.Equal(t, int64(1), res.Malformed)
	assert.Equal(t, 2, res.Samples)
	assert.Equal(t, 5, res.Admitted, "occurrences 1,2,3,11,12 of the select shape")
	assert.Len(t, res.Outcomes, 5)
	assert.Equal(t, int64(1), res.Errors)
	assert.Zero(t, res.Warnings)

	// Pool opened and closed once, port filled from config.
	assert.Equal(t, 1, f.opened)
	assert.Equal(t, 1, f.closed)
	assert.Equal(t, 3307, f.openCreds.Port)
	assert.Equal(t, 1, f.secrets.Calls)

	require.Len(t, f.subtasks.Transitions, 2)
	start, done := f.subtasks.Transitions[0], f.subtasks.Transitions[1]
	assert.Equal(t, domain.SubtaskStatusCreated, start.From)
	assert.Equal(t, domain.SubtaskStatusInProgress, start.To)
	assert.Equal(t, domain.SubtaskStatusInProgress, done.From)
	assert.Equal(t, domain.SubtaskStatusCompleted, done.To)
	assert.Equal(t, domain.SubtaskCounts{TotalCount: 15, ErrorCount: 1}, done.Counts)

	require.Len(t, f.samples.Samples, 2)
	assert.Equal(t, "SELECT * FROM t WHERE id = 1", f.samples.Samples[0].RawQuery)
	assert.Equal(t, "task-1", f.samples.Samples[0].TaskID)

	body, ok := f.objects.Object(testBucket, item.ReportKey())
	require.True(t, ok, "error report written")
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(report.Header, ","), lines[0])
	assert.Contains(t, lines[1], "SELECT * FROM t WHERE id = 11")
	assert.Contains(t, lines[1], ",2")
}

func TestProcess_NoRerunSkipsReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.checker(Options{}).Process(context.Background(), workItem(false))
	require.NoError(t, err)

	assert.Zero(t, res.Admitted)
	assert.Empty(t, res.Outcomes)
	assert.Zero(t, f.opened)
	assert.Zero(t, f.secrets.Calls)
	assert.Len(t, f.samples.Samples, 2)
	assert.Zero(t, f.objects.PutCount(), "no report without errors")

	last := f.subtasks.LastTransition()
	require.NotNil(t, last)
	assert.Equal(t, domain.SubtaskStatusCompleted, last.To)
	assert.Equal(t, domain.SubtaskCounts{TotalCount: 15}, last.Counts)
}

func TestProcess_AbandonsClaimedSubtask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subtasks.TransitionFn = func(_ context.Context, tr domain.Transition) error {
		return domain.ErrConflict("subtask %s is not %s", tr.Key, tr.From)
	}
	f.objects.GetFn = func(context.Context, string, string) (io.ReadCloser, error) {
		t.Fatal("object must not be read after a lost claim")
		return nil, nil
	}

	res, err := f.checker(Options{}).Process(context.Background(), workItem(true))
	require.ErrorIs(t, err, ErrAbandoned)
	assert.Nil(t, res)
	assert.Empty(t, f.subtasks.Transitions)
	assert.Empty(t, f.samples.Samples)
	assert.Zero(t, f.opened)
}

func TestProcess_InvalidItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := workItem(true)
	item.CheckPercent = 11

	_, err := f.checker(Options{}).Process(context.Background(), item)
	var valErr *domain.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Empty(t, f.subtasks.Transitions)
}

func TestProcess_UpstreamFailuresLeaveInProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture)
		opts  Options
	}{
		{
			name: "missing object",
			setup: func(f *fixture) {
				f.objects.GetFn = func(_ context.Context, bucket, key string) (io.ReadCloser, error) {
					return nil, domain.ErrNotFound("object %s/%s not found", bucket, key)
				}
			},
		},
		{
			name: "secret fetch",
			setup: func(f *fixture) {
				f.secrets.GetCredentialsFn = func(context.Context, string) (*domain.Credentials, error) {
					return nil, errors.New("AccessDeniedException")
				}
			},
		},
		{
			name: "pool open",
			opts: Options{OpenTarget: func(context.Context, string, domain.Credentials) (replay.Target, func() error, error) {
				return nil, nil, errors.New("dial tcp: connection refused")
			}},
		},
		{
			name: "report write",
			setup: func(f *fixture) {
				f.objects.PutFn = func(context.Context, string, string, []byte, string) error {
					return errors.New("AccessDenied")
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			_, err := f.checker(tc.opts).Process(context.Background(), workItem(true))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrAbandoned)

			require.Len(t, f.subtasks.Transitions, 1)
			assert.Equal(t, domain.SubtaskStatusInProgress, f.subtasks.LastTransition().To)
		})
	}
}

func TestProcess_SampleWriteFailureStillCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.samples.PutSamplesFn = func(context.Context, []domain.SampleRecord) error {
		return errors.New("ValidationException: Item size has exceeded the maximum allowed size")
	}
	m := &recordingMetrics{}
	chk := f.checker(Options{})
	chk.metrics = m

	res, err := chk.Process(context.Background(), workItem(true))
	require.NoError(t, err)
	require.Error(t, res.SampleWriteErr)
	assert.Contains(t, res.SampleWriteErr.Error(), "Item size")
	assert.Equal(t, 2, m.samplesFailed)

	_, ok := f.objects.Object(testBucket, workItem(true).ReportKey())
	assert.True(t, ok, "error report still written")

	require.Len(t, f.subtasks.Transitions, 2)
	last := f.subtasks.LastTransition()
	assert.Equal(t, domain.SubtaskStatusCompleted, last.To)
	assert.Equal(t, domain.SubtaskCounts{TotalCount: 15, ErrorCount: 1}, last.Counts)
}

func TestProcess_MissingObjectIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := workItem(false)
	item.ObjectKey = "cluster-1/audit/missing.log.gz"

	_, err := f.checker(Options{}).Process(context.Background(), item)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestProcess_SQLiteStoreSecondRunAbandons(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := internaldb.OpenTestSQLite(t)
	subtasks := repository.NewSubtaskRepo(store)
	samples := repository.NewSampleRepo(store)

	f := newFixture(t)
	item := workItem(false)
	require.NoError(t, subtasks.Create(ctx, &domain.SubtaskState{
		SubtaskKey: domain.SubtaskKey{TaskID: item.TaskID, ObjectKey: item.ObjectKey},
		Status:     domain.SubtaskStatusCreated,
	}))

	c := New(subtasks, samples, f.objects, f.secrets, Options{}, nil, discardLogger())
	_, err := c.Process(ctx, item)
	require.NoError(t, err)

	got, err := subtasks.Get(ctx, domain.SubtaskKey{TaskID: item.TaskID, ObjectKey: item.ObjectKey})
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCompleted, got.Status)
	assert.Equal(t, int64(15), got.TotalCount)

	stored, err := samples.ListSamples(ctx, item.TaskID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = c.Process(ctx, item)
	require.ErrorIs(t, err, ErrAbandoned)
}

func TestProcess_DuckDBTarget(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := 1; i <= 3; i++ {
		lines = append(lines, auditLine(i, "app", "QUERY", "", fmt.Sprintf("SELECT %d AS n", i)))
	}
	lines = append(lines, auditLine(4, "app", "QUERY", "", "SELECT * FROM no_such_table"))
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	f := newFixture(t)
	f.objects.Seed(testBucket, testKey, buf.Bytes())
	item := workItem(true)
	item.CheckPercent = 10
	item.TargetEndpoint = filepath.Join(t.TempDir(), "candidate.duckdb")

	c := New(f.subtasks, f.samples, f.objects, f.secrets, Options{
		SecretName:     "replay/target",
		MaxConcurrency: 2,
		OpenTarget:     SQLTargetOpener(replay.DialectDuckDB, 2),
	}, nil, discardLogger())

	res, err := c.Process(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Admitted)
	assert.Equal(t, int64(1), res.Errors)

	body, ok := f.objects.Object(testBucket, item.ReportKey())
	require.True(t, ok)
	assert.Contains(t, string(body), "no_such_table")
}
