package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "querycheck/internal/db"
	"querycheck/internal/db/repository"
	"querycheck/internal/domain"
	"querycheck/internal/sqlmask"
)

const (
	testBucket = "audit"
	testKey    = "cluster-1/server_audit.log.gz"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

// localEnv points the CLI at a local object store and a SQLite status store
// and writes a small audit log. It returns the SQLite path.
func localEnv(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"QUEUE_URL", "REGION", "SUBTASK_TABLE", "SAMPLE_TABLE", "METRICS_ADDR", "TARGET_DIALECT", "SAMPLING_POLICY"} {
		t.Setenv(k, "")
	}
	root := t.TempDir()
	sqlitePath := filepath.Join(t.TempDir(), "status.sqlite")
	t.Setenv("OBJECT_STORE", "local")
	t.Setenv("LOCAL_ROOT", root)
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", sqlitePath)
	t.Setenv("SECRETS_BACKEND", "env")
	t.Setenv("SECRET_NAME", "validate/mysql")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TEMP_DIR", t.TempDir())

	var lines []string
	for i := 1; i <= 4; i++ {
		lines = append(lines, fmt.Sprintf(
			"20240101 00:00:%02d,ip-10-0-0-5,app,10.0.0.1,101,%d,QUERY,orders,'SELECT * FROM t WHERE id = %d',0", i, 2000+i, i))
	}
	lines = append(lines, "20240101 00:00:09,ip-10-0-0-5,rdsadmin,localhost,1,2009,QUERY,mysql,'SELECT 1',0")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(root, testBucket, filepath.FromSlash(testKey))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return sqlitePath
}

func TestMaskCmd_Args(t *testing.T) {
	out, err := runCLI(t, "", "mask", "SELECT * FROM t WHERE id = 42", "select  *  from t where id=7")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	mask := sqlmask.Mask("SELECT * FROM t WHERE id = 42")
	assert.Equal(t, sqlmask.Hash(mask)+"\t"+mask, lines[0])
}

func TestMaskCmd_StdinJSON(t *testing.T) {
	out, err := runCLI(t, "SELECT 1\n\nUPDATE t SET a = 'x'\n", "mask", "-o", "json")
	require.NoError(t, err)

	var results []maskResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Read)
	assert.False(t, results[1].Read)
	assert.Equal(t, "UPDATE t SET a = ''", results[1].Mask)
	assert.Len(t, results[0].Hash, 32)
}

func TestRootCmd_RejectsOutputFormat(t *testing.T) {
	_, err := runCLI(t, "", "mask", "-o", "yaml", "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := runCLI(t, "", "version", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "dev"`)
}

func TestReplayCmd_NoRerun(t *testing.T) {
	localEnv(t)

	out, err := runCLI(t, "", "replay", "-o", "json",
		"--bucket", testBucket, "--key", testKey, "--task-id", "task-1", "--cluster", "cluster-1", "--check-percent", "2")
	require.NoError(t, err)

	var summary replaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, string(domain.SubtaskStatusCompleted), summary.Status)
	assert.Equal(t, int64(5), summary.TotalCount)
	assert.Equal(t, int64(4), summary.Rows)
	assert.Equal(t, int64(1), summary.Filtered)
	assert.Equal(t, 1, summary.Samples)
	assert.Zero(t, summary.Admitted)
	assert.False(t, summary.Abandoned)

	// A second run of the same subtask is abandoned.
	out, err = runCLI(t, "", "replay", "-o", "json",
		"--bucket", testBucket, "--key", testKey, "--task-id", "task-1", "--check-percent", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.True(t, summary.Abandoned)
	assert.Equal(t, string(domain.SubtaskStatusCompleted), summary.Status)
}

func TestReplayCmd_ValidatesItem(t *testing.T) {
	localEnv(t)

	_, err := runCLI(t, "", "replay", "--bucket", testBucket, "--key", testKey, "--task-id", "t", "--rerun")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate_cluster_endpoint")
}

func TestAgentCmd_ItemsFile(t *testing.T) {
	sqlitePath := localEnv(t)
	ctx := context.Background()

	store, err := internaldb.Open(ctx, sqlitePath)
	require.NoError(t, err)
	subtasks := repository.NewSubtaskRepo(store)
	key := domain.SubtaskKey{TaskID: "task-2", ObjectKey: testKey}
	require.NoError(t, subtasks.Create(ctx, &domain.SubtaskState{SubtaskKey: key, Status: domain.SubtaskStatusCreated}))

	item, err := json.Marshal(domain.WorkItem{
		TaskID: "task-2", ClusterIdentifier: "cluster-1",
		Bucket: testBucket, ObjectKey: testKey, CheckPercent: 1,
	})
	require.NoError(t, err)
	itemsFile := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(itemsFile, []byte(string(item)+"\n\nnot-json\n"), 0o600))

	_, err = runCLI(t, "", "agent", "--items", itemsFile)
	require.NoError(t, err)

	got, err := subtasks.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.TotalCount)
	require.NoError(t, store.Close())
}

func TestReadItemLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("  {\"a\":1}  \n\n{\"b\":2}\n"), 0o600))

	bodies, err := readItemLines(path)
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"a":1}`, string(bodies[0]))

	_, err = readItemLines(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}
