// Package report writes per-run replay failures to a CSV object.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"querycheck/internal/domain"
)

// ContentType of report objects.
const ContentType = "text/csv"

// Header is the first row of every error report.
var Header = []string{"time", "database", "query", "user", "src_ip", "sql_mask", "sql_hash", "message", "code"}

// Record converts an outcome into a report row in Header order.
func Record(o domain.ReplayOutcome) []string {
	e := o.Entry
	return []string{
		e.Time,
		e.Database,
		e.RawQuery,
		e.User,
		e.SourceIP,
		e.SQLMask,
		e.SQLHash,
		o.Message,
		strconv.Itoa(o.StatusCode),
	}
}

// AppendErrors appends the failed outcomes to the CSV report at bucket/key.
// An existing report keeps its content; a missing one is created with Header.
// It writes nothing when no outcome failed.
func AppendErrors(ctx context.Context, store domain.ObjectStore, bucket, key string, outcomes []domain.ReplayOutcome) (int, error) {
	var failed []domain.ReplayOutcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	existing, err := load(ctx, store, bucket, key)
	if err != nil {
		return 0, err
	}
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}

	w := csv.NewWriter(&buf)
	if len(existing) == 0 {
		if err := w.Write(Header); err != nil {
			return 0, fmt.Errorf("write report header: %w", err)
		}
	}
	for _, o := range failed {
		if err := w.Write(Record(o)); err != nil {
			return 0, fmt.Errorf("write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("flush report: %w", err)
	}

	if err := store.Put(ctx, bucket, key, buf.Bytes(), ContentType); err != nil {
		return 0, fmt.Errorf("put report %s/%s: %w", bucket, key, err)
	}
	return len(failed), nil
}

// load returns the current report body, or nil when it does not exist yet.
func load(ctx context.Context, store domain.ObjectStore, bucket, key string) ([]byte, error) {
	body, err := store.Get(ctx, bucket, key)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get report %s/%s: %w", bucket, key, err)
	}
	defer body.Close() //nolint:errcheck

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read report %s/%s: %w", bucket, key, err)
	}
	return b, nil
}
