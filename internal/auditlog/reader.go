// Package auditlog streams rows out of compressed database audit-log objects.
//
// An audit log is a line-oriented CSV file in the MySQL audit plugin layout:
//
//	timestamp,serverhost,username,host,connectionid,queryid,operation,database,object,retcode
//
// The object column holds the statement as a quoted literal. Neither commas nor
// double quotes inside the statement are CSV-quoted, so each physical line is
// one record, the column count varies and the statement is reassembled from
// every field between the database and retcode columns.
package auditlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"querycheck/internal/domain"
)

// Column positions in an audit-log record.
const (
	colTime      = 0
	colUser      = 2
	colSourceIP  = 3
	colOperation = 6
	colDatabase  = 7
	colQuery     = 8

	// minFields is the shortest record carrying a statement and a retcode.
	minFields = colQuery + 2
)

// Defaults for Options.
const (
	DefaultAdminUser      = "rdsadmin"
	DefaultQueryOperation = "QUERY"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Options controls row filtering and temp file placement.
type Options struct {
	// AdminUser rows are dropped. Defaults to DefaultAdminUser.
	AdminUser string
	// QueryOperation is the only operation kept. Defaults to DefaultQueryOperation.
	QueryOperation string
	// TempDir holds the downloaded object; empty means os.TempDir().
	TempDir string
	Logger  *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AdminUser == "" {
		out.AdminUser = DefaultAdminUser
	}
	if out.QueryOperation == "" {
		out.QueryOperation = DefaultQueryOperation
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Row is one qualifying audit-log record.
type Row struct {
	Time      string
	User      string
	SourceIP  string
	Operation string
	Database  string
	Query     string
}

// Stats counts records seen by a Reader.
type Stats struct {
	// Total is every decoded record, qualifying or not.
	Total     int64
	Filtered  int64
	Malformed int64
}

// Reader is a forward-only cursor over the qualifying rows of one object.
// It is not restartable; a second pass requires reopening the object.
type Reader struct {
	opts   Options
	logger *slog.Logger

	path   string
	file   *os.File
	decomp io.Closer
	lines  *bufio.Reader
	lineNo int64

	row    Row
	stats  Stats
	err    error
	closed bool
}

// Open downloads bucket/key from store into a temp file and returns a Reader
// over it. The temp file is removed by Close, or by Open itself when it fails.
func Open(ctx context.Context, store domain.ObjectStore, bucket, key string, opts Options) (_ *Reader, err error) {
	opts = opts.withDefaults()

	body, err := store.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer body.Close() //nolint:errcheck

	f, err := os.CreateTemp(opts.TempDir, "audit-"+domain.NewID()+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	r := &Reader{
		opts:   opts,
		logger: opts.Logger.With("bucket", bucket, "object_key", key),
		path:   f.Name(),
		file:   f,
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if _, err := io.Copy(f, body); err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}

	src, err := r.decompress(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return nil, err
	}

	r.lines = bufio.NewReaderSize(src, 64*1024)
	return r, nil
}

// decompress picks a decoder from the stream's magic bytes.
func (r *Reader) decompress(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peek object header: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		r.decomp = zr
		return zr, nil
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		rc := zr.IOReadCloser()
		r.decomp = rc
		return rc, nil
	default:
		return br, nil
	}
}

// Next advances to the next qualifying row. Malformed records are logged and
// skipped; Next returns false at end of stream or on an I/O error.
func (r *Reader) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	for {
		line, err := r.lines.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("read audit log: %w", err)
			return false
		}
		if line == "" && err != nil {
			return false
		}
		r.lineNo++

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		r.stats.Total++
		row, ok, perr := parseRecord(strings.Split(line, ","), &r.opts)
		if perr != nil {
			r.stats.Malformed++
			r.logger.Warn("skipping malformed audit record", "line", r.lineNo, "row", line, "error", perr)
			continue
		}
		if !ok {
			r.stats.Filtered++
			continue
		}
		r.row = row
		return true
	}
}

// Row returns the row produced by the last successful Next.
func (r *Reader) Row() Row { return r.row }

// Err returns the I/O error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Stats returns record counters accumulated so far.
func (r *Reader) Stats() Stats { return r.stats }

// Close releases the decoder and removes the temp file. It is safe to call
// more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.decomp != nil {
		errs = append(errs, r.decomp.Close())
	}
	if r.file != nil {
		errs = append(errs, r.file.Close())
	}
	if r.path != "" {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove temp file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// parseRecord extracts a Row from rec. ok is false for records that are well
// formed but filtered out.
func parseRecord(rec []string, opts *Options) (row Row, ok bool, err error) {
	if len(rec) <= colDatabase {
		return Row{}, false, fmt.Errorf("expected at least %d fields, got %d", minFields, len(rec))
	}
	user := rec[colUser]
	operation := rec[colOperation]
	if user == opts.AdminUser || operation != opts.QueryOperation {
		return Row{}, false, nil
	}
	if len(rec) < minFields {
		return Row{}, false, fmt.Errorf("expected at least %d fields, got %d", minFields, len(rec))
	}

	query, err := unquoteLiteral(strings.Join(rec[colQuery:len(rec)-1], ","))
	if err != nil {
		return Row{}, false, err
	}

	return Row{
		Time:      rec[colTime],
		User:      user,
		SourceIP:  rec[colSourceIP],
		Operation: operation,
		Database:  rec[colDatabase],
		Query:     query,
	}, true, nil
}
