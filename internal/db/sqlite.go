// Package db opens the local SQLite status store and applies its schema.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Mode selects how a SQLite pool is configured.
type Mode string

// Pool modes. A write pool holds a single connection and takes the write
// lock at BEGIN; a read pool may hold several.
const (
	ModeWrite Mode = "write"
	ModeRead  Mode = "read"
)

const (
	busyTimeoutMillis = "5000"
	defaultReadConns  = 4
	pingTimeout       = 5 * time.Second
)

// OpenSQLite opens a pool on the SQLite file at path. maxOpen only applies
// to ModeRead; zero selects a default of four connections.
func OpenSQLite(path string, mode Mode, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be %q or %q", mode, ModeRead, ModeWrite)
	}

	db, err := sql.Open("sqlite3", dsn(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	conns := 1
	if mode == ModeRead {
		conns = maxOpen
		if conns <= 0 {
			conns = defaultReadConns
		}
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// Store is a write/read pool pair over one status-store file.
type Store struct {
	Write *sql.DB
	Read  *sql.DB
}

// Open opens the status store at path and migrates it to the latest schema.
func Open(ctx context.Context, path string) (*Store, error) {
	w, err := OpenSQLite(path, ModeWrite, 0)
	if err != nil {
		return nil, err
	}
	r, err := OpenSQLite(path, ModeRead, 0)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	s := &Store{Write: w, Read: r}

	if err := Migrate(ctx, w); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	rerr := s.Read.Close()
	werr := s.Write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// dsn builds a SQLite DSN: WAL journal, 5s busy timeout, NORMAL sync.
func dsn(path string, mode Mode) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", busyTimeoutMillis)
	params.Set("_synchronous", "NORMAL")
	if mode == ModeWrite {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
