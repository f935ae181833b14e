// Package replay executes admitted queries against a candidate target database
// with bounded concurrency and reports one outcome per query.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"

	"querycheck/internal/domain"
)

// Target replays a single entry. Implementations must be safe for concurrent use.
type Target interface {
	Replay(ctx context.Context, entry domain.LogEntry) error
}

// Dialect names a supported target database family.
type Dialect string

// Supported dialects.
const (
	DialectMySQL     Dialect = "mysql"
	DialectPostgres  Dialect = "postgres"
	DialectSQLServer Dialect = "sqlserver"
	DialectDuckDB    Dialect = "duckdb"
)

// ParseDialect converts a configuration value into a Dialect. Empty selects MySQL.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case "":
		return DialectMySQL, nil
	case DialectMySQL, DialectPostgres, DialectSQLServer, DialectDuckDB:
		return d, nil
	default:
		return "", domain.ErrValidation("unsupported target dialect %q", s)
	}
}

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectSQLServer:
		return "sqlserver"
	case DialectDuckDB:
		return "duckdb"
	default:
		return "mysql"
	}
}

func (d Dialect) defaultPort() int {
	switch d {
	case DialectPostgres:
		return 5432
	case DialectSQLServer:
		return 1433
	case DialectDuckDB:
		return 0
	default:
		return 3306
	}
}

// UseStatement returns the statement that selects database as the session
// default, or "" when database is empty.
func (d Dialect) UseStatement(database string) string {
	if database == "" {
		return ""
	}
	switch d {
	case DialectPostgres:
		return `SET search_path TO "` + strings.ReplaceAll(database, `"`, `""`) + `"`
	case DialectSQLServer:
		return "USE [" + strings.ReplaceAll(database, "]", "]]") + "]"
	case DialectDuckDB:
		return `USE "` + strings.ReplaceAll(database, `"`, `""`) + `"`
	default:
		return "USE `" + strings.ReplaceAll(database, "`", "``") + "`"
	}
}

// DSN builds the driver connection string for endpoint. For DuckDB the
// endpoint is a database file path and empty means in-memory.
func (d Dialect) DSN(endpoint string, creds domain.Credentials) string {
	if d == DialectDuckDB {
		return endpoint
	}

	port := creds.Port
	if port == 0 {
		port = d.defaultPort()
	}
	host := endpoint
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		host = net.JoinHostPort(endpoint, strconv.Itoa(port))
	}

	switch d {
	case DialectPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(creds.Username, creds.Password),
			Host:     host,
			RawQuery: "sslmode=prefer&connect_timeout=10",
		}
		return u.String()
	case DialectSQLServer:
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(creds.Username, creds.Password),
			Host:     host,
			RawQuery: "dial+timeout=10",
		}
		return u.String()
	default:
		cfg := mysql.NewConfig()
		cfg.User = creds.Username
		cfg.Passwd = creds.Password
		cfg.Net = "tcp"
		cfg.Addr = host
		cfg.Timeout = 10 * time.Second
		cfg.AllowNativePasswords = true
		return cfg.FormatDSN()
	}
}

// OpenPool opens and pings a connection pool of at most maxConns connections.
func OpenPool(ctx context.Context, d Dialect, endpoint string, creds domain.Credentials, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(d.driverName(), d.DSN(endpoint, creds))
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", d, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s target %s: %w", d, endpoint, err)
	}
	return db, nil
}

// SQLTarget replays entries over a database/sql pool. Each replay runs on
// its own pinned connection so the session database does not leak between
// entries.
type SQLTarget struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLTarget wraps db for dialect.
func NewSQLTarget(db *sql.DB, dialect Dialect) *SQLTarget {
	return &SQLTarget{db: db, dialect: dialect}
}

// Replay selects the entry's database and runs its raw query, discarding
// any result rows.
func (t *SQLTarget) Replay(ctx context.Context, entry domain.LogEntry) error {
	conn, err := t.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	if use := t.dialect.UseStatement(entry.Database); use != "" {
		if _, err := conn.ExecContext(ctx, use); err != nil {
			return err
		}
	}

	rows, err := conn.QueryContext(ctx, entry.RawQuery)
	if err != nil {
		return err
	}
	for rows.Next() { //nolint:revive // drain
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

var _ Target = (*SQLTarget)(nil)
