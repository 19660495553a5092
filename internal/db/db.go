// Package db stores desired WireGuard state in SQLite. Interfaces,
// their addresses, peers and allowed IPs live in separate tables joined
// by cascading foreign keys; private and preshared keys are sealed with
// internal/crypto.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itsChris/wgsync/internal/crypto"
	"github.com/itsChris/wgsync/internal/logging"
)

const slowQueryThreshold = 100 * time.Millisecond

// DB wraps a sql.DB with logging and query helpers.
type DB struct {
	conn    *sql.DB
	logger  *slog.Logger
	devMode bool
	sealer  *crypto.Sealer
}

// Option configures a DB.
type Option func(*DB)

// WithDevMode logs every statement at debug level.
func WithDevMode(on bool) Option {
	return func(d *DB) { d.devMode = on }
}

// WithSealer sets how stored keys are protected. The default stores
// them unsealed.
func WithSealer(s *crypto.Sealer) Option {
	return func(d *DB) {
		if s != nil {
			d.sealer = s
		}
	}
}

// New opens a SQLite database and configures WAL mode, foreign keys,
// and busy timeout.
func New(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*DB, error) {
	if logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dsn, err)
	}

	// Single writer connection for SQLite. It also keeps ":memory:"
	// databases alive across calls.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("db: exec %q: %w", p, err)
		}
	}

	d := &DB{
		conn:   conn,
		logger: logger.With("component", "db"),
		sealer: crypto.NewPlainSealer(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logger.Info("database_opened",
		"dsn", dsn,
		"sealing", d.sealer.Sealing(),
	)
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping checks that the database answers.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// ExecContext executes a query that doesn't return rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := d.conn.ExecContext(ctx, query, args...)
	d.logQuery(ctx, "exec", query, args, time.Since(start), err)
	return result, err
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.conn.QueryContext(ctx, query, args...)
	d.logQuery(ctx, "query", query, args, time.Since(start), err)
	return rows, err
}

// QueryRowContext executes a query that returns at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *timedRow {
	return &timedRow{
		row:   d.conn.QueryRowContext(ctx, query, args...),
		db:    d,
		ctx:   ctx,
		op:    "query_row",
		query: query,
		args:  args,
		start: time.Now(),
	}
}

// BeginTx starts a transaction with logging.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	start := time.Now()
	tx, err := d.conn.BeginTx(ctx, opts)
	if err != nil {
		d.logger.Error("sql_begin_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return nil, fmt.Errorf("db: begin tx: %w", err)
	}
	return &Tx{tx: tx, db: d, start: start}, nil
}

// inTx runs fn inside a transaction, committing on success.
func (d *DB) inTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// redactArgs keeps blob arguments, which hold key material, out of logs.
func redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if b, ok := a.([]byte); ok {
			out[i] = fmt.Sprintf("[blob %d bytes]", len(b))
			continue
		}
		out[i] = a
	}
	return out
}

func (d *DB) logQuery(ctx context.Context, op, query string, args []any, duration time.Duration, err error) {
	requestID := logging.RequestID(ctx)

	if d.devMode {
		d.logger.Debug("sql_"+op,
			"request_id", requestID,
			"query", query,
			"args", fmt.Sprintf("%v", redactArgs(args)),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
	}

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		d.logger.Error("sql_"+op+"_failed",
			"request_id", requestID,
			"query", query,
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"duration_ms", duration.Milliseconds(),
		)
	}

	if duration > slowQueryThreshold {
		d.logger.Warn("slow_query",
			"request_id", requestID,
			"query", query,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// Tables lists the tables created by the migrations.
var Tables = []string{"interfaces", "interface_ips", "peers", "allowed_ips", "peer_snapshots", "settings"}

// TableCounts returns row counts for the given tables. Tables that can't
// be queried are omitted.
func (d *DB) TableCounts(ctx context.Context, tables []string) map[string]int64 {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		if err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err == nil {
			counts[table] = count
		}
	}
	return counts
}

// IntegrityCheck runs PRAGMA integrity_check. A healthy database
// returns "ok".
func (d *DB) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	if err := d.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return "", fmt.Errorf("db: integrity check: %w", err)
	}
	return result, nil
}

// timedRow wraps sql.Row to log after Scan completes.
type timedRow struct {
	row   *sql.Row
	db    *DB
	ctx   context.Context
	op    string
	query string
	args  []any
	start time.Time
}

// Scan reads the row and logs the query timing.
func (r *timedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.db.logQuery(r.ctx, r.op, r.query, r.args, time.Since(r.start), err)
	return err
}

// Tx wraps sql.Tx with logging.
type Tx struct {
	tx    *sql.Tx
	db    *DB
	start time.Time
}

// ExecContext executes a query within the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := t.tx.ExecContext(ctx, query, args...)
	t.db.logQuery(ctx, "tx_exec", query, args, time.Since(start), err)
	return result, err
}

// QueryContext executes a query within the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, query, args...)
	t.db.logQuery(ctx, "tx_query", query, args, time.Since(start), err)
	return rows, err
}

// QueryRowContext executes a query that returns one row within the
// transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *timedRow {
	return &timedRow{
		row:   t.tx.QueryRowContext(ctx, query, args...),
		db:    t.db,
		ctx:   ctx,
		op:    "tx_query_row",
		query: query,
		args:  args,
		start: time.Now(),
	}
}

// Commit commits the transaction with logging.
func (t *Tx) Commit() error {
	err := t.tx.Commit()
	if t.db.devMode {
		t.db.logger.Debug("sql_commit",
			"duration_ms", time.Since(t.start).Milliseconds(),
			"error", err,
		)
	}
	if err != nil {
		t.db.logger.Error("sql_commit_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
