// Package host is the seam around the external collaborators the engine
// assumes but does not own (spec §1): a SQL parse-tree service, an
// SPI-like facility that runs SQL in the caller's transaction, a monotone
// commit-order token (LSN), and background-worker lifecycle. Every other
// package depends on these interfaces, never on *pgxpool.Pool directly,
// so that tests can substitute fakes instead of a live Postgres.
package host

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LSN is the monotone commit-order token the host provides (spec
// GLOSSARY). Postgres encodes it as two hex words separated by '/'; we
// keep the native uint64 form for comparison and the string form for
// SQL round-trips.
type LSN uint64

// ParseLSN parses the host's "X/Y" pg_lsn text representation.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("malformed lsn %q: missing '/'", s)
	}
	hiV, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", s, err)
	}
	loV, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed lsn %q: %w", s, err)
	}
	return LSN(hiV<<32 | loV), nil
}

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// Zero is the frontier value of a dependency that has never been
// refreshed.
const Zero LSN = 0

// Querier is the minimal surface the rest of the engine needs from a
// connection, pool, or transaction — the SPI-like "run SQL in the
// current transaction" facility from spec §1.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxFunc is run inside a single transaction by Engine.WithTx.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// Engine wraps the host connection pool. It is the only package that
// imports pgxpool directly; everything downstream takes a Querier.
type Engine struct {
	pool *pgxpool.Pool
}

// NewEngine wraps an already-configured pool (tests construct Engine
// around a pool pointed at a throwaway database; production wires it
// from DSN via Connect).
func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// Connect opens a pool against dsn and pings it once.
func Connect(ctx context.Context, dsn string) (*Engine, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Engine{pool: pool}, nil
}

// Pool exposes the underlying pool for callers (the scheduler, mainly)
// that need to open their own transactions.
func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

func (e *Engine) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return e.pool.Exec(ctx, sql, args...)
}

func (e *Engine) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return e.pool.Query(ctx, sql, args...)
}

func (e *Engine) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return e.pool.QueryRow(ctx, sql, args...)
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic, which it re-raises after
// rollback). This is the transactional boundary every catalog mutation
// and refresh-apply step runs inside (spec §4.2, §4.6).
func (e *Engine) WithTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(ctx, tx)
	return err
}

// CurrentLSN returns the host's current commit-order token, used both to
// stamp frontier advances and to size differential windows.
func (e *Engine) CurrentLSN(ctx context.Context) (LSN, error) {
	var s string
	if err := e.pool.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&s); err != nil {
		return 0, fmt.Errorf("current lsn: %w", err)
	}
	return ParseLSN(s)
}

// TryAdvisoryLock attempts the non-blocking acquisition spec §3 invariant
// 4 and §5 require before any refresh action on an ST. unlock must be
// called (even on later error) to release the session-level lock; it is
// a no-op if ok is false.
func (e *Engine) TryAdvisoryLock(ctx context.Context, key int64) (ok bool, unlock func(), err error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, func() {}, fmt.Errorf("acquire conn for advisory lock: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return false, func() {}, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !locked {
		conn.Release()
		return false, func() {}, nil
	}
	return true, func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}

// Notify sends a NOTIFY on channel, used by internal/events to publish
// the JSON payloads described in spec §6.
func (e *Engine) Notify(ctx context.Context, channel, payload string) error {
	_, err := e.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// Close releases the pool. Mirrors the teacher's Engine.Close, minus the
// SQLite-specific WAL checkpoint (Postgres manages its own WAL).
func (e *Engine) Close() {
	e.pool.Close()
}
