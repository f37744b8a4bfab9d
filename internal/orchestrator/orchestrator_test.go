package orchestrator

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/grove/streamtable/internal/catalog"
)

// fakeRow and fakeQuerier let rowEstimate be exercised without a live
// Postgres connection: only QueryRow is ever called, and always with a
// single float64 destination.
type fakeRow struct {
	val float64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*float64)) = r.val
	return nil
}

type fakeQuerier struct{ row fakeRow }

func (f fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (f fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestRowEstimateReadsReltuples(t *testing.T) {
	o := &Orchestrator{}
	st := &catalog.StreamTable{Schema: "public", Name: "orders_summary"}
	q := fakeQuerier{row: fakeRow{val: 1234}}
	got, err := o.rowEstimate(context.Background(), q, st)
	if err != nil {
		t.Fatalf("rowEstimate: %v", err)
	}
	if got != 1234 {
		t.Errorf("rowEstimate() = %d, want 1234", got)
	}
}

func TestRowEstimateClampsNegativeReltuples(t *testing.T) {
	o := &Orchestrator{}
	st := &catalog.StreamTable{Schema: "public", Name: "orders_summary"}
	q := fakeQuerier{row: fakeRow{val: -1}}
	got, err := o.rowEstimate(context.Background(), q, st)
	if err != nil {
		t.Fatalf("rowEstimate: %v", err)
	}
	if got != 0 {
		t.Errorf("rowEstimate() = %d, want 0 for an un-analyzed table (-1 reltuples)", got)
	}
}

func TestLockKeyIsStableIdentity(t *testing.T) {
	if lockKey(42) != 42 {
		t.Errorf("lockKey should currently pass the ST id through unchanged")
	}
}
