package cdc

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/host"
)

// scanFunc-backed fakes let SlotHealth/HealthReport be exercised without a
// live Postgres connection: only QueryRow is ever called.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

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

func TestSlotHealthParsesLSNsAndComputesLag(t *testing.T) {
	m := &Manager{}
	q := fakeQuerier{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "0/100"
		*(dest[1].(*string)) = "0/50"
		*(dest[2].(*bool)) = true
		return nil
	}}}
	got, err := m.SlotHealth(context.Background(), q, "slot_1", host.LSN(0x200))
	if err != nil {
		t.Fatalf("SlotHealth: %v", err)
	}
	if !got.Active {
		t.Errorf("expected Active=true")
	}
	if got.LagBytes != int64(0x200)-int64(got.ConfirmedLSN) {
		t.Errorf("LagBytes = %d, inconsistent with ConfirmedLSN %s", got.LagBytes, got.ConfirmedLSN)
	}
}

func TestHealthReportCoversEmptyBuffer(t *testing.T) {
	m := &Manager{cfg: config.NewStore(config.Defaults())}
	q := fakeQuerier{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 0
		*(dest[1].(**string)) = nil
		return nil
	}}}
	dep := &catalog.Dependency{SourceID: 7, CDCMode: catalog.CDCTrigger}
	got, err := m.HealthReport(context.Background(), q, dep, false)
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if got.BufferRowCount != 0 || got.OldestUnconsumedLSN != 0 {
		t.Errorf("HealthReport on empty buffer = %+v, want zero row count and zero LSN", got)
	}
}

func TestBufferDDLIncludesAllColumnsBothSides(t *testing.T) {
	cols := []Column{{Name: "customer", Type: "text"}, {Name: "amount", Type: "numeric"}}
	ddl := BufferDDL("streamtable_changes", 42, cols)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS streamtable_changes.changes_42",
		"new_customer text",
		"old_customer text",
		"new_amount numeric",
		"old_amount numeric",
		"lsn pg_lsn NOT NULL",
		"CHECK (action IN ('I','U','D','T'))",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("BufferDDL missing expected fragment %q in:\n%s", want, ddl)
		}
	}
}

func TestTriggerFunctionDDLCoversAllThreeEvents(t *testing.T) {
	ddl := TriggerFunctionDDL("streamtable_changes", 7, "public.orders", []string{"id", "customer", "amount"}, []string{"id"})

	for _, want := range []string{
		"TG_OP = 'INSERT'",
		"TG_OP = 'UPDATE'",
		"TG_OP = 'DELETE'",
		"AFTER INSERT OR UPDATE OR DELETE ON public.orders",
		"AFTER TRUNCATE ON public.orders",
		"streamtable.hash_multi(ARRAY[NEW.id::text])",
		"streamtable.hash_multi(ARRAY[OLD.id::text])",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("TriggerFunctionDDL missing expected fragment %q in:\n%s", want, ddl)
		}
	}
}

func TestPkHashExprMultiColumn(t *testing.T) {
	got := pkHashExpr("NEW", []string{"tenant_id", "order_id"})
	want := "streamtable.hash_multi(ARRAY[NEW.tenant_id::text, NEW.order_id::text])"
	if got != want {
		t.Errorf("pkHashExpr = %q, want %q", got, want)
	}
}

func TestNewSlotNameIsUniqueAndStable(t *testing.T) {
	a := NewSlotName(1, 2)
	b := NewSlotName(1, 2)
	if a == b {
		t.Errorf("expected two calls to generate distinct slot names, got %q twice", a)
	}
	if !strings.Contains(a, "streamtable_1_2_") {
		t.Errorf("slot name %q missing expected prefix", a)
	}
}
