package events

import (
	"testing"
	"time"

	"github.com/grove/streamtable/internal/catalog"
)

func TestFromRefreshRecordOkMapsToRefreshed(t *testing.T) {
	st := &catalog.StreamTable{ID: 1, Schema: "public", Name: "orders_summary"}
	rec := &catalog.RefreshRecord{Action: catalog.ActionDifferential, Status: "ok", RowsInserted: 3, End: time.Now()}
	ev := FromRefreshRecord(st, rec)
	if ev.Kind != KindRefreshed {
		t.Errorf("Kind = %v, want KindRefreshed", ev.Kind)
	}
	if ev.RowsInserted != 3 {
		t.Errorf("RowsInserted = %d, want 3", ev.RowsInserted)
	}
}

func TestFromRefreshRecordErrorMapsToError(t *testing.T) {
	st := &catalog.StreamTable{ID: 2, Schema: "public", Name: "broken"}
	rec := &catalog.RefreshRecord{Status: "error", ErrorMessage: "boom", End: time.Now()}
	ev := FromRefreshRecord(st, rec)
	if ev.Kind != KindError {
		t.Errorf("Kind = %v, want KindError", ev.Kind)
	}
	if ev.Error != "boom" {
		t.Errorf("Error = %q, want %q", ev.Error, "boom")
	}
}

func TestPublisherBufferOverwritesSameKind(t *testing.T) {
	p := NewPublisher(nil)
	p.Buffer(Event{Kind: KindRefreshed, StreamTableID: 1, RowsInserted: 1})
	p.Buffer(Event{Kind: KindRefreshed, StreamTableID: 1, RowsInserted: 2})
	if len(p.buf) != 1 {
		t.Fatalf("expected exactly one buffered event per kind, got %d", len(p.buf))
	}
	if p.buf[KindRefreshed].RowsInserted != 2 {
		t.Errorf("expected the later Buffer call to win")
	}
}

func TestOnEventRegistersWatcher(t *testing.T) {
	p := NewPublisher(nil)
	p.OnEvent(func(Event) {})
	if len(p.watchers) != 1 {
		t.Fatalf("expected 1 watcher registered, got %d", len(p.watchers))
	}
}
