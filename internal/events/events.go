// Package events publishes refresh-cycle outcomes over Postgres
// LISTEN/NOTIFY (spec §6). It generalizes the teacher's
// OnChange/notifyWatchers in-process callback registry into a
// durable, cross-backend pub/sub built on host.Engine.Notify, and
// additionally keeps the in-process registry so a single backend (the
// CLI's `watch` subcommand, say) can subscribe without its own LISTEN
// connection.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/host"
)

// Channel is the fixed NOTIFY channel every stream table publishes to;
// consumers filter by the StreamTableID field in the payload rather than
// by per-ST channel names, keeping the LISTEN surface constant.
const Channel = "streamtable_events"

// Kind distinguishes the event payload shapes this package emits.
type Kind string

const (
	KindRefreshed   Kind = "refreshed"
	KindError       Kind = "error"
	KindSuspended   Kind = "suspended"
	KindReinitiated Kind = "reinitialized"
	KindSchemaDrift Kind = "schema_drift"
)

// Event is the JSON payload sent over NOTIFY (spec §6). Fields are
// omitempty so a given Kind's irrelevant fields don't clutter every
// message.
type Event struct {
	Kind          Kind                 `json:"kind"`
	StreamTableID int64                `json:"stream_table_id"`
	Schema        string               `json:"schema"`
	Name          string               `json:"name"`
	Action        catalog.RefreshAction `json:"action,omitempty"`
	RowsInserted  int64                `json:"rows_inserted,omitempty"`
	RowsDeleted   int64                `json:"rows_deleted,omitempty"`
	DurationMS    int64                `json:"duration_ms,omitempty"`
	Error         string               `json:"error,omitempty"`
	EmittedAt     time.Time            `json:"emitted_at"`
}

// Publisher buffers at most one event per Kind per refresh cycle and
// flushes them after the caller's transaction commits (spec §8 "NOTIFY
// ordering": "events are buffered per refresh and flushed after the
// refresh transaction commits, at most once per event type per cycle").
type Publisher struct {
	engine *host.Engine

	mu       sync.Mutex
	watchers []func(Event)

	bufMu sync.Mutex
	buf   map[Kind]Event
}

// NewPublisher builds a Publisher bound to engine for the NOTIFY side.
func NewPublisher(engine *host.Engine) *Publisher {
	return &Publisher{engine: engine, buf: make(map[Kind]Event)}
}

// OnEvent registers an in-process subscriber, mirroring the teacher's
// Engine.OnChange: callbacks run on their own goroutine so a slow
// subscriber never blocks Flush.
func (p *Publisher) OnEvent(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers = append(p.watchers, fn)
}

// Buffer stages ev for emission at the next Flush, overwriting any
// previously buffered event of the same Kind for the same cycle.
func (p *Publisher) Buffer(ev Event) {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	p.buf[ev.Kind] = ev
}

// Flush sends every buffered event over NOTIFY and to in-process
// watchers, then clears the buffer. Call this after the refresh
// transaction that produced the events has committed.
func (p *Publisher) Flush(ctx context.Context) error {
	p.bufMu.Lock()
	pending := p.buf
	p.buf = make(map[Kind]Event)
	p.bufMu.Unlock()

	for _, ev := range pending {
		if err := p.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Kind, err)
	}
	if err := p.engine.Notify(ctx, Channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", Channel, err)
	}

	p.mu.Lock()
	watchers := append([]func(Event){}, p.watchers...)
	p.mu.Unlock()
	for _, fn := range watchers {
		go fn(ev)
	}
	return nil
}

// FromRefreshRecord derives the refreshed/error Event a completed cycle
// should buffer, from the same RefreshRecord orchestrator.recordHistory
// appends to refresh_history.
func FromRefreshRecord(st *catalog.StreamTable, rec *catalog.RefreshRecord) Event {
	kind := KindRefreshed
	if rec.Status == "error" {
		kind = KindError
	}
	return Event{
		Kind:          kind,
		StreamTableID: st.ID,
		Schema:        st.Schema,
		Name:          st.Name,
		Action:        rec.Action,
		RowsInserted:  rec.RowsInserted,
		RowsDeleted:   rec.RowsDeleted,
		DurationMS:    rec.DurationMS,
		Error:         rec.ErrorMessage,
		EmittedAt:     rec.End,
	}
}
