// Package frontier maintains the per-stream-table, per-source map of
// last-consumed LSNs (spec §4.4) and enforces the monotonicity invariant
// (spec §3 invariant 2): advance rejects any new frontier that is not
// pointwise greater-than-or-equal to the stored one.
package frontier

import (
	"context"
	"fmt"
	"time"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/sterr"
)

// Map is a per-source LSN map, the unit frontier.Read/Advance operate on.
type Map map[int64]host.LSN

// Read returns the ST's currently stored frontier (spec §4.4 read).
func Read(ctx context.Context, q host.Querier, store *catalog.Store, stID int64) (Map, error) {
	st, err := store.LoadStreamTableByID(ctx, q, stID)
	if err != nil {
		return nil, err
	}
	return Map(st.Frontier), nil
}

// ComputeNew returns the current upper LSN bound for every source a
// dependency set names (spec §4.4 compute_new). In WAL mode this is the
// decoder-confirmed LSN stored on the dependency row
// (dep.DecoderConfirmedLSN); in every other mode it is the host's
// current commit-order token. Nothing is read from q or store.
func ComputeNew(ctx context.Context, q host.Querier, store *catalog.Store, deps []*catalog.Dependency, currentHostLSN host.LSN) (Map, error) {
	out := make(Map, len(deps))
	for _, dep := range deps {
		switch dep.CDCMode {
		case catalog.CDCWal:
			out[dep.SourceID] = dep.DecoderConfirmedLSN
		default:
			out[dep.SourceID] = currentHostLSN
		}
	}
	return out, nil
}

// Advance persists new as the ST's frontier, after checking that it is
// pointwise >= the stored frontier for every source (spec §3 invariant
// 2). Callers must hold the ST's advisory lock (spec §3 invariant 4)
// before calling this — Advance does not acquire it itself.
func Advance(ctx context.Context, q host.Querier, store *catalog.Store, stID int64, newFrontier Map, dataTimestamp time.Time) error {
	current, err := Read(ctx, q, store, stID)
	if err != nil {
		return err
	}
	for srcID, stored := range current {
		next, ok := newFrontier[srcID]
		if !ok {
			return sterr.New(sterr.CodeSQLPermanent,
				fmt.Sprintf("advance frontier for st %d: missing new lsn for source %d", stID, srcID))
		}
		if next < stored {
			return sterr.New(sterr.CodeSQLPermanent,
				fmt.Sprintf("advance frontier for st %d: source %d would regress from %s to %s",
					stID, srcID, stored, next))
		}
	}
	return store.UpdateFrontier(ctx, q, stID, map[int64]host.LSN(newFrontier), dataTimestamp)
}

// Reinitialize replaces the frontier wholesale (spec §4.4 "On
// reinitialize, the frontier is replaced wholesale"), bypassing the
// monotonicity check since a REINITIALIZE starts the ST's history over.
func Reinitialize(ctx context.Context, q host.Querier, store *catalog.Store, stID int64, newFrontier Map, dataTimestamp time.Time) error {
	return store.UpdateFrontier(ctx, q, stID, map[int64]host.LSN(newFrontier), dataTimestamp)
}
