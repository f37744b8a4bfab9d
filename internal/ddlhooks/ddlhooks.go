// Package ddlhooks detects schema drift on tracked sources and bumps the
// engine's cache/DAG generation counters in response (spec §4.8 "DDL
// interaction"). It is modeled on the teacher's core.ModuleManager
// hook registry (RegisterHook/fire-by-event), generalized from firing on
// a chat event to firing on a catalog mutation or information_schema
// fingerprint mismatch.
package ddlhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/shm"
)

// ColumnDef is one column of a tracked source's current shape, as read
// from information_schema.columns.
type ColumnDef struct {
	Name     string
	DataType string
	Position int
}

// Fingerprint deterministically hashes a source's column list so it can
// be compared against the snapshot stored at dependency-registration
// time (spec §3 Dependency.schema_fingerprint, spec §4.8).
func Fingerprint(cols []ColumnDef) string {
	sorted := append([]ColumnDef{}, cols...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	var sb strings.Builder
	for _, c := range sorted {
		sb.WriteString(c.Name)
		sb.WriteByte(0)
		sb.WriteString(c.DataType)
		sb.WriteByte(30)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Registry holds the engine's DDL hooks, dispatched by event name the
// same way the teacher's core.ModuleManager dispatches hooks by Event
// string; here the only events are the small, closed set spec §4.8
// names instead of an open plugin surface.
type Registry struct {
	catalog *catalog.Store
	block   *shm.Block
	logger  *slog.Logger
}

// NewRegistry builds a Registry bound to the catalog store and shared
// generation counters it mutates on a drift event.
func NewRegistry(cat *catalog.Store, block *shm.Block, logger *slog.Logger) *Registry {
	return &Registry{catalog: cat, block: block, logger: logger.With("component", "ddlhooks")}
}

// CheckSource compares a tracked source's current fingerprint against
// every dependency's stored snapshot and, on mismatch, marks the owning
// stream table for reinitialization and bumps CACHE_GENERATION so any
// compiled plan referencing it is rebuilt (spec §4.8 "Schema drift").
func (r *Registry) CheckSource(ctx context.Context, q host.Querier, sourceID int64, current []ColumnDef) error {
	return r.checkFingerprint(ctx, q, sourceID, Fingerprint(current))
}

// checkFingerprint is the shared tail of CheckSource and the fallback
// file-watch path below: both resolve to "here is sourceID's fingerprint
// as of right now", they only differ in how they produce it.
func (r *Registry) checkFingerprint(ctx context.Context, q host.Querier, sourceID int64, fp string) error {
	ct, err := r.catalog.LoadChangeTracking(ctx, q, sourceID)
	if err != nil {
		return fmt.Errorf("load change tracking for source %d: %w", sourceID, err)
	}

	for _, stID := range ct.Dependents {
		deps, err := r.catalog.ListDependencies(ctx, q, stID)
		if err != nil {
			return fmt.Errorf("list dependencies for stream table %d: %w", stID, err)
		}
		for _, dep := range deps {
			if dep.SourceID != sourceID {
				continue
			}
			if dep.SchemaFingerprint == "" || dep.SchemaFingerprint == fp {
				continue
			}
			r.logger.Warn("schema drift detected, marking stream table for reinitialization",
				"source_id", sourceID, "stream_table_id", stID,
				"old_fingerprint", dep.SchemaFingerprint, "new_fingerprint", fp)
			if err := r.catalog.MarkNeedsReinit(ctx, q, stID); err != nil {
				return fmt.Errorf("mark needs reinit for stream table %d: %w", stID, err)
			}
		}
	}

	r.block.BumpCacheGeneration()
	return nil
}

// OnCatalogMutation bumps DAG_GENERATION after any structural change to
// the dependency graph: a stream table's creation, drop, or a dependency
// edge add/remove (spec §4.7 step 1, spec §4.8).
func (r *Registry) OnCatalogMutation() {
	r.block.BumpDAGGeneration()
}

// OnDefinitionDDL bumps CACHE_GENERATION after any DDL the spec requires
// invalidating compiled plans for: ALTER on a tracked source, or CREATE
// OR REPLACE on a function/view a stream table's defining query uses
// (spec §4.8 "Volatile function / view redefinition").
func (r *Registry) OnDefinitionDDL() {
	r.block.BumpCacheGeneration()
}

// FallbackWatcher watches a directory of precomputed fingerprint files
// instead of a live LISTEN/NOTIFY connection to the host. block_source_ddl
// integration tests write one file per tracked source, named
// "<sourceID>.fp", containing that source's current Fingerprint; this
// lets a test flip a source's shape by rewriting the file rather than
// running real DDL against Postgres. Modeled directly on the teacher's
// core.Engine.WatchFile (fsnotify.NewWatcher, react only on fsnotify.Write,
// exit when the context is cancelled).
type FallbackWatcher struct {
	registry *Registry
	dir      string
}

// NewFallbackWatcher builds a watcher over dir, a fingerprint-cache
// directory. Used only where block_source_ddl is testing drift detection
// without a live connection to LISTEN on (spec §4.8 "Schema drift");
// production deployments rely on CheckSource being called from the DDL
// event trigger path instead.
func NewFallbackWatcher(r *Registry, dir string) *FallbackWatcher {
	return &FallbackWatcher{registry: r, dir: dir}
}

// Run watches w.dir until ctx is cancelled, applying each fingerprint
// file write as if it had arrived via CheckSource. q is used for every
// catalog read/write a triggered check performs.
func (w *FallbackWatcher) Run(ctx context.Context, q host.Querier) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fallback ddl watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("fallback ddl watcher: watch %s: %w", w.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					w.handle(ctx, q, event.Name)
				}
			case <-watcher.Errors:
				// ignore: a write lost to a watcher error is not re-read;
				// the drift is caught on the next write to that file or the
				// next CheckSource call.
			}
		}
	}()
	return nil
}

func (w *FallbackWatcher) handle(ctx context.Context, q host.Querier, path string) {
	sourceID, ok := parseFingerprintFileName(path)
	if !ok {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		w.registry.logger.Warn("fallback ddl watcher: read fingerprint file failed", "path", path, "error", err)
		return
	}
	fp := strings.TrimSpace(string(raw))
	if err := w.registry.checkFingerprint(ctx, q, sourceID, fp); err != nil {
		w.registry.logger.Warn("fallback ddl watcher: check fingerprint failed", "path", path, "error", err)
	}
}

func parseFingerprintFileName(path string) (sourceID int64, ok bool) {
	base := filepath.Base(path)
	trimmed := strings.TrimSuffix(base, ".fp")
	if trimmed == base {
		return 0, false
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
