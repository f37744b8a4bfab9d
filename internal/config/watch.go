package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/grove/streamtable/internal/host"
)

// CatalogWatcher polls the catalog's config table for version bumps and
// reloads the Store on change, generalizing the teacher's
// Engine.watchConfig ticker (`SELECT COALESCE(MAX(version),0) FROM
// config`) from a single SQLite file to the engine's shared Postgres
// catalog schema.
type CatalogWatcher struct {
	engine  *host.Engine
	store   *Store
	schema  string
	logger  *slog.Logger
	version int64
}

// NewCatalogWatcher builds a watcher bound to the given catalog schema
// (the same schema Bootstrap creates the "config" table under).
func NewCatalogWatcher(engine *host.Engine, store *Store, schema string, logger *slog.Logger) *CatalogWatcher {
	return &CatalogWatcher{engine: engine, store: store, schema: schema, logger: logger.With("component", "config_watcher")}
}

// Run polls every interval until ctx is cancelled, exactly mirroring the
// teacher's one-second ticker loop.
func (w *CatalogWatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				w.logger.Warn("config poll failed", "error", err)
			}
		}
	}
}

func (w *CatalogWatcher) pollOnce(ctx context.Context) error {
	var maxVersion int64
	err := w.engine.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+w.schema+".config").Scan(&maxVersion)
	if err != nil {
		return err
	}
	if maxVersion <= w.version {
		return nil
	}
	w.version = maxVersion

	opts, err := w.loadOptions(ctx)
	if err != nil {
		return err
	}
	if err := w.store.Set(opts); err != nil {
		return err
	}
	w.logger.Info("config reloaded", "version", maxVersion)
	return nil
}

// loadOptions reads every known option key from the config table,
// falling back to the current in-memory value for any key absent from
// the table (so a partially-populated config table still validates).
func (w *CatalogWatcher) loadOptions(ctx context.Context) (Options, error) {
	rows, err := w.engine.Query(ctx, "SELECT key, value FROM "+w.schema+".config")
	if err != nil {
		return Options{}, err
	}
	defer rows.Close()

	raw := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Options{}, err
		}
		raw[k] = v
	}
	if err := rows.Err(); err != nil {
		return Options{}, err
	}

	return applyRaw(w.store.Get(), raw), nil
}
