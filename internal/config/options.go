// Package config holds the engine's runtime-tunable options (spec §6) and
// the schedule-string grammar (spec §6 create_stream_table). Options are
// hot-reloaded from the catalog's config table the way the teacher's
// core.Engine polls a version column and notifies watchers on change.
package config

import (
	"fmt"
	"sync"
)

// UserTriggerMode controls whether the MERGE the orchestrator generates
// is decomposed into explicit DELETE/UPDATE/INSERT so row-level triggers
// see correct old/new records (spec §4.5 "Delta SQL assembly").
type UserTriggerMode string

const (
	UserTriggersAuto UserTriggerMode = "auto"
	UserTriggersOn   UserTriggerMode = "on"
	UserTriggersOff  UserTriggerMode = "off"
)

// CDCModePreference is the capture mechanism preference (spec §4.3).
type CDCModePreference string

const (
	CDCModeTrigger CDCModePreference = "trigger"
	CDCModeAuto    CDCModePreference = "auto"
	CDCModeWAL     CDCModePreference = "wal"
)

// Options is the full set of spec §6 runtime options plus the
// supplemented cleanup_retain_cycles option (SPEC_FULL.md "Refresh-history
// retention").
type Options struct {
	SchedulerEnabled            bool
	SchedulerIntervalMS         int
	MinScheduleSeconds          int
	MaxConsecutiveErrors        int
	ChangeBufferSchema          string
	MaxConcurrentRefreshes      int
	DifferentialMaxChangeRatio  float64
	CleanupUseTruncate          bool
	UserTriggers                UserTriggerMode
	CDCMode                     CDCModePreference
	WALTransitionTimeoutS       int
	BlockSourceDDL              bool
	CleanupRetainCycles         int
}

// Defaults mirrors the Default column of spec §6's runtime options table.
func Defaults() Options {
	return Options{
		SchedulerEnabled:           true,
		SchedulerIntervalMS:        1000,
		MinScheduleSeconds:         60,
		MaxConsecutiveErrors:       3,
		ChangeBufferSchema:         "streamtable_changes",
		MaxConcurrentRefreshes:     4,
		DifferentialMaxChangeRatio: 0.15,
		CleanupUseTruncate:         true,
		UserTriggers:               UserTriggersAuto,
		CDCMode:                    CDCModeTrigger,
		WALTransitionTimeoutS:      300,
		BlockSourceDDL:             false,
		CleanupRetainCycles:        10000,
	}
}

// Validate enforces the bounds from spec §6's Type column. It is called
// before any option write is accepted, catalog-backed or not.
func (o Options) Validate() error {
	if o.SchedulerIntervalMS < 100 || o.SchedulerIntervalMS > 60000 {
		return fmt.Errorf("scheduler_interval_ms must be in [100, 60000], got %d", o.SchedulerIntervalMS)
	}
	if o.MinScheduleSeconds < 1 || o.MinScheduleSeconds > 86400 {
		return fmt.Errorf("min_schedule_seconds must be in [1, 86400], got %d", o.MinScheduleSeconds)
	}
	if o.MaxConsecutiveErrors < 1 || o.MaxConsecutiveErrors > 100 {
		return fmt.Errorf("max_consecutive_errors must be in [1, 100], got %d", o.MaxConsecutiveErrors)
	}
	if o.MaxConcurrentRefreshes < 1 || o.MaxConcurrentRefreshes > 32 {
		return fmt.Errorf("max_concurrent_refreshes must be in [1, 32], got %d", o.MaxConcurrentRefreshes)
	}
	if o.DifferentialMaxChangeRatio < 0 || o.DifferentialMaxChangeRatio > 1 {
		return fmt.Errorf("differential_max_change_ratio must be in [0, 1], got %f", o.DifferentialMaxChangeRatio)
	}
	switch o.UserTriggers {
	case UserTriggersAuto, UserTriggersOn, UserTriggersOff:
	default:
		return fmt.Errorf("user_triggers must be one of auto|on|off, got %q", o.UserTriggers)
	}
	switch o.CDCMode {
	case CDCModeTrigger, CDCModeAuto, CDCModeWAL:
	default:
		return fmt.Errorf("cdc_mode must be one of trigger|auto|wal, got %q", o.CDCMode)
	}
	if o.ChangeBufferSchema == "" {
		return fmt.Errorf("change_buffer_schema must not be empty")
	}
	if o.WALTransitionTimeoutS <= 0 {
		return fmt.Errorf("wal_transition_timeout_s must be positive, got %d", o.WALTransitionTimeoutS)
	}
	if o.CleanupRetainCycles < 0 {
		return fmt.Errorf("cleanup_retain_cycles must be non-negative, got %d", o.CleanupRetainCycles)
	}
	return nil
}

// Store holds the live Options value, swapped atomically under a mutex
// (matching the teacher's Engine.mu guarding configVersion) and notifies
// registered watchers on every accepted change.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	watchers []func(Options)
}

// NewStore starts a Store at the given initial value (normally Defaults(),
// overridden by whatever the catalog's config table already contains).
func NewStore(initial Options) *Store {
	return &Store{opts: initial}
}

// Get returns the current options by value.
func (s *Store) Get() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Set validates and installs new options, then fires watchers.
func (s *Store) Set(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.opts = opts
	watchers := append([]func(Options){}, s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		go w(opts)
	}
	return nil
}

// OnChange registers a callback fired (on its own goroutine) whenever Set
// installs a new value — the same shape as the teacher's Engine.OnChange.
func (s *Store) OnChange(fn func(Options)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// applyRaw overlays string-keyed catalog config rows onto a base Options
// value, matching each key against the spec §6 runtime-options table.
// Unknown keys and unparseable values are ignored rather than rejected,
// since the config table is edited by hand or by older engine versions.
func applyRaw(base Options, raw map[string]string) Options {
	o := base
	if v, ok := raw["scheduler_enabled"]; ok {
		o.SchedulerEnabled = v == "true" || v == "1"
	}
	if v, ok := raw["scheduler_interval_ms"]; ok {
		fmt.Sscanf(v, "%d", &o.SchedulerIntervalMS)
	}
	if v, ok := raw["min_schedule_seconds"]; ok {
		fmt.Sscanf(v, "%d", &o.MinScheduleSeconds)
	}
	if v, ok := raw["max_consecutive_errors"]; ok {
		fmt.Sscanf(v, "%d", &o.MaxConsecutiveErrors)
	}
	if v, ok := raw["change_buffer_schema"]; ok && v != "" {
		o.ChangeBufferSchema = v
	}
	if v, ok := raw["max_concurrent_refreshes"]; ok {
		fmt.Sscanf(v, "%d", &o.MaxConcurrentRefreshes)
	}
	if v, ok := raw["differential_max_change_ratio"]; ok {
		fmt.Sscanf(v, "%g", &o.DifferentialMaxChangeRatio)
	}
	if v, ok := raw["cleanup_use_truncate"]; ok {
		o.CleanupUseTruncate = v == "true" || v == "1"
	}
	if v, ok := raw["user_triggers"]; ok {
		o.UserTriggers = UserTriggerMode(v)
	}
	if v, ok := raw["cdc_mode"]; ok {
		o.CDCMode = CDCModePreference(v)
	}
	if v, ok := raw["wal_transition_timeout_s"]; ok {
		fmt.Sscanf(v, "%d", &o.WALTransitionTimeoutS)
	}
	if v, ok := raw["block_source_ddl"]; ok {
		o.BlockSourceDDL = v == "true" || v == "1"
	}
	if v, ok := raw["cleanup_retain_cycles"]; ok {
		fmt.Sscanf(v, "%d", &o.CleanupRetainCycles)
	}
	return o
}
