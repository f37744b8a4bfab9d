package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes the three schedule shapes spec §6 allows for
// create_stream_table.
type ScheduleKind string

const (
	ScheduleDuration   ScheduleKind = "duration"
	ScheduleCron       ScheduleKind = "cron"
	ScheduleDownstream ScheduleKind = "downstream" // NULL: fires only when a dependent is due
)

// durationPattern matches spec §6's regex exactly:
// ^\d+(ns|us|ms|s|m|h|d|w)+$ — one or more digits followed by one or more
// unit suffixes (the teacher's IntentParser used the same
// regexp.MustCompile-per-pattern style for its own text matching).
var durationPattern = regexp.MustCompile(`^\d+(ns|us|ms|s|m|h|d|w)+$`)

var cronAliases = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
}

// cronParser accepts both the 5-field standard form and a 6-field form
// with a leading seconds field, matching spec §6's "5- or 6-field cron".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a parsed, validated schedule string.
type Schedule struct {
	Kind     ScheduleKind
	Raw      string        // original text, NULL source stores "" + ScheduleDownstream
	Interval time.Duration // valid when Kind == ScheduleDuration
	cronExpr cron.Schedule // valid when Kind == ScheduleCron
}

// ParseSchedule validates and parses a schedule string per spec §6. An
// empty string means "downstream-derived": the ST fires only when a
// downstream dependent is due (spec §4.7 step 2).
func ParseSchedule(raw string, minSeconds int) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{Kind: ScheduleDownstream}, nil
	}

	if durationPattern.MatchString(raw) {
		d, err := parseDurationSuffixes(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse duration schedule %q: %w", raw, err)
		}
		if d < time.Duration(minSeconds)*time.Second {
			return Schedule{}, fmt.Errorf("schedule %q is below the configured floor of %ds", raw, minSeconds)
		}
		return Schedule{Kind: ScheduleDuration, Raw: raw, Interval: d}, nil
	}

	expr := raw
	if alias, ok := cronAliases[raw]; ok {
		expr = alias
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule %q is neither a valid duration nor a valid 5/6-field cron expression: %w", raw, err)
	}
	return Schedule{Kind: ScheduleCron, Raw: raw, cronExpr: sched}, nil
}

// parseDurationSuffixes extends time.ParseDuration with the "d" (day) and
// "w" (week) units spec §6 allows but Go's stdlib doesn't.
func parseDurationSuffixes(raw string) (time.Duration, error) {
	// Rewrite any "Nd"/"Nw" runs into hours so time.ParseDuration can take it.
	var sb strings.Builder
	i := 0
	for i < len(raw) {
		j := i
		for j < len(raw) && raw[j] >= '0' && raw[j] <= '9' {
			j++
		}
		if j == i {
			return 0, fmt.Errorf("expected digits at position %d in %q", i, raw)
		}
		numStr := raw[i:j]
		k := j
		for k < len(raw) && (raw[k] < '0' || raw[k] > '9') {
			k++
		}
		unit := raw[j:k]
		switch unit {
		case "d":
			sb.WriteString(numStr + "h")
			// a day is 24h; time.ParseDuration has no day unit, so expand.
			var n int
			fmt.Sscanf(numStr, "%d", &n)
			sb.Reset()
			fmt.Fprintf(&sb, "%dh", n*24)
		case "w":
			var n int
			fmt.Sscanf(numStr, "%d", &n)
			fmt.Fprintf(&sb, "%dh", n*24*7)
		default:
			sb.WriteString(numStr)
			sb.WriteString(unit)
		}
		i = k
	}
	return time.ParseDuration(sb.String())
}

// NextFire computes the next fire time strictly after `after`. For
// duration schedules this is simply after+Interval; for cron schedules it
// delegates to robfig/cron, which is DST-aware and single-valued at zone
// transitions (spec §8 "Cron at DST boundaries").
func (s Schedule) NextFire(after time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleDuration:
		return after.Add(s.Interval), nil
	case ScheduleCron:
		return s.cronExpr.Next(after), nil
	case ScheduleDownstream:
		return time.Time{}, fmt.Errorf("downstream-derived schedules have no independent next-fire time")
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Due reports whether the schedule has fired by now, given the ST's
// current data-timestamp (spec §4.7 step 2, duration-based and
// cron-based due-ness).
func (s Schedule) Due(dataTimestamp, now time.Time) (bool, error) {
	if s.Kind == ScheduleDownstream {
		return false, fmt.Errorf("downstream-derived due-ness is computed by the scheduler's bottom-up propagation, not Schedule.Due")
	}
	next, err := s.NextFire(dataTimestamp)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}
