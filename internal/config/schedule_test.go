package config

import (
	"testing"
	"time"
)

func TestParseScheduleDownstream(t *testing.T) {
	s, err := ParseSchedule("", 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Kind != ScheduleDownstream {
		t.Fatalf("expected ScheduleDownstream, got %v", s.Kind)
	}
}

func TestParseScheduleDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":  30 * time.Second,
		"5m":   5 * time.Minute,
		"2h":   2 * time.Hour,
		"1d":   24 * time.Hour,
		"1w":   7 * 24 * time.Hour,
		"90s":  90 * time.Second,
	}
	for raw, want := range cases {
		s, err := ParseSchedule(raw, 1)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", raw, err)
		}
		if s.Kind != ScheduleDuration {
			t.Fatalf("ParseSchedule(%q) kind = %v, want duration", raw, s.Kind)
		}
		if s.Interval != want {
			t.Errorf("ParseSchedule(%q) interval = %v, want %v", raw, s.Interval, want)
		}
	}
}

func TestParseScheduleDurationBelowFloor(t *testing.T) {
	if _, err := ParseSchedule("10s", 60); err == nil {
		t.Fatalf("expected error for schedule below min_schedule_seconds floor")
	}
}

func TestParseScheduleCronAliases(t *testing.T) {
	for _, alias := range []string{"@hourly", "@daily", "@weekly", "@monthly"} {
		s, err := ParseSchedule(alias, 60)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", alias, err)
		}
		if s.Kind != ScheduleCron {
			t.Fatalf("ParseSchedule(%q) kind = %v, want cron", alias, s.Kind)
		}
	}
}

func TestParseScheduleCronExplicit(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *", 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Kind != ScheduleCron {
		t.Fatalf("expected cron kind, got %v", s.Kind)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := s.NextFire(base)
	if err != nil {
		t.Fatalf("NextFire error: %v", err)
	}
	if next.Minute()%5 != 0 {
		t.Errorf("expected next fire minute divisible by 5, got %v", next)
	}
}

func TestParseScheduleCronSixField(t *testing.T) {
	if _, err := ParseSchedule("*/30 * * * * *", 60); err != nil {
		t.Fatalf("expected 6-field cron (with seconds) to parse, got error: %v", err)
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	if _, err := ParseSchedule("not a schedule at all", 60); err == nil {
		t.Fatalf("expected error for garbage schedule string")
	}
}

func TestScheduleDueDuration(t *testing.T) {
	s, err := ParseSchedule("1m", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notYet, err := s.Due(last, last.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notYet {
		t.Fatalf("expected not due after only 30s of a 1m schedule")
	}
	due, err := s.Due(last, last.Add(90*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !due {
		t.Fatalf("expected due after 90s of a 1m schedule")
	}
}

func TestScheduleDueDownstreamErrors(t *testing.T) {
	s, _ := ParseSchedule("", 60)
	if _, err := s.Due(time.Now(), time.Now()); err == nil {
		t.Fatalf("expected error calling Due on a downstream-derived schedule")
	}
}
