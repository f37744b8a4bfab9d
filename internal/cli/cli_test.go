package cli

import (
	"testing"
	"time"

	"github.com/grove/streamtable/internal/frontier"
)

func TestSplitQualifiedValid(t *testing.T) {
	schema, name, err := splitQualified("public.orders_summary")
	if err != nil {
		t.Fatalf("splitQualified: %v", err)
	}
	if schema != "public" || name != "orders_summary" {
		t.Errorf("got (%q, %q), want (public, orders_summary)", schema, name)
	}
}

func TestSplitQualifiedRejectsUnqualified(t *testing.T) {
	if _, _, err := splitQualified("orders_summary"); err == nil {
		t.Fatalf("expected error for unqualified name")
	}
}

func TestSplitQualifiedRejectsEmptyParts(t *testing.T) {
	if _, _, err := splitQualified("public."); err == nil {
		t.Fatalf("expected error for empty name part")
	}
	if _, _, err := splitQualified(".orders"); err == nil {
		t.Fatalf("expected error for empty schema part")
	}
}

func TestFormatTimeNil(t *testing.T) {
	if got := formatTime(nil); got != "never" {
		t.Errorf("formatTime(nil) = %q, want %q", got, "never")
	}
}

func TestFormatTimeSet(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := formatTime(&now); got != now.Format(time.RFC3339) {
		t.Errorf("formatTime = %q, want RFC3339 form", got)
	}
}

func TestFrontierLookup(t *testing.T) {
	m := frontier.Map{5: 100}
	v, ok := frontierLookup(m, 5)
	if !ok || v != 100 {
		t.Errorf("frontierLookup(5) = (%v, %v), want (100, true)", v, ok)
	}
	if _, ok := frontierLookup(m, 9); ok {
		t.Errorf("expected lookup miss for unknown source id")
	}
}
