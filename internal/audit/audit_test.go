package audit

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/wrenholt/rookery/internal/store"
)

func TestRecord(t *testing.T) {
	s := newTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := NewRecorder(s, "fleet", log)
	rec.Record("purchase", "drone", "capacity 8")
	rec.Record("upgrade", "drone1", "capacity 8 -> 16")

	events, err := s.ListEvents("fleet", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Component != "fleet" {
			t.Errorf("Component = %q, want fleet", ev.Component)
		}
	}
}

func TestRecord_NilRecorderAndNilStore(t *testing.T) {
	// Both must be safe no-ops.
	var rec *Recorder
	rec.Record("noop", "", "")

	rec = NewRecorder(nil, "sched", slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec.Record("noop", "", "")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
