package sessionlog

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	events := []Event{
		{Session: "work", Client: "c1", Kind: KindClientAttached},
		{Session: "work", Client: "c1", Kind: KindClientDetached, Detail: "normal close"},
		{Session: "scratch", Kind: KindSessionCreated},
	}
	for _, ev := range events {
		if err := s.Record(ev); err != nil {
			t.Fatalf("Record(%+v): %v", ev, err)
		}
	}

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Kind != KindSessionCreated || got[0].Session != "scratch" {
		t.Errorf("newest event = %+v", got[0])
	}
	if got[0].Time.IsZero() {
		t.Error("zero Time was not stamped on Record")
	}
}

func TestStore_RecentLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Record(Event{Session: "work", Kind: KindLog}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent(2) returned %d events", len(got))
	}
}

func TestStore_EmptyKindRejected(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.Record(Event{Session: "work"}); err == nil {
		t.Error("Record accepted an empty kind")
	}
}

func TestStore_CountBySession(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	for _, session := range []string{"work", "work", "scratch"} {
		if err := s.Record(Event{Session: session, Kind: KindClientAttached}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// Sessionless rows are excluded from the per-session view.
	if err := s.Record(Event{Kind: KindLog}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	counts, err := s.CountBySession()
	if err != nil {
		t.Fatalf("CountBySession: %v", err)
	}
	if counts["work"] != 2 || counts["scratch"] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStore_PruneDropsOldRows(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	old := Event{Session: "work", Kind: KindLog, Time: time.Now().Add(-60 * 24 * time.Hour)}
	fresh := Event{Session: "work", Kind: KindLog}
	if err := s.Record(old); err != nil {
		t.Fatalf("Record(old): %v", err)
	}
	if err := s.Record(fresh); err != nil {
		t.Fatalf("Record(fresh): %v", err)
	}

	if err := s.prune(time.Now().Add(-pruneAge)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("after prune %d events remain, want 1", len(got))
	}
}

func TestTeeHandler_MirrorsWarnings(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewTeeHandler(base, s, slog.LevelWarn))

	logger.Info("below threshold", "session", "work")
	logger.Warn("command reply timed out", "session", "work", "clientId", "c9")

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("store has %d rows, want only the warning", len(got))
	}
	if got[0].Session != "work" || got[0].Client != "c9" || got[0].Kind != KindLog {
		t.Errorf("teed event = %+v", got[0])
	}
	if buf.Len() == 0 {
		t.Error("base handler received nothing")
	}
}

func TestTeeHandler_NilStoreSafe(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewTeeHandler(base, nil, slog.LevelWarn))
	logger.Warn("no store attached")
	if buf.Len() == 0 {
		t.Error("base handler received nothing")
	}
}
