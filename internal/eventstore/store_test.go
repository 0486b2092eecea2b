package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.RecordTransition(ctx, Transition{SessionID: "s", Status: "playing"}); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	trs, err := es.ListTransitions(ctx, "s", 10)
	if err != nil || trs != nil {
		t.Fatalf("expected no transitions, got %v %v", trs, err)
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	sess := Session{ID: "session-123", VoiceID: "Samantha|en-US", TextDigest: "abc", Sentences: 2, Words: 5}
	if err := es.RecordSession(ctx, sess); err != nil {
		t.Fatalf("record session: %v", err)
	}
	steps := []Transition{
		{SessionID: sess.ID, Status: "playing", Sentence: -1, Word: -1},
		{SessionID: sess.ID, Status: "playing", Sentence: 1, Word: 0, TraceID: "trace-1"},
		{SessionID: sess.ID, Status: "finished", Sentence: -1, Word: -1},
	}
	for _, tr := range steps {
		if err := es.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("record transition: %v", err)
		}
	}

	got, err := es.ListTransitions(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[1].Sentence != 1 || got[1].Word != 0 || got[1].TraceID != "trace-1" {
		t.Fatalf("unexpected transition: %+v", got[1])
	}
	if got[2].Status != "finished" {
		t.Fatalf("expected finished last, got %s", got[2].Status)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Words != 5 || sessions[0].VoiceID != "Samantha|en-US" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordTransition(ctx, Transition{SessionID: "old-session", Status: "idle", Sentence: -1, Word: -1}); err != nil {
		t.Fatalf("record transition: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	trs, err := es.ListTransitions(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(trs) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only new session, got %+v", sessions)
	}
}
