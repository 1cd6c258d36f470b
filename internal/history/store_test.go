package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openTestStore(t, config.HistoryConfig{RetentionMode: "ephemeral"})
	if err := s.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := s.Record(context.Background(), Entry{RunID: "r", Status: "done"}); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	runs, err := s.Runs(context.Background(), 10)
	if err != nil || runs != nil {
		t.Fatalf("expected nothing recorded, got %v %v", runs, err)
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.HistoryConfig{RetentionMode: "session"})

	if err := s.BeginRun(ctx, Run{ID: "run-1", Kind: KindQueue, SpeakerID: "voice-a"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for _, status := range []string{"processing", "done"} {
		if err := s.Record(ctx, Entry{RunID: "run-1", JobID: "job-1", Title: "Job 1", Status: status, AudioSeconds: 1.5}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := s.Entries(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Status != "processing" || entries[1].Status != "done" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[1].JobID != "job-1" || entries[1].AudioSeconds != 1.5 {
		t.Fatalf("unexpected entry %+v", entries[1])
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Kind != KindQueue || runs[0].SpeakerID != "voice-a" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.HistoryConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(ctx, Run{ID: "old-run", Kind: KindGenerate}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.Record(ctx, Entry{RunID: "old-run", Status: "done"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginRun(ctx, Run{ID: "new-run", Kind: KindGenerate}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.Entries(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old run pruned, got %+v", entries)
	}
	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new-run" {
		t.Fatalf("unexpected runs after prune %+v", runs)
	}
}
