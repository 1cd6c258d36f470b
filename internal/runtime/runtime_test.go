package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func testRuntime(mode string) *Runtime {
	cfg := config.Default()
	cfg.Inference.Mode = mode
	return New(cfg, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSpawnerFollowsInferenceMode(t *testing.T) {
	r := testRuntime("local")
	spawner, err := r.newSpawner(context.Background())
	if err != nil {
		t.Fatalf("local spawner: %v", err)
	}
	if _, ok := spawner.(*gateway.LocalSpawner); !ok {
		t.Fatalf("expected local spawner, got %T", spawner)
	}

	r = testRuntime("exec")
	spawner, err = r.newSpawner(context.Background())
	if err != nil {
		t.Fatalf("exec spawner: %v", err)
	}
	if _, ok := spawner.(*gateway.ExecSpawner); !ok {
		t.Fatalf("expected exec spawner, got %T", spawner)
	}

	r = testRuntime("exec")
	r.cfg.Inference.Command = `"unterminated`
	if _, err := r.newSpawner(context.Background()); err == nil {
		t.Fatal("expected parse error for malformed command")
	}
}

func TestReadyReflectsState(t *testing.T) {
	r := testRuntime("local")

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}

func TestJobEventsWithoutBusAreDropped(t *testing.T) {
	r := testRuntime("local")
	r.publishJobEvent(protocol.JobEvent{JobID: "j1", Status: "done"})
}
