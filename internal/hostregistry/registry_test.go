package hostregistry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	client := bus.Wrap(conn, logger)
	t.Cleanup(client.Close)
	return client
}

func TestRegistryLearnsAnnouncedHost(t *testing.T) {
	client := newTestBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := New(ctx, config.NodeConfig{HeartbeatTimeout: 5000}, client, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	announcer, err := StartAnnouncer(ctx, config.NodeConfig{
		ID:                "gpu-1",
		Role:              "inference",
		HeartbeatInterval: 50,
		Capabilities:      []config.NodeCapability{{Name: "tts.clone", Tier: "balanced"}},
	}, client, logger)
	if err != nil {
		t.Fatalf("start announcer: %v", err)
	}
	defer announcer.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if node, ok := registry.Pick("tts.clone"); ok {
			if node.ID != "gpu-1" || node.Role != "inference" {
				t.Fatalf("unexpected node %+v", node)
			}
			if _, ok := registry.Pick("stt.whisper"); ok {
				t.Fatal("expected no host for an unadvertised capability")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry never saw the announced host")
}

func TestEvaluateHealthMarksStaleHosts(t *testing.T) {
	now := time.Now()
	r := &Registry{
		timeout: time.Second,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodes:   make(map[string]*NodeInfo),
		now:     func() time.Time { return now },
	}
	r.updateNode("old", "inference", nil, now.Add(-2*time.Second))
	r.updateNode("fresh", "inference", nil, now)
	r.evaluateHealth()

	for _, node := range r.Query(nil) {
		switch node.ID {
		case "old":
			if node.Healthy {
				t.Fatal("expected stale host to be unhealthy")
			}
		case "fresh":
			if !node.Healthy {
				t.Fatal("expected fresh host to stay healthy")
			}
		}
	}
	if r.healthyCount() != 1 {
		t.Fatalf("expected 1 healthy host, got %d", r.healthyCount())
	}
}
