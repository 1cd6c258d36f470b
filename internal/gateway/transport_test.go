package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/host"
	"github.com/loqalabs/loqa-voice/internal/hostregistry"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

const execHelperEnv = "LOQA_GATEWAY_EXEC_HOST"

// TestExecHostProcess is the child process for the exec transport tests. It
// serves the mock model over stdin and stdout.
func TestExecHostProcess(t *testing.T) {
	if os.Getenv(execHelperEnv) != "1" {
		t.Skip("runs only as a child of the exec transport tests")
	}
	if err := host.ServeStdio(context.Background(), host.NewMockModel(), os.Stdin, os.Stdout, discardLogger()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func transportConfig() Config {
	return Config{
		RequestTimeout:     5 * time.Second,
		StallTimeout:       5 * time.Second,
		StallCheckInterval: 50 * time.Millisecond,
		MaxLoadRetries:     1,
	}
}

// roundTrip loads the model, encodes a speaker and generates a few words.
func roundTrip(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx := context.Background()
	if err := gw.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := gw.EnsureSpeaker(ctx, "voice-a", []float32{0.3, 0.3, 0.3}); err != nil {
		t.Fatalf("ensure speaker: %v", err)
	}
	res, err := gw.Generate(ctx, "one two three", "voice-a", 0.5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Waveform) != 3*6000 || len(res.WordTimestamps) != 3 {
		t.Fatalf("unexpected result: %d samples, %d timestamps", len(res.Waveform), len(res.WordTimestamps))
	}
}

func TestExecTransportRoundTrip(t *testing.T) {
	t.Setenv(execHelperEnv, "1")
	spawner, err := NewExecSpawner(fmt.Sprintf("%q -test.run=TestExecHostProcess", os.Args[0]), discardLogger())
	if err != nil {
		t.Fatalf("spawner: %v", err)
	}
	spawner.Stderr = io.Discard

	gw := New(spawner, nil, transportConfig(), discardLogger())
	defer gw.Close()
	roundTrip(t, gw)

	if p := gw.Progress(); !p.Done {
		t.Fatalf("expected progress to finish over pipes, got %+v", p)
	}
}

// stubPicker serves one node whose health the test controls.
type stubPicker struct {
	id      string
	healthy atomic.Bool
}

func newStubPicker(id string) *stubPicker {
	p := &stubPicker{id: id}
	p.healthy.Store(true)
	return p
}

func (p *stubPicker) Pick(string) (hostregistry.NodeInfo, bool) {
	if !p.healthy.Load() {
		return hostregistry.NodeInfo{}, false
	}
	return hostregistry.NodeInfo{ID: p.id, Healthy: true}, true
}

func (p *stubPicker) Node(id string) (hostregistry.NodeInfo, bool) {
	if id != p.id {
		return hostregistry.NodeInfo{}, false
	}
	return hostregistry.NodeInfo{ID: id, Healthy: p.healthy.Load()}, true
}

type natsFixture struct {
	gw      *Gateway
	service *host.BusService
	picker  *stubPicker
}

func connectBus(t *testing.T, url string) *bus.Client {
	t.Helper()
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	client := bus.Wrap(conn, discardLogger())
	t.Cleanup(client.Close)
	return client
}

// newNATSFixture runs a mock host node and a gateway on an embedded server.
func newNATSFixture(t *testing.T, maxPayload int) *natsFixture {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Embedded:   true,
		Port:       -1,
		StoreDir:   t.TempDir(),
		MaxPayload: maxPayload,
	}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	service := host.NewBusService(ctx, "node-a", connectBus(t, srv.ClientURL()), func() host.Model {
		return host.NewMockModel()
	}, discardLogger())
	if err := service.Start(); err != nil {
		t.Fatalf("start host service: %v", err)
	}
	t.Cleanup(service.Close)

	picker := newStubPicker("node-a")
	spawner := NewNATSSpawner(connectBus(t, srv.ClientURL()), picker, "tts.clone", discardLogger())
	spawner.LivenessInterval = 20 * time.Millisecond
	gw := New(spawner, nil, transportConfig(), discardLogger())
	t.Cleanup(func() { gw.Close() })
	return &natsFixture{gw: gw, service: service, picker: picker}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// maxChunk is a chunk near the default size limit. Its mock reply carries
// 39 words of audio, well over 1MB once encoded.
var maxChunk = strings.TrimSpace(strings.Repeat("word ", 39))

func TestNATSTransportRoundTrip(t *testing.T) {
	f := newNATSFixture(t, 8<<20)
	roundTrip(t, f.gw)

	res, err := f.gw.Generate(context.Background(), maxChunk, "voice-a", 0.5)
	if err != nil {
		t.Fatalf("generate full-size chunk: %v", err)
	}
	if len(res.Waveform) != 39*6000 {
		t.Fatalf("expected %d samples, got %d", 39*6000, len(res.Waveform))
	}
	if f.service.Sessions() != 1 {
		t.Fatalf("expected one host session, got %d", f.service.Sessions())
	}
}

func TestNATSOversizedReplyFailsFast(t *testing.T) {
	// 0 keeps the server's 1MB default
	f := newNATSFixture(t, 0)
	roundTrip(t, f.gw)

	start := time.Now()
	_, err := f.gw.Generate(context.Background(), maxChunk, "voice-a", 0.5)
	var hostErr *HostError
	if !errors.As(err, &hostErr) || hostErr.Code != protocol.CodeReplyUndeliverable {
		t.Fatalf("expected an undeliverable reply error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= transportConfig().RequestTimeout {
		t.Fatalf("expected a prompt failure, took %s", elapsed)
	}

	// the session survives and keeps serving small replies
	if !f.gw.IsLoaded() {
		t.Fatal("expected the model to stay loaded")
	}
	if _, err := f.gw.Generate(context.Background(), "still here", "voice-a", 0.5); err != nil {
		t.Fatalf("generate after oversized reply: %v", err)
	}
}

func TestNATSLostNodeResetsGateway(t *testing.T) {
	f := newNATSFixture(t, 8<<20)
	resets := make(chan struct{}, 4)
	f.gw.OnReset(func() { resets <- struct{}{} })
	roundTrip(t, f.gw)

	f.picker.healthy.Store(false)
	select {
	case <-resets:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reset once the node stopped heartbeating")
	}
	if f.gw.IsLoaded() || f.gw.IsSpeakerEncoded("voice-a") {
		t.Fatal("expected loaded state to be cleared")
	}
	if _, err := f.gw.Generate(context.Background(), "hello", "voice-a", 0.5); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
	waitFor(t, "host to drop the closed session", func() bool { return f.service.Sessions() == 0 })

	// the node comes back and a fresh session loads again
	f.picker.healthy.Store(true)
	roundTrip(t, f.gw)
}

func TestNATSHostShutdownResetsGateway(t *testing.T) {
	f := newNATSFixture(t, 8<<20)
	resets := make(chan struct{}, 4)
	f.gw.OnReset(func() { resets <- struct{}{} })
	roundTrip(t, f.gw)

	f.service.Close()
	select {
	case <-resets:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reset once the host ended the session")
	}
	if f.gw.IsLoaded() {
		t.Fatal("expected the gateway to report unloaded")
	}
	if f.service.Sessions() != 0 {
		t.Fatalf("expected no sessions after shutdown, got %d", f.service.Sessions())
	}
}
