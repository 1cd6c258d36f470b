package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type harness struct {
	in  chan protocol.Envelope
	out chan protocol.Envelope
}

func startServer(t *testing.T, model Model) *harness {
	t.Helper()
	h := &harness{in: make(chan protocol.Envelope), out: make(chan protocol.Envelope, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go NewServer(model, logger).Serve(ctx, h.in, func(env protocol.Envelope) error {
		h.out <- env
		return nil
	})
	return h
}

// request sends env and returns the reply, skipping progress events.
func (h *harness) request(t *testing.T, id, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(id, msgType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	h.in <- env
	timeout := time.After(2 * time.Second)
	for {
		select {
		case reply := <-h.out:
			if reply.Type == protocol.TypeLoadProgress {
				continue
			}
			return reply
		case <-timeout:
			t.Fatalf("no reply to %s", msgType)
		}
	}
}

func TestServerRequiresLoad(t *testing.T) {
	h := startServer(t, NewMockModel())
	reply := h.request(t, "1", protocol.TypeGenerate, protocol.GenerateRequest{Text: "hi", SpeakerID: "a"})
	if reply.Type != protocol.TypeError || reply.Error.Code != protocol.CodeModelNotLoaded {
		t.Fatalf("expected model_not_loaded, got %+v", reply)
	}
	if reply.ID != "1" {
		t.Fatalf("expected reply id to echo request, got %q", reply.ID)
	}
	if reply.Error.Message != "Model not loaded" {
		t.Fatalf("unexpected message %q", reply.Error.Message)
	}
}

func TestServerGenerateFlow(t *testing.T) {
	h := startServer(t, NewMockModel())

	if reply := h.request(t, "load", protocol.TypeLoad, protocol.LoadRequest{}); reply.Type != "load:complete" {
		t.Fatalf("expected load:complete, got %+v", reply)
	}

	reply := h.request(t, "g0", protocol.TypeGenerate, protocol.GenerateRequest{Text: "hi", SpeakerID: "ghost"})
	if reply.Type != protocol.TypeError || reply.Error.Code != protocol.CodeSpeakerNotEncoded {
		t.Fatalf("expected speaker_not_encoded, got %+v", reply)
	}
	if reply.Error.Message != `Speaker "ghost" not found in cache` {
		t.Fatalf("unexpected message %q", reply.Error.Message)
	}

	ref := make(protocol.Samples, 2400)
	for i := range ref {
		ref[i] = 0.3
	}
	if reply := h.request(t, "enc", protocol.TypeEncodeSpeaker, protocol.EncodeSpeakerRequest{SpeakerID: "narrator", Audio: ref}); reply.Type != "encode_speaker:complete" {
		t.Fatalf("expected encode complete, got %+v", reply)
	}

	reply = h.request(t, "g1", protocol.TypeGenerate, protocol.GenerateRequest{
		Text:           "three little words",
		SpeakerID:      "narrator",
		Exaggeration:   0.5,
		WordTimestamps: true,
	})
	if reply.Type != "generate:complete" {
		t.Fatalf("expected generate complete, got %+v", reply)
	}
	var out protocol.GenerateResult
	if err := reply.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Waveform) != 3*6000 {
		t.Fatalf("expected 18000 samples, got %d", len(out.Waveform))
	}
	if len(out.WordTimestamps) != 3 || out.WordTimestamps[2].Word != "words" {
		t.Fatalf("unexpected timestamps %+v", out.WordTimestamps)
	}
}

func TestServerReportsTimestampsUnsupported(t *testing.T) {
	model := NewMockModel()
	model.NoTimestamps = true
	h := startServer(t, model)
	h.request(t, "load", protocol.TypeLoad, nil)
	h.request(t, "enc", protocol.TypeEncodeSpeaker, protocol.EncodeSpeakerRequest{SpeakerID: "s", Audio: protocol.Samples{0.1, 0.2}})

	reply := h.request(t, "g", protocol.TypeGenerate, protocol.GenerateRequest{Text: "hello", SpeakerID: "s", WordTimestamps: true})
	if reply.Type != protocol.TypeError || reply.Error.Code != protocol.CodeTimestampsUnsupported {
		t.Fatalf("expected timestamps_unsupported, got %+v", reply)
	}
	reply = h.request(t, "g2", protocol.TypeGenerate, protocol.GenerateRequest{Text: "hello", SpeakerID: "s"})
	if reply.Type != "generate:complete" {
		t.Fatalf("expected plain generate to succeed, got %+v", reply)
	}
}

func TestServerUnknownType(t *testing.T) {
	h := startServer(t, NewMockModel())
	reply := h.request(t, "x", "teleport", nil)
	if reply.Type != protocol.TypeError || reply.Error.Code != protocol.CodeUnknownType {
		t.Fatalf("expected unknown_type, got %+v", reply)
	}
}

func TestLoadEmitsProgress(t *testing.T) {
	h := startServer(t, NewMockModel())
	env, _ := protocol.NewEnvelope("load", protocol.TypeLoad, nil)
	h.in <- env

	var events int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case reply := <-h.out:
			if reply.Type == protocol.TypeLoadProgress {
				if reply.ID != "" {
					t.Fatalf("progress events carry no request id")
				}
				events++
				continue
			}
			if reply.Type != "load:complete" {
				t.Fatalf("unexpected reply %+v", reply)
			}
			// five assets, each initiate + four progress + done
			if events != 30 {
				t.Fatalf("expected 30 progress events, got %d", events)
			}
			return
		case <-timeout:
			t.Fatal("load never completed")
		}
	}
}

func TestServeStdio(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() {
		done <- ServeStdio(context.Background(), NewMockModel(), inR, outW, logger)
		outW.Close()
	}()

	enc := json.NewEncoder(inW)
	if err := enc.Encode(protocol.Envelope{ID: "c", Type: protocol.TypeCheckCapability}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	scanner := bufio.NewScanner(outR)
	if !scanner.Scan() {
		t.Fatalf("no reply: %v", scanner.Err())
	}
	var reply protocol.Envelope
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	var capability protocol.CapabilityResult
	if err := reply.Decode(&capability); err != nil {
		t.Fatalf("decode capability: %v", err)
	}
	if reply.ID != "c" || capability.Device != "cpu" {
		t.Fatalf("unexpected reply %+v %+v", reply, capability)
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after stdin closed")
	}
}

func TestOversizedReplyBecomesError(t *testing.T) {
	const limit = 64 << 10
	in := make(chan protocol.Envelope)
	out := make(chan protocol.Envelope, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- NewServer(NewMockModel(), slog.New(slog.NewTextHandler(io.Discard, nil))).Serve(ctx, in, func(env protocol.Envelope) error {
			if len(env.Data) > limit {
				return errors.New("nats: maximum payload exceeded")
			}
			out <- env
			return nil
		})
	}()
	h := &harness{in: in, out: out}

	h.request(t, "load", protocol.TypeLoad, protocol.LoadRequest{})
	ref := protocol.Samples{0.3, 0.3, 0.3}
	h.request(t, "enc", protocol.TypeEncodeSpeaker, protocol.EncodeSpeakerRequest{SpeakerID: "narrator", Audio: ref})

	// 30 words of mock audio is 180000 samples, far above the limit
	long := strings.Repeat("word ", 30)
	reply := h.request(t, "big", protocol.TypeGenerate, protocol.GenerateRequest{Text: long, SpeakerID: "narrator"})
	if reply.ID != "big" || reply.Type != protocol.TypeError || reply.Error.Code != protocol.CodeReplyUndeliverable {
		t.Fatalf("expected an undeliverable error for the request, got %+v", reply)
	}

	reply = h.request(t, "small", protocol.TypeGenerate, protocol.GenerateRequest{Text: "hi", SpeakerID: "narrator"})
	if reply.Type != "generate:complete" {
		t.Fatalf("expected the session to keep serving, got %+v", reply)
	}
	select {
	case err := <-served:
		t.Fatalf("session ended: %v", err)
	default:
	}
}
