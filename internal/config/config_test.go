package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Inference.StallTimeoutMS != 20000 || cfg.Inference.StallCheckIntervalMS != 3000 {
		t.Fatalf("unexpected watchdog defaults %+v", cfg.Inference)
	}
	if cfg.Inference.MaxLoadRetries != 3 {
		t.Fatalf("expected 3 load retries, got %d", cfg.Inference.MaxLoadRetries)
	}
	if cfg.Generation.SampleRate != 24000 || cfg.Generation.MaxChunkChars != 200 {
		t.Fatalf("unexpected generation defaults %+v", cfg.Generation)
	}
	if cfg.Generation.SentenceSilenceMS != 150 || cfg.Generation.ParagraphSilenceMS != 400 {
		t.Fatalf("unexpected silence defaults %+v", cfg.Generation)
	}
	if cfg.Script.SegmentGapMS != 300 || cfg.Script.ParagraphGapMS != 800 || cfg.Script.LineGapMS != 500 {
		t.Fatalf("unexpected script defaults %+v", cfg.Script)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_INFERENCE_MODE", "nats")
	t.Setenv("LOQA_INFERENCE_STALL_TIMEOUT_MS", "9000")
	t.Setenv("LOQA_INFERENCE_MAX_LOAD_RETRIES", "5")
	t.Setenv("LOQA_GENERATION_MAX_CHUNK_CHARS", "120")
	t.Setenv("LOQA_GENERATION_DEFAULT_EXAGGERATION", "0.8")
	t.Setenv("LOQA_QUEUE_OUTPUT_DIR", "/tmp/out")
	t.Setenv("LOQA_VOICES_PATH", "./voices.db")
	t.Setenv("LOQA_HISTORY_PATH", "./tmp.db")
	t.Setenv("LOQA_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("LOQA_HISTORY_MAX_SESSIONS", "123")
	t.Setenv("LOQA_HISTORY_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.Inference.Mode != "nats" {
		t.Fatalf("expected inference mode override")
	}
	if cfg.Inference.StallTimeoutMS != 9000 || cfg.Inference.MaxLoadRetries != 5 {
		t.Fatalf("expected watchdog overrides, got %+v", cfg.Inference)
	}
	if cfg.Generation.MaxChunkChars != 120 || cfg.Generation.DefaultExaggeration != 0.8 {
		t.Fatalf("expected generation overrides, got %+v", cfg.Generation)
	}
	if cfg.Queue.OutputDir != "/tmp/out" {
		t.Fatalf("expected queue output override")
	}
	if cfg.Voices.Path != "./voices.db" {
		t.Fatalf("expected voices path override")
	}
	if cfg.History.Path != "./tmp.db" || cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history overrides")
	}
	if cfg.History.RetentionDays != 7 || cfg.History.MaxSessions != 123 {
		t.Fatalf("expected history retention overrides")
	}
	if !cfg.History.VacuumOnStart {
		t.Fatalf("expected history vacuum flag override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
runtime_name: studio
inference:
  mode: exec
  command: "python host.py --device cpu"
  stall_timeout_ms: 30000
generation:
  max_chunk_chars: 150
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" {
		t.Fatalf("expected runtime name from yaml, got %q", cfg.RuntimeName)
	}
	if cfg.Inference.Command != "python host.py --device cpu" || cfg.Inference.StallTimeoutMS != 30000 {
		t.Fatalf("unexpected inference config %+v", cfg.Inference)
	}
	if cfg.Inference.StallCheckIntervalMS != 3000 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Inference.StallCheckIntervalMS)
	}
	if cfg.Generation.MaxChunkChars != 150 {
		t.Fatalf("expected max chunk chars 150, got %d", cfg.Generation.MaxChunkChars)
	}
}

func TestValidateRejectsBadInference(t *testing.T) {
	cases := map[string]string{
		"LOQA_INFERENCE_MODE":                    "grpc",
		"LOQA_INFERENCE_STALL_CHECK_INTERVAL_MS": "60000",
		"LOQA_GENERATION_MAX_CHUNK_CHARS":        "0",
		"LOQA_HISTORY_RETENTION_MODE":            "forever",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("level %q: expected %v, got %v", in, want, got)
		}
	}
}

func TestBusMaxPayload(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.MaxPayload != 8<<20 {
		t.Fatalf("expected an 8MB default payload, got %d", cfg.Bus.MaxPayload)
	}

	t.Setenv("LOQA_BUS_MAX_PAYLOAD_BYTES", "4194304")
	if cfg, err = Load(""); err != nil || cfg.Bus.MaxPayload != 4<<20 {
		t.Fatalf("expected env override, got %d %v", cfg.Bus.MaxPayload, err)
	}

	t.Setenv("LOQA_BUS_MAX_PAYLOAD_BYTES", "134217728")
	if _, err := Load(""); err == nil {
		t.Fatal("expected a payload above 64MB to be rejected")
	}
}

func TestTraceExporterValidation(t *testing.T) {
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "stdout")
	if cfg, err := Load(""); err != nil || cfg.Telemetry.TraceExporter != "stdout" {
		t.Fatalf("expected stdout exporter, got %q %v", cfg.Telemetry.TraceExporter, err)
	}

	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatal("expected otlp without an endpoint to be rejected")
	}
	t.Setenv("LOQA_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	if _, err := Load(""); err != nil {
		t.Fatalf("expected otlp with an endpoint to load: %v", err)
	}

	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "zipkin")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an unknown exporter to be rejected")
	}
}
