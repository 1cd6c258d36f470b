package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxBusPayload is the largest max_payload a NATS server accepts.
const maxBusPayload = 64 << 20

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is otlp, stdout or none. Empty picks otlp when an endpoint
	// is set and none otherwise. stdout traces go to stderr so they never
	// interleave with the JSON log stream.
	TraceExporter string `yaml:"trace_exporter"`
}

// Level maps log_level onto slog, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(t.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	Inference   InferenceConfig  `yaml:"inference"`
	Generation  GenerationConfig `yaml:"generation"`
	Queue       QueueConfig      `yaml:"queue"`
	Script      ScriptConfig     `yaml:"script"`
	Voices      VoicesConfig     `yaml:"voices"`
	History     HistoryConfig    `yaml:"history"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps a single message on the embedded server. A full-length
	// chunk reply carries several seconds of float32 audio, well over the NATS
	// default of 1MB.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

// InferenceConfig controls how the daemon reaches the model host.
type InferenceConfig struct {
	Mode                 string `yaml:"mode"` // exec, nats, local
	Command              string `yaml:"command"`
	Device               string `yaml:"device"`
	CacheDir             string `yaml:"cache_dir"`
	RequestTimeoutMS     int    `yaml:"request_timeout_ms"`
	StallTimeoutMS       int    `yaml:"stall_timeout_ms"`
	StallCheckIntervalMS int    `yaml:"stall_check_interval_ms"`
	MaxLoadRetries       int    `yaml:"max_load_retries"`
	Capability           string `yaml:"capability"`
}

type GenerationConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	MaxChunkChars       int     `yaml:"max_chunk_chars"`
	SentenceSilenceMS   int     `yaml:"sentence_silence_ms"`
	ParagraphSilenceMS  int     `yaml:"paragraph_silence_ms"`
	DefaultExaggeration float64 `yaml:"default_exaggeration"`
}

type QueueConfig struct {
	OutputDir string `yaml:"output_dir"`
}

type ScriptConfig struct {
	SegmentGapMS   int `yaml:"segment_gap_ms"`
	ParagraphGapMS int `yaml:"paragraph_gap_ms"`
	LineGapMS      int `yaml:"line_gap_ms"`
}

type VoicesConfig struct {
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     8 << 20,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "tts.clone", Tier: "balanced"},
			},
		},
		Inference: InferenceConfig{
			Mode:                 "exec",
			Command:              "loqa-voice-host -stdio -mock",
			Device:               "auto",
			CacheDir:             "./data/models",
			RequestTimeoutMS:     120000,
			StallTimeoutMS:       20000,
			StallCheckIntervalMS: 3000,
			MaxLoadRetries:       3,
			Capability:           "tts.clone",
		},
		Generation: GenerationConfig{
			SampleRate:          24000,
			MaxChunkChars:       200,
			SentenceSilenceMS:   150,
			ParagraphSilenceMS:  400,
			DefaultExaggeration: 0.5,
		},
		Queue: QueueConfig{
			OutputDir: "./data/output",
		},
		Script: ScriptConfig{
			SegmentGapMS:   300,
			ParagraphGapMS: 800,
			LineGapMS:      500,
		},
		Voices: VoicesConfig{
			Path: "./data/loqa-voices.db",
		},
		History: HistoryConfig{
			Path:          "./data/loqa-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Inference.Mode, "LOQA_INFERENCE_MODE")
	overrideString(&cfg.Inference.Command, "LOQA_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.Device, "LOQA_INFERENCE_DEVICE")
	overrideString(&cfg.Inference.CacheDir, "LOQA_INFERENCE_CACHE_DIR")
	overrideInt(&cfg.Inference.RequestTimeoutMS, "LOQA_INFERENCE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Inference.StallTimeoutMS, "LOQA_INFERENCE_STALL_TIMEOUT_MS")
	overrideInt(&cfg.Inference.StallCheckIntervalMS, "LOQA_INFERENCE_STALL_CHECK_INTERVAL_MS")
	overrideInt(&cfg.Inference.MaxLoadRetries, "LOQA_INFERENCE_MAX_LOAD_RETRIES")
	overrideString(&cfg.Inference.Capability, "LOQA_INFERENCE_CAPABILITY")
	overrideInt(&cfg.Generation.SampleRate, "LOQA_GENERATION_SAMPLE_RATE")
	overrideInt(&cfg.Generation.MaxChunkChars, "LOQA_GENERATION_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Generation.SentenceSilenceMS, "LOQA_GENERATION_SENTENCE_SILENCE_MS")
	overrideInt(&cfg.Generation.ParagraphSilenceMS, "LOQA_GENERATION_PARAGRAPH_SILENCE_MS")
	overrideFloat(&cfg.Generation.DefaultExaggeration, "LOQA_GENERATION_DEFAULT_EXAGGERATION")
	overrideString(&cfg.Queue.OutputDir, "LOQA_QUEUE_OUTPUT_DIR")
	overrideInt(&cfg.Script.SegmentGapMS, "LOQA_SCRIPT_SEGMENT_GAP_MS")
	overrideInt(&cfg.Script.ParagraphGapMS, "LOQA_SCRIPT_PARAGRAPH_GAP_MS")
	overrideInt(&cfg.Script.LineGapMS, "LOQA_SCRIPT_LINE_GAP_MS")
	overrideString(&cfg.Voices.Path, "LOQA_VOICES_PATH")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
		}
	default:
		return fmt.Errorf("telemetry.trace_exporter %q must be otlp, stdout or none", cfg.Telemetry.TraceExporter)
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > maxBusPayload {
			return errors.New("bus.max_payload_bytes must be between 0 and 64MB")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	switch cfg.Inference.Mode {
	case "exec":
		if strings.TrimSpace(cfg.Inference.Command) == "" {
			return errors.New("inference.command must be set when mode=exec")
		}
	case "nats":
		if cfg.Inference.Capability == "" {
			return errors.New("inference.capability must be set when mode=nats")
		}
	case "local":
	default:
		return errors.New("inference.mode must be one of exec|nats|local")
	}
	if cfg.Inference.RequestTimeoutMS <= 0 {
		return errors.New("inference.request_timeout_ms must be positive")
	}
	if cfg.Inference.StallTimeoutMS <= 0 {
		return errors.New("inference.stall_timeout_ms must be positive")
	}
	if cfg.Inference.StallCheckIntervalMS <= 0 || cfg.Inference.StallCheckIntervalMS > cfg.Inference.StallTimeoutMS {
		return errors.New("inference.stall_check_interval_ms must be positive and not exceed the stall timeout")
	}
	if cfg.Inference.MaxLoadRetries < 0 {
		return errors.New("inference.max_load_retries must be >= 0")
	}
	if cfg.Generation.SampleRate <= 0 {
		return errors.New("generation.sample_rate must be positive")
	}
	if cfg.Generation.MaxChunkChars <= 0 {
		return errors.New("generation.max_chunk_chars must be positive")
	}
	if cfg.Generation.SentenceSilenceMS < 0 || cfg.Generation.ParagraphSilenceMS < 0 {
		return errors.New("generation silences must be >= 0")
	}
	if cfg.Script.SegmentGapMS < 0 || cfg.Script.ParagraphGapMS < 0 || cfg.Script.LineGapMS < 0 {
		return errors.New("script gaps must be >= 0")
	}
	if cfg.Queue.OutputDir == "" {
		return errors.New("queue.output_dir must not be empty")
	}
	if cfg.Voices.Path == "" {
		return errors.New("voices.path must not be empty")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
