package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// Request types understood by an inference host. Replies use the request type
// with a ":complete" suffix and echo the request id.
const (
	TypeCheckCapability = "check_capability"
	TypeLoad            = "load"
	TypeEncodeSpeaker   = "encode_speaker"
	TypeGenerate        = "generate"

	TypeLoadProgress = "load:progress"
	TypeError        = "error"
	// TypeSessionClosed tells the gateway a bus session is gone and its
	// loaded state with it.
	TypeSessionClosed = "session:closed"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeModelNotLoaded        = "model_not_loaded"
	CodeSpeakerNotEncoded     = "speaker_not_encoded"
	CodeTimestampsUnsupported = "timestamps_unsupported"
	CodeUnknownType           = "unknown_type"
	CodeReplyUndeliverable    = "reply_undeliverable"
	CodeInternal              = "internal"
)

// Load progress statuses, in the order a single asset reports them.
const (
	StatusInitiate = "initiate"
	StatusDownload = "download"
	StatusProgress = "progress"
	StatusDone     = "done"
)

// Complete returns the reply type for a request type.
func Complete(requestType string) string {
	return requestType + ":complete"
}

// IsComplete reports whether t is a reply type.
func IsComplete(t string) bool {
	return strings.HasSuffix(t, ":complete")
}

// Envelope is one message between the gateway and a host, in either direction.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into a typed envelope. A nil payload leaves Data empty.
func NewEnvelope(id, msgType string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Data = data
	return env, nil
}

// ErrorEnvelope builds an error reply. id may be empty for host-level failures.
func ErrorEnvelope(id, code, message string) Envelope {
	return Envelope{ID: id, Type: TypeError, Error: &ErrorBody{Code: code, Message: message}}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type CapabilityResult struct {
	Accelerated bool   `json:"accelerated"`
	Device      string `json:"device"`
	Reason      string `json:"reason,omitempty"`
}

type LoadRequest struct {
	Device   string `json:"device,omitempty"`
	CacheDir string `json:"cache_dir,omitempty"`
}

type LoadResult struct {
	Device string `json:"device"`
}

// LoadProgress is one per-asset event emitted while the model downloads.
type LoadProgress struct {
	File     string  `json:"file"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Loaded   int64   `json:"loaded,omitempty"`
	Total    int64   `json:"total,omitempty"`
}

type EncodeSpeakerRequest struct {
	SpeakerID string  `json:"speaker_id"`
	Audio     Samples `json:"audio"`
}

type EncodeSpeakerResult struct {
	SpeakerID string `json:"speaker_id"`
}

type GenerateRequest struct {
	Text           string  `json:"text"`
	SpeakerID      string  `json:"speaker_id"`
	Exaggeration   float64 `json:"exaggeration"`
	WordTimestamps bool    `json:"word_timestamps,omitempty"`
}

type GenerateResult struct {
	Waveform       Samples               `json:"waveform"`
	WordTimestamps []audio.WordTimestamp `json:"word_timestamps,omitempty"`
	InferenceMS    float64               `json:"inference_ms,omitempty"`
}

// Samples is a float32 waveform carried as base64 little-endian bytes.
type Samples []float32

func (s Samples) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(audio.Float32Bytes(s)))
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode samples: %w", err)
	}
	out, err := audio.Float32FromBytes(raw)
	if err != nil {
		return fmt.Errorf("decode samples: %w", err)
	}
	*s = out
	return nil
}

// Capability is one named ability a host node advertises on the bus.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type HostAnnouncement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// HostHeartbeat repeats the capabilities so a registry started after the host
// still learns what it offers.
type HostHeartbeat struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// JobEvent is published whenever a queued job changes status.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectHostAnnounce        = "infer.host.announce"
	SubjectHostHeartbeatPrefix = "infer.host.heartbeat"
	SubjectJobEvents           = "voice.job.status"
)

// HeartbeatSubject is the subject a host node publishes liveness on.
func HeartbeatSubject(nodeID string) string {
	return SubjectHostHeartbeatPrefix + "." + nodeID
}

// Session subjects: the gateway publishes requests on .in, the host replies on
// .out, and .close tears the session down.
func SessionInSubject(nodeID, sessionID string) string {
	return fmt.Sprintf("infer.%s.%s.in", nodeID, sessionID)
}

func SessionOutSubject(nodeID, sessionID string) string {
	return fmt.Sprintf("infer.%s.%s.out", nodeID, sessionID)
}

func SessionCloseSubject(nodeID, sessionID string) string {
	return fmt.Sprintf("infer.%s.%s.close", nodeID, sessionID)
}

// SessionWildcard matches every session subject with the given suffix on a node.
func SessionWildcard(nodeID, suffix string) string {
	return fmt.Sprintf("infer.%s.*.%s", nodeID, suffix)
}

// SessionFromSubject extracts the session id from an infer.<node>.<session>.<suffix> subject.
func SessionFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "infer" {
		return "", false
	}
	return parts[2], true
}
