// Package host implements the inference side of the host protocol: it keeps
// the model and speaker embeddings resident and answers gateway requests.
package host

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ErrTimestampsUnsupported is returned by models that cannot align words.
var ErrTimestampsUnsupported = errors.New("word timestamps unsupported")

// Embedding is an opaque speaker conditioning produced by a model.
type Embedding any

type GenerateInput struct {
	Text           string
	Speaker        Embedding
	Exaggeration   float64
	WordTimestamps bool
}

type Speech struct {
	Waveform       []float32
	WordTimestamps []audio.WordTimestamp
}

// Model is the contract a voice-cloning backend satisfies.
type Model interface {
	Capability(ctx context.Context) protocol.CapabilityResult
	Load(ctx context.Context, req protocol.LoadRequest, progress func(protocol.LoadProgress)) (protocol.LoadResult, error)
	EncodeSpeaker(ctx context.Context, samples []float32) (Embedding, error)
	Generate(ctx context.Context, in GenerateInput) (Speech, error)
}

// MockModel synthesizes a tone per word so the pipeline runs without weights.
type MockModel struct {
	SampleRate   int
	WordDuration time.Duration
	Assets       []string
	AssetDelay   time.Duration
	NoTimestamps bool
}

func NewMockModel() *MockModel {
	return &MockModel{
		SampleRate:   audio.SampleRate,
		WordDuration: 250 * time.Millisecond,
		Assets: []string{
			"onnx/embed_tokens.onnx",
			"onnx/speech_encoder.onnx",
			"onnx/language_model_q4.onnx",
			"onnx/language_model_q4.onnx_data",
			"onnx/conditional_decoder.onnx",
		},
	}
}

type mockEmbedding struct {
	pitch float64
}

func (m *MockModel) Capability(context.Context) protocol.CapabilityResult {
	return protocol.CapabilityResult{Accelerated: false, Device: "cpu", Reason: "mock model"}
}

func (m *MockModel) Load(ctx context.Context, req protocol.LoadRequest, progress func(protocol.LoadProgress)) (protocol.LoadResult, error) {
	const total = 1 << 20
	for _, asset := range m.Assets {
		progress(protocol.LoadProgress{File: asset, Status: protocol.StatusInitiate})
		for _, pct := range []float64{25, 50, 75, 100} {
			if m.AssetDelay > 0 {
				select {
				case <-ctx.Done():
					return protocol.LoadResult{}, ctx.Err()
				case <-time.After(m.AssetDelay):
				}
			}
			progress(protocol.LoadProgress{
				File:     asset,
				Status:   protocol.StatusProgress,
				Progress: pct,
				Loaded:   int64(pct / 100 * total),
				Total:    total,
			})
		}
		progress(protocol.LoadProgress{File: asset, Status: protocol.StatusDone, Total: total})
	}
	device := req.Device
	if device == "" || device == "auto" {
		device = "cpu"
	}
	return protocol.LoadResult{Device: device}, nil
}

// EncodeSpeaker derives a pitch from the reference clip's RMS level.
func (m *MockModel) EncodeSpeaker(_ context.Context, samples []float32) (Embedding, error) {
	if len(samples) == 0 {
		return nil, errors.New("reference audio is empty")
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return mockEmbedding{pitch: 110 + 220*math.Min(rms, 1)}, nil
}

func (m *MockModel) Generate(ctx context.Context, in GenerateInput) (Speech, error) {
	if in.WordTimestamps && m.NoTimestamps {
		return Speech{}, ErrTimestampsUnsupported
	}
	spk, ok := in.Speaker.(mockEmbedding)
	if !ok {
		return Speech{}, errors.New("speaker embedding was not produced by this model")
	}
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}

	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	perWord := int(m.WordDuration.Seconds() * float64(rate))
	if perWord <= 0 {
		perWord = rate / 4
	}
	words := strings.Fields(in.Text)
	amplitude := 0.2 + 0.3*math.Min(math.Max(in.Exaggeration, 0), 1)

	out := Speech{Waveform: make([]float32, 0, perWord*len(words))}
	for i, word := range words {
		for n := 0; n < perWord; n++ {
			t := float64(n) / float64(rate)
			out.Waveform = append(out.Waveform, float32(amplitude*math.Sin(2*math.Pi*spk.pitch*t)))
		}
		if in.WordTimestamps {
			start := audio.Seconds(i*perWord, rate)
			out.WordTimestamps = append(out.WordTimestamps, audio.WordTimestamp{
				Word:  word,
				Start: start,
				End:   start + audio.Seconds(perWord, rate),
			})
		}
	}
	return out, nil
}
