// Package audio holds the pure helpers used to stitch per-chunk model output
// into one continuous timeline.
package audio

import (
	"math"
	"time"
)

// SampleRate is the fixed output rate of the voice-cloning model.
const SampleRate = 24000

// WordTimestamp places one spoken word on the output timeline, in seconds.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the output of one generation, either a single chunk or a merged
// long-form request.
type Result struct {
	Waveform            []float32
	WordTimestamps      []WordTimestamp
	InferenceTime       time.Duration
	TimestampsSupported bool
}

// Duration reports the length of the waveform at the given rate.
func (r Result) Duration(sampleRate int) time.Duration {
	return time.Duration(Seconds(len(r.Waveform), sampleRate) * float64(time.Second))
}

// Seconds converts a sample count to seconds.
func Seconds(samples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) / float64(sampleRate)
}

// Silence returns round(seconds*sampleRate) zero samples.
func Silence(seconds float64, sampleRate int) []float32 {
	n := int(math.Round(seconds * float64(sampleRate)))
	if n <= 0 {
		return []float32{}
	}
	return make([]float32, n)
}

// Concat joins buffers in order into a newly allocated buffer.
func Concat(parts ...[]float32) []float32 {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// OffsetTimestamps returns a copy of words shifted forward by offset seconds.
func OffsetTimestamps(words []WordTimestamp, offset float64) []WordTimestamp {
	if words == nil {
		return nil
	}
	out := make([]WordTimestamp, len(words))
	for i, w := range words {
		out[i] = WordTimestamp{Word: w.Word, Start: w.Start + offset, End: w.End + offset}
	}
	return out
}

// Timeline accumulates chunk results and gaps into one result. The offset only
// ever moves forward: by each appended waveform's duration and by each gap.
type Timeline struct {
	sampleRate     int
	parts          [][]float32
	words          []WordTimestamp
	offset         float64
	inference      time.Duration
	sawTimestamps  bool
	allTimestamped bool
	chunks         int
}

// NewTimeline starts an empty timeline at the given sample rate.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{sampleRate: sampleRate, allTimestamped: true}
}

// Append adds a chunk's audio, shifting its word timestamps by the running offset.
func (t *Timeline) Append(r Result) {
	t.chunks++
	t.parts = append(t.parts, r.Waveform)
	t.inference += r.InferenceTime
	if len(r.WordTimestamps) > 0 {
		t.sawTimestamps = true
		t.words = append(t.words, OffsetTimestamps(r.WordTimestamps, t.offset)...)
	}
	if !r.TimestampsSupported {
		t.allTimestamped = false
	}
	t.offset += Seconds(len(r.Waveform), t.sampleRate)
}

// Gap inserts silence and advances the offset by its actual duration.
func (t *Timeline) Gap(seconds float64) {
	silence := Silence(seconds, t.sampleRate)
	t.parts = append(t.parts, silence)
	t.offset += Seconds(len(silence), t.sampleRate)
}

// Offset is the current end of the timeline in seconds.
func (t *Timeline) Offset() float64 { return t.offset }

// Len is the number of chunks appended so far.
func (t *Timeline) Len() int { return t.chunks }

// Result materializes the merged output.
func (t *Timeline) Result() Result {
	res := Result{
		Waveform:            Concat(t.parts...),
		InferenceTime:       t.inference,
		TimestampsSupported: t.chunks > 0 && t.allTimestamped,
	}
	if t.sawTimestamps {
		res.WordTimestamps = t.words
	}
	return res
}
