package audio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSilenceLength(t *testing.T) {
	if got := len(Silence(0.15, SampleRate)); got != 3600 {
		t.Fatalf("expected 3600 samples, got %d", got)
	}
	if got := len(Silence(0.4, SampleRate)); got != 9600 {
		t.Fatalf("expected 9600 samples, got %d", got)
	}
	if got := len(Silence(0, SampleRate)); got != 0 {
		t.Fatalf("expected empty silence, got %d", got)
	}
	for _, s := range Silence(0.01, SampleRate) {
		if s != 0 {
			t.Fatalf("silence contains non-zero sample %v", s)
		}
	}
}

func TestConcatPreservesOrder(t *testing.T) {
	got := Concat([]float32{1, 2}, nil, []float32{3}, []float32{4, 5})
	want := []float32{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestOffsetTimestampsCopies(t *testing.T) {
	words := []WordTimestamp{{Word: "hi", Start: 0.1, End: 0.3}}
	shifted := OffsetTimestamps(words, 2)
	if shifted[0].Start != 2.1 || shifted[0].End != 2.3 {
		t.Fatalf("unexpected shift %+v", shifted[0])
	}
	if words[0].Start != 0.1 {
		t.Fatalf("input mutated")
	}
	if OffsetTimestamps(nil, 1) != nil {
		t.Fatalf("expected nil for nil input")
	}
}

func TestTimelineOffsets(t *testing.T) {
	tl := NewTimeline(SampleRate)
	tl.Append(Result{
		Waveform:            make([]float32, SampleRate),
		WordTimestamps:      []WordTimestamp{{Word: "one", Start: 0, End: 0.5}},
		InferenceTime:       100 * time.Millisecond,
		TimestampsSupported: true,
	})
	tl.Gap(0.4)
	tl.Append(Result{
		Waveform:            make([]float32, SampleRate/2),
		WordTimestamps:      []WordTimestamp{{Word: "two", Start: 0.1, End: 0.4}},
		InferenceTime:       50 * time.Millisecond,
		TimestampsSupported: true,
	})

	res := tl.Result()
	if want := SampleRate + 9600 + SampleRate/2; len(res.Waveform) != want {
		t.Fatalf("expected %d samples, got %d", want, len(res.Waveform))
	}
	if res.InferenceTime != 150*time.Millisecond {
		t.Fatalf("expected summed inference time, got %s", res.InferenceTime)
	}
	if !res.TimestampsSupported {
		t.Fatalf("expected timestamps supported")
	}
	if len(res.WordTimestamps) != 2 {
		t.Fatalf("expected 2 words, got %d", len(res.WordTimestamps))
	}
	if got := res.WordTimestamps[1].Start; math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("expected second word at 1.5s, got %v", got)
	}
	if math.Abs(tl.Offset()-1.9) > 1e-9 {
		t.Fatalf("expected offset 1.9, got %v", tl.Offset())
	}
}

func TestTimelineWithoutTimestamps(t *testing.T) {
	tl := NewTimeline(SampleRate)
	tl.Append(Result{Waveform: make([]float32, 10)})
	res := tl.Result()
	if res.WordTimestamps != nil {
		t.Fatalf("expected no timestamps, got %v", res.WordTimestamps)
	}
	if res.TimestampsSupported {
		t.Fatalf("expected timestamps unsupported")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 2, -2}
	data, err := EncodeWAVBytes(samples, SampleRate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("missing RIFF header")
	}

	decoded, rate, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != SampleRate {
		t.Fatalf("expected rate %d, got %d", SampleRate, rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i, s := range samples {
		want := s
		if want > 1 {
			want = 1
		} else if want < -1 {
			want = -1
		}
		if math.Abs(float64(decoded[i]-want)) > 1e-3 {
			t.Fatalf("sample %d: expected %v, got %v", i, want, decoded[i])
		}
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.wav")
	if err := WriteWAVFile(path, Silence(0.1, SampleRate), SampleRate); err != nil {
		t.Fatalf("write: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	decoded, _, err := DecodeWAV(file)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2400 {
		t.Fatalf("expected 2400 samples, got %d", len(decoded))
	}
}

func TestFingerprintTracksContent(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3}
	if Fingerprint(a) != Fingerprint([]float32{0.1, 0.2, 0.3}) {
		t.Fatal("expected identical clips to share a fingerprint")
	}
	if Fingerprint(a) == Fingerprint([]float32{0.1, 0.2, 0.31}) {
		t.Fatal("expected a changed sample to change the fingerprint")
	}
	if Fingerprint(a) == Fingerprint(append(a, 0)) {
		t.Fatal("expected a longer clip to change the fingerprint")
	}
}
