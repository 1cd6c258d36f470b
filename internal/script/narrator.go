package script

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/generation"
)

// NarratorVoiceKey is the assignment key of the narrator's reference voice.
const NarratorVoiceKey = "__narrator__"

// Generator is the chunked generation entry point the runners drive.
type Generator interface {
	GenerateChunked(ctx context.Context, text, speakerID string, exaggeration float64) (*audio.Result, error)
}

// SpeakerEncoder encodes a reference voice under a speaker id unless it is
// already cached.
type SpeakerEncoder interface {
	EnsureSpeaker(ctx context.Context, speakerID string, samples []float32) error
}

type Options struct {
	SampleRate   int
	SegmentGap   time.Duration
	ParagraphGap time.Duration
	LineGap      time.Duration
}

func DefaultOptions() Options {
	return Options{
		SampleRate:   audio.SampleRate,
		SegmentGap:   300 * time.Millisecond,
		ParagraphGap: 800 * time.Millisecond,
		LineGap:      500 * time.Millisecond,
	}
}

func OptionsFrom(cfg config.ScriptConfig, sampleRate int) Options {
	return Options{
		SampleRate:   sampleRate,
		SegmentGap:   time.Duration(cfg.SegmentGapMS) * time.Millisecond,
		ParagraphGap: time.Duration(cfg.ParagraphGapMS) * time.Millisecond,
		LineGap:      time.Duration(cfg.LineGapMS) * time.Millisecond,
	}
}

// NarratorSpeakerID maps narration and unattributed dialogue to the narrator.
// The id carries the reference clip's fingerprint, so a role recast with a
// different voice never reuses the old encoding.
func NarratorSpeakerID(seg Segment, voice []float32) string {
	role := "narrator__char__" + seg.Character
	if seg.Kind == KindNarration || seg.Character == "" {
		role = "narrator__voice"
	}
	return speakerFor(role, voice)
}

func speakerFor(role string, voice []float32) string {
	return role + "@" + audio.Fingerprint(voice)
}

// NarratorVoiceFor returns the assignment key holding the segment's voice.
func NarratorVoiceFor(seg Segment) string {
	if seg.Kind == KindNarration || seg.Character == "" {
		return NarratorVoiceKey
	}
	return seg.Character
}

type NarratorResult struct {
	// Clips holds generated audio keyed by segment index.
	Clips   map[int][]float32 `json:"-"`
	Audio   []float32         `json:"-"`
	Skipped []int             `json:"skipped,omitempty"`
	Aborted bool              `json:"aborted"`
}

// Narrator voices a parsed story, one segment at a time.
type Narrator struct {
	gen      Generator
	speakers SpeakerEncoder
	opts     Options
	logger   *slog.Logger
}

func NewNarrator(gen Generator, speakers SpeakerEncoder, opts Options, logger *slog.Logger) *Narrator {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	return &Narrator{
		gen:      gen,
		speakers: speakers,
		opts:     opts,
		logger:   logger.With(slog.String("component", "narrator")),
	}
}

// Run generates every segment in order and mixes the clips. Segments whose
// voice is not assigned are skipped. Cancelling ctx stops at the next segment
// boundary and still mixes what was produced. On a generation error the clips
// produced so far are returned with the error.
func (n *Narrator) Run(ctx context.Context, story Story, assignments map[string][]float32, onSegment func(index int, clip []float32)) (NarratorResult, error) {
	result := NarratorResult{Clips: make(map[int][]float32)}

	for _, seg := range story.Segments {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}
		voice := assignments[NarratorVoiceFor(seg)]
		if len(voice) == 0 || strings.TrimSpace(seg.Text) == "" {
			result.Skipped = append(result.Skipped, seg.Index)
			continue
		}

		speaker := NarratorSpeakerID(seg, voice)
		if err := n.speakers.EnsureSpeaker(ctx, speaker, voice); err != nil {
			return result, err
		}
		res, err := n.gen.GenerateChunked(ctx, seg.Text, speaker, seg.Exaggeration)
		if errors.Is(err, generation.ErrAborted) || (err == nil && res == nil) {
			result.Aborted = true
			break
		}
		if err != nil {
			return result, err
		}
		result.Clips[seg.Index] = res.Waveform
		if onSegment != nil {
			onSegment(seg.Index, res.Waveform)
		}
	}

	result.Audio = n.mix(story, result.Clips)
	n.logger.Info("narration finished",
		slog.Int("segments", len(story.Segments)),
		slog.Int("generated", len(result.Clips)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Bool("aborted", result.Aborted))
	return result, nil
}

// mix joins clips in segment order with a longer gap across paragraphs.
func (n *Narrator) mix(story Story, clips map[int][]float32) []float32 {
	if len(clips) == 0 {
		return nil
	}
	paragraphOf := make(map[int]int, len(story.Segments))
	for _, seg := range story.Segments {
		paragraphOf[seg.Index] = seg.Paragraph
	}
	indices := make([]int, 0, len(clips))
	for idx := range clips {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	parts := make([][]float32, 0, 2*len(indices))
	for i, idx := range indices {
		parts = append(parts, clips[idx])
		if i == len(indices)-1 {
			break
		}
		gap := n.opts.SegmentGap
		if paragraphOf[indices[i+1]] != paragraphOf[idx] {
			gap = n.opts.ParagraphGap
		}
		parts = append(parts, audio.Silence(gap.Seconds(), n.opts.SampleRate))
	}
	return audio.Concat(parts...)
}
