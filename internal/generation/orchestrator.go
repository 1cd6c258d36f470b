// Package generation turns arbitrary-length text into one waveform by
// generating sentence-sized chunks in order and stitching them together.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAborted reports that generation stopped at a chunk boundary because the
// caller cancelled. No partial result accompanies it.
var ErrAborted = errors.New("generation aborted")

// Generator produces audio for a single chunk.
type Generator interface {
	Generate(ctx context.Context, text, speakerID string, exaggeration float64) (audio.Result, error)
}

// Phase is the coarse state reported alongside chunk progress.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseDone       Phase = "done"
)

// Progress reports the chunk being generated out of the request's total. It
// returns to idle when an invocation ends, whatever the outcome.
type Progress struct {
	Current int   `json:"current"`
	Total   int   `json:"total"`
	Phase   Phase `json:"phase"`
}

var idle = Progress{Phase: PhaseIdle}

// Options controls chunk size and the silences inserted between chunks.
type Options struct {
	SampleRate       int
	MaxChars         int
	SentenceSilence  time.Duration
	ParagraphSilence time.Duration
}

func DefaultOptions() Options {
	return Options{
		SampleRate:       audio.SampleRate,
		MaxChars:         segment.DefaultMaxChars,
		SentenceSilence:  150 * time.Millisecond,
		ParagraphSilence: 400 * time.Millisecond,
	}
}

func OptionsFrom(cfg config.GenerationConfig) Options {
	return Options{
		SampleRate:       cfg.SampleRate,
		MaxChars:         cfg.MaxChunkChars,
		SentenceSilence:  time.Duration(cfg.SentenceSilenceMS) * time.Millisecond,
		ParagraphSilence: time.Duration(cfg.ParagraphSilenceMS) * time.Millisecond,
	}
}

// Orchestrator runs chunked generations one at a time against a single
// inference host. Overlapping callers wait their turn, so the host never
// sees two generations at once.
type Orchestrator struct {
	gen    Generator
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	// turn holds one token while an invocation owns the host.
	turn chan struct{}

	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	subs     map[int]func(Progress)
	nextSub  int
}

func New(gen Generator, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = segment.DefaultMaxChars
	}
	return &Orchestrator{
		gen:      gen,
		opts:     opts,
		logger:   logger.With(slog.String("component", "generation")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/generation"),
		turn:     make(chan struct{}, 1),
		progress: idle,
		subs:     make(map[int]func(Progress)),
	}
}

func (o *Orchestrator) Options() Options { return o.opts }

func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) Subscribe(fn func(Progress)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Abort stops the invocation that currently owns the host at its next chunk
// boundary. Invocations still waiting for their turn are unaffected.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GenerateChunked returns nil with no error when text has nothing to speak.
// It waits while another invocation owns the host. Cancelling ctx or calling
// Abort yields ErrAborted once the chunk in flight completes; generator errors
// are returned as is.
func (o *Orchestrator) GenerateChunked(ctx context.Context, text, speakerID string, exaggeration float64) (*audio.Result, error) {
	chunks := segment.Split(text, o.opts.MaxChars)
	if len(chunks) == 0 {
		return nil, nil
	}

	select {
	case o.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrAborted
	}
	defer func() { <-o.turn }()

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		o.setProgress(idle)
	}()

	ctx, span := o.tracer.Start(ctx, "generation.chunked", trace.WithAttributes(
		attribute.Int("chunks", len(chunks)),
		attribute.String("speaker", speakerID),
	))
	defer span.End()

	// in-flight calls are never interrupted; abort is observed between chunks
	callCtx := context.WithoutCancel(ctx)

	if len(chunks) == 1 {
		o.setProgress(Progress{Current: 1, Total: 1, Phase: PhaseGenerating})
		res, err := o.gen.Generate(callCtx, chunks[0].Text, speakerID, exaggeration)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		o.setProgress(Progress{Current: 1, Total: 1, Phase: PhaseDone})
		return &res, nil
	}

	timeline := audio.NewTimeline(o.opts.SampleRate)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			o.logger.Info("chunked generation aborted", slog.Int("completed", i), slog.Int("total", len(chunks)))
			span.SetAttributes(attribute.Bool("aborted", true))
			return nil, ErrAborted
		}
		o.setProgress(Progress{Current: i + 1, Total: len(chunks), Phase: PhaseGenerating})

		res, err := o.generateChunk(callCtx, i, chunk, speakerID, exaggeration)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		timeline.Append(res)

		if i < len(chunks)-1 {
			gap := o.opts.SentenceSilence
			if chunks[i+1].Kind == segment.KindParagraphStart {
				gap = o.opts.ParagraphSilence
			}
			timeline.Gap(gap.Seconds())
		}
	}

	o.setProgress(Progress{Current: len(chunks), Total: len(chunks), Phase: PhaseDone})
	result := timeline.Result()
	o.logger.Debug("chunked generation finished",
		slog.Int("chunks", len(chunks)),
		slog.Duration("audio", result.Duration(o.opts.SampleRate)),
		slog.Duration("inference", result.InferenceTime))
	return &result, nil
}

func (o *Orchestrator) generateChunk(ctx context.Context, index int, chunk segment.Chunk, speakerID string, exaggeration float64) (audio.Result, error) {
	ctx, span := o.tracer.Start(ctx, "generation.chunk", trace.WithAttributes(
		attribute.Int("index", index),
		attribute.String("kind", chunk.Kind.String()),
		attribute.Int("chars", len(chunk.Text)),
	))
	defer span.End()
	res, err := o.gen.Generate(ctx, chunk.Text, speakerID, exaggeration)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	subs := make([]func(Progress), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}
