package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/generation"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubGenerator struct {
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
	respond  func(text string) (*audio.Result, error)

	mu    sync.Mutex
	texts []string
}

func (s *stubGenerator) GenerateChunked(_ context.Context, text, _ string, _ float64) (*audio.Result, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.respond != nil {
		return s.respond(text)
	}
	return &audio.Result{Waveform: make([]float32, 2400)}, nil
}

func (s *stubGenerator) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type countingEnsurer struct {
	calls atomic.Int32
	err   error
}

func (c *countingEnsurer) EnsureSpeaker(context.Context, string) error {
	c.calls.Add(1)
	return c.err
}

type memoryRecorder struct {
	mu      sync.Mutex
	runs    []history.Run
	entries []history.Entry
}

func (m *memoryRecorder) BeginRun(_ context.Context, run history.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRecorder) Record(_ context.Context, e history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newTestQueue(t *testing.T, gen Generator, opts Options) *Queue {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return New(gen, &countingEnsurer{}, opts, discardLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddTextsDropsBlanksAndNumbersTitles(t *testing.T) {
	q := newTestQueue(t, &stubGenerator{}, Options{})
	added := q.AddTexts([]string{"first", "   ", "second"})
	if len(added) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(added))
	}
	batch := q.AddBatchText("third\n\n  \n\nfourth\n  \nfifth")
	if len(batch) != 3 {
		t.Fatalf("expected 3 batch jobs, got %+v", batch)
	}

	jobs := q.Jobs()
	wantTitles := []string{"Job 1", "Job 2", "Job 3", "Job 4", "Job 5"}
	for i, job := range jobs {
		if job.Title != wantTitles[i] || job.Status != StatusQueued {
			t.Fatalf("job %d: unexpected %+v", i, job)
		}
	}
	if jobs[0].ID == jobs[1].ID {
		t.Fatal("job ids must be unique")
	}
}

func TestAddTextFiles(t *testing.T) {
	dir := t.TempDir()
	chapter := filepath.Join(dir, "chapter-1.txt")
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(chapter, []byte("  Once upon a time.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, []byte(" \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := newTestQueue(t, &stubGenerator{}, Options{})
	jobs, err := q.AddTextFiles(chapter, empty)
	if err != nil {
		t.Fatalf("add files: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Title != "chapter-1.txt" || jobs[0].Text != "Once upon a time." {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	if _, err := q.AddTextFiles(filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if c := q.Counts(); c.Total != 1 {
		t.Fatalf("failed read must not queue anything, got %+v", c)
	}
}

func TestJobsRunSequentially(t *testing.T) {
	gen := &stubGenerator{delay: 20 * time.Millisecond}
	q := newTestQueue(t, gen, Options{})
	q.AddTexts([]string{"one", "two", "three"})

	var maxProcessing atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(q.Counts().Processing); n > maxProcessing.Load() {
				maxProcessing.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := q.Start(context.Background(), "voice-a", 0.5); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(stop)
	wg.Wait()

	if gen.maxSeen.Load() != 1 {
		t.Fatalf("expected one generation at a time, saw %d", gen.maxSeen.Load())
	}
	if maxProcessing.Load() > 1 {
		t.Fatalf("observed %d processing jobs at once", maxProcessing.Load())
	}
	if got := gen.seen(); strings.Join(got, ",") != "one,two,three" {
		t.Fatalf("jobs ran out of order: %v", got)
	}
	if c := q.Counts(); c.Done != 3 {
		t.Fatalf("expected 3 done, got %+v", c)
	}
}

func TestFailedJobDoesNotHaltBatch(t *testing.T) {
	gen := &stubGenerator{respond: func(text string) (*audio.Result, error) {
		if text == "job two" {
			return nil, errors.New("speaker exploded")
		}
		return &audio.Result{Waveform: make([]float32, audio.SampleRate)}, nil
	}}
	rec := &memoryRecorder{}
	q := newTestQueue(t, gen, Options{Recorder: rec})
	q.AddTexts([]string{"job one", "job two", "job three"})

	if err := q.Start(context.Background(), "voice-a", 0.5); err != nil {
		t.Fatalf("start: %v", err)
	}

	jobs := q.Jobs()
	if jobs[0].Status != StatusDone || jobs[2].Status != StatusDone {
		t.Fatalf("expected jobs 1 and 3 done, got %s and %s", jobs[0].Status, jobs[2].Status)
	}
	if jobs[1].Status != StatusFailed || jobs[1].Error != "speaker exploded" {
		t.Fatalf("expected job 2 failed with the generator message, got %+v", jobs[1])
	}
	out := jobs[0].Output
	if out == nil || out.Duration != time.Second || !strings.HasPrefix(out.URL, "file://") {
		t.Fatalf("unexpected output %+v", out)
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Fatalf("expected wav on disk: %v", err)
	}

	if len(rec.runs) != 1 || rec.runs[0].Kind != history.KindQueue {
		t.Fatalf("expected one recorded run, got %+v", rec.runs)
	}
	if len(rec.entries) != 6 {
		t.Fatalf("expected processing and final entries per job, got %d", len(rec.entries))
	}
}

func TestAbortedGenerationFailsJobAndEndsRun(t *testing.T) {
	gen := &stubGenerator{respond: func(text string) (*audio.Result, error) {
		if text == "first" {
			return nil, generation.ErrAborted
		}
		return &audio.Result{Waveform: make([]float32, 10)}, nil
	}}
	q := newTestQueue(t, gen, Options{})
	q.AddTexts([]string{"first", "second"})

	if err := q.Start(context.Background(), "voice-a", 0.5); err != nil {
		t.Fatalf("start: %v", err)
	}
	jobs := q.Jobs()
	if jobs[0].Status != StatusFailed || jobs[0].Error != "generation aborted" {
		t.Fatalf("expected aborted job to fail, got %+v", jobs[0])
	}
	if jobs[1].Status != StatusQueued {
		t.Fatalf("expected run to end after abort, got %+v", jobs[1])
	}
}

func TestStopAndClearAllWhileRunning(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{respond: func(string) (*audio.Result, error) {
		<-release
		return &audio.Result{Waveform: make([]float32, 10)}, nil
	}}
	var events []protocol.JobEvent
	var mu sync.Mutex
	q := newTestQueue(t, gen, Options{Notify: func(evt protocol.JobEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}})
	q.AddTexts([]string{"first", "second"})

	done := make(chan error, 1)
	go func() { done <- q.Start(context.Background(), "voice-a", 0.5) }()
	waitFor(t, func() bool { return q.Counts().Processing == 1 })

	if !q.Running() {
		t.Fatal("expected queue to report running")
	}
	if err := q.Start(context.Background(), "voice-a", 0.5); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if err := q.ClearAll(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ClearAll to be refused, got %v", err)
	}

	q.Stop()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	jobs := q.Jobs()
	if jobs[0].Status != StatusDone || jobs[1].Status != StatusQueued {
		t.Fatalf("expected in-flight job to finish and the next to wait, got %s %s", jobs[0].Status, jobs[1].Status)
	}
	if q.Running() {
		t.Fatal("expected queue to be idle")
	}

	mu.Lock()
	if len(events) != 2 || events[0].Status != string(StatusProcessing) || events[1].Status != string(StatusDone) {
		t.Fatalf("unexpected job events %+v", events)
	}
	mu.Unlock()

	if n := q.ClearFinished(); n != 1 {
		t.Fatalf("expected 1 finished job cleared, got %d", n)
	}
	if _, err := os.Stat(jobs[0].Output.Path); !os.IsNotExist(err) {
		t.Fatalf("expected output removed, got %v", err)
	}
	if err := q.ClearAll(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if c := q.Counts(); c.Total != 0 {
		t.Fatalf("expected empty queue, got %+v", c)
	}
}

func TestStartRequeuesInterruptedJobs(t *testing.T) {
	gen := &stubGenerator{}
	q := newTestQueue(t, gen, Options{})
	added := q.AddTexts([]string{"left over"})
	q.mu.Lock()
	q.jobs[0].Status = StatusProcessing
	q.mu.Unlock()

	if err := q.Start(context.Background(), "voice-a", 0.5); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, ok := q.Get(added[0].ID)
	if !ok || job.Status != StatusDone {
		t.Fatalf("expected interrupted job to be reprocessed, got %+v", job)
	}
}

func TestSpeakerFailureStopsRun(t *testing.T) {
	gen := &stubGenerator{}
	ensurer := &countingEnsurer{err: errors.New("no reference audio")}
	q := New(gen, ensurer, Options{OutputDir: t.TempDir()}, discardLogger())
	q.AddTexts([]string{"hello"})

	if err := q.Start(context.Background(), "voice-a", 0.5); err == nil {
		t.Fatal("expected speaker error")
	}
	if len(gen.seen()) != 0 {
		t.Fatal("no job should run without a speaker")
	}
	if q.Running() {
		t.Fatal("queue should not stay running")
	}
	if ensurer.calls.Load() != 1 {
		t.Fatalf("expected one ensure call, got %d", ensurer.calls.Load())
	}
}
