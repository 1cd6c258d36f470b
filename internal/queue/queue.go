// Package queue runs batches of text through chunked generation one job at a
// time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/generation"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrRunning is returned by operations that are refused while a run is active.
var ErrRunning = errors.New("queue is running")

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

type Output struct {
	URL      string        `json:"url"`
	Path     string        `json:"path,omitempty"`
	Waveform []float32     `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Job is one queued text. Jobs are addressed by ID only; their position in
// the list may change while a run is active.
type Job struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	Output    *Output   `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Counts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Generator is the chunked generation entry point a run drives.
type Generator interface {
	GenerateChunked(ctx context.Context, text, speakerID string, exaggeration float64) (*audio.Result, error)
}

// SpeakerEnsurer makes sure a speaker is encoded before the first job runs.
type SpeakerEnsurer interface {
	EnsureSpeaker(ctx context.Context, speakerID string) error
}

type SpeakerEnsurerFunc func(ctx context.Context, speakerID string) error

func (f SpeakerEnsurerFunc) EnsureSpeaker(ctx context.Context, speakerID string) error {
	return f(ctx, speakerID)
}

// Recorder receives every job transition of a run.
type Recorder interface {
	BeginRun(ctx context.Context, run history.Run) error
	Record(ctx context.Context, entry history.Entry) error
}

// Options configure where finished jobs are written and who hears about them.
type Options struct {
	OutputDir  string
	SampleRate int
	Recorder   Recorder
	// Notify, when set, is called after every job status change.
	Notify func(protocol.JobEvent)
}

// Queue holds batch jobs and runs them one at a time with a single voice.
type Queue struct {
	gen      Generator
	speakers SpeakerEnsurer
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	next    int
	cancel  context.CancelFunc
	running atomic.Bool
}

func New(gen Generator, speakers SpeakerEnsurer, opts Options, logger *slog.Logger) *Queue {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	q := &Queue{
		gen:      gen,
		speakers: speakers,
		opts:     opts,
		logger:   logger.With(slog.String("component", "queue")),
		next:     1,
	}
	if err := q.initMetrics(); err != nil {
		q.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return q
}

var batchSeparator = regexp.MustCompile(`\n\s*\n`)

// AddTexts appends one queued job per non-blank text.
func (q *Queue) AddTexts(texts []string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var added []Job
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		job := newJob(fmt.Sprintf("Job %d", q.next), text)
		q.next++
		q.jobs = append(q.jobs, job)
		added = append(added, job)
	}
	return added
}

// AddBatchText splits input on blank lines and queues each part.
func (q *Queue) AddBatchText(input string) []Job {
	return q.AddTexts(batchSeparator.Split(input, -1))
}

// AddTextFiles queues one job per file, titled with the file name. Nothing is
// queued if any file cannot be read.
func (q *Queue) AddTextFiles(paths ...string) ([]Job, error) {
	jobs := make([]Job, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		jobs = append(jobs, newJob(filepath.Base(path), text))
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, jobs...)
	q.mu.Unlock()
	return jobs, nil
}

func newJob(title, text string) Job {
	return Job{
		ID:        uuid.NewString(),
		Title:     title,
		Text:      text,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Jobs returns copies of every job in list order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	for i, job := range q.jobs {
		out[i] = job.clone()
	}
	return out
}

func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.jobs[i].clone(), true
	}
	return Job{}, false
}

func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, job := range q.jobs {
		c.Total++
		switch job.Status {
		case StatusQueued:
			c.Queued++
		case StatusProcessing:
			c.Processing++
		case StatusDone:
			c.Done++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

func (q *Queue) Running() bool {
	return q.running.Load()
}

// ClearFinished drops done and failed jobs and their output files.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	kept := q.jobs[:0:0]
	var removed []Job
	for _, job := range q.jobs {
		if job.Status == StatusDone || job.Status == StatusFailed {
			removed = append(removed, job)
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
	q.mu.Unlock()

	q.removeOutputs(removed)
	return len(removed)
}

// ClearAll empties the queue. It is refused while a run is active.
func (q *Queue) ClearAll() error {
	if q.running.Load() {
		return ErrRunning
	}
	q.mu.Lock()
	removed := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	q.removeOutputs(removed)
	return nil
}

func (q *Queue) removeOutputs(jobs []Job) {
	for _, job := range jobs {
		if job.Output == nil || job.Output.Path == "" {
			continue
		}
		if err := os.Remove(job.Output.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			q.logger.Warn("failed to remove job output", slog.String("job", job.ID), slogError(err))
		}
	}
}

// Start runs queued jobs in list order until none remain or Stop is called.
// It blocks for the whole run and returns immediately when a run is already
// active.
func (q *Queue) Start(ctx context.Context, speakerID string, exaggeration float64) error {
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}
	defer q.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	q.cancel = cancel
	for i := range q.jobs {
		if q.jobs[i].Status == StatusProcessing {
			q.jobs[i].Status = StatusQueued
		}
	}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.cancel = nil
		q.mu.Unlock()
	}()

	runID := uuid.NewString()
	if q.opts.Recorder != nil {
		if err := q.opts.Recorder.BeginRun(context.WithoutCancel(ctx), history.Run{ID: runID, Kind: history.KindQueue, SpeakerID: speakerID}); err != nil {
			q.logger.Warn("failed to record queue run", slogError(err))
		}
	}
	log := q.logger.With(slog.String("run", runID))

	if err := q.speakers.EnsureSpeaker(ctx, speakerID); err != nil {
		return fmt.Errorf("ensure speaker %s: %w", speakerID, err)
	}

	log.Info("queue run started", slog.String("speaker", speakerID))
	processed := 0
	for ctx.Err() == nil {
		job, ok := q.claimNext(runID)
		if !ok {
			break
		}
		processed++
		if aborted := q.process(ctx, runID, job, speakerID, exaggeration); aborted {
			break
		}
	}
	log.Info("queue run finished", slog.Int("processed", processed), slog.Bool("stopped", ctx.Err() != nil))
	return nil
}

// Stop ends the active run after the job in flight reaches a chunk boundary.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) claimNext(runID string) (Job, bool) {
	q.mu.Lock()
	var claimed *Job
	for i := range q.jobs {
		if q.jobs[i].Status == StatusQueued {
			q.jobs[i].Status = StatusProcessing
			q.jobs[i].Error = ""
			claimed = &q.jobs[i]
			break
		}
	}
	if claimed == nil {
		q.mu.Unlock()
		return Job{}, false
	}
	job := claimed.clone()
	q.mu.Unlock()

	q.transitioned(runID, job)
	return job, true
}

// process runs one job and reports whether generation was aborted, which
// ends the run.
func (q *Queue) process(ctx context.Context, runID string, job Job, speakerID string, exaggeration float64) bool {
	res, err := q.gen.GenerateChunked(ctx, job.Text, speakerID, exaggeration)
	if err == nil && res == nil {
		err = generation.ErrAborted
	}
	if err != nil {
		q.finish(runID, job.ID, StatusFailed, nil, err.Error())
		return errors.Is(err, generation.ErrAborted)
	}

	out, err := q.writeOutput(job.ID, res)
	if err != nil {
		q.finish(runID, job.ID, StatusFailed, nil, err.Error())
		return false
	}
	q.finish(runID, job.ID, StatusDone, out, "")
	return false
}

func (q *Queue) writeOutput(jobID string, res *audio.Result) (*Output, error) {
	out := &Output{
		Waveform: res.Waveform,
		Duration: res.Duration(q.opts.SampleRate),
	}
	if q.opts.OutputDir == "" {
		return out, nil
	}
	path, err := filepath.Abs(filepath.Join(q.opts.OutputDir, jobID+".wav"))
	if err != nil {
		return nil, err
	}
	if err := audio.WriteWAVFile(path, res.Waveform, q.opts.SampleRate); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	out.Path = path
	out.URL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	return out, nil
}

// finish updates the job by id; a job cleared mid-run is silently dropped.
func (q *Queue) finish(runID, id string, status Status, out *Output, errMsg string) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.jobs[i].Status = status
	q.jobs[i].Output = out
	q.jobs[i].Error = errMsg
	job := q.jobs[i].clone()
	q.mu.Unlock()

	if status == StatusFailed {
		q.logger.Warn("job failed", slog.String("job", id), slog.String("title", job.Title), slog.String("error", errMsg))
	}
	q.transitioned(runID, job)
}

func (q *Queue) transitioned(runID string, job Job) {
	if q.opts.Recorder != nil {
		entry := history.Entry{
			RunID:  runID,
			JobID:  job.ID,
			Title:  job.Title,
			Status: string(job.Status),
			Detail: job.Error,
		}
		if job.Output != nil {
			entry.AudioSeconds = job.Output.Duration.Seconds()
		}
		if err := q.opts.Recorder.Record(context.Background(), entry); err != nil {
			q.logger.Warn("failed to record job transition", slog.String("job", job.ID), slogError(err))
		}
	}
	if q.opts.Notify != nil {
		q.opts.Notify(protocol.JobEvent{
			JobID:     job.ID,
			Title:     job.Title,
			Status:    string(job.Status),
			Error:     job.Error,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.jobs {
		if q.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (j Job) clone() Job {
	if j.Output != nil {
		out := *j.Output
		j.Output = &out
	}
	return j
}

func (q *Queue) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/queue")
	gauge, err := meter.Int64ObservableGauge("loqa.queue.jobs", metric.WithDescription("Jobs in the batch queue by status"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		c := q.Counts()
		for status, n := range map[Status]int{
			StatusQueued:     c.Queued,
			StatusProcessing: c.Processing,
			StatusDone:       c.Done,
			StatusFailed:     c.Failed,
		} {
			obs.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("status", string(status))))
		}
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
