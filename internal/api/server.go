// Package api exposes the voice runtime over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/generation"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/queue"
	"github.com/loqalabs/loqa-voice/internal/script"
	"github.com/loqalabs/loqa-voice/internal/voicestore"
)

const maxUploadBytes = 64 << 20

// Options are defaults applied to requests that leave them out.
type Options struct {
	SampleRate          int
	OutputDir           string
	DefaultExaggeration float64
}

// Deps are the services the handlers drive. History may be nil.
type Deps struct {
	Gateway    *gateway.Gateway
	Generator  *generation.Orchestrator
	Queue      *queue.Queue
	Voices     *voicestore.Store
	Speakers   *voicestore.Speakers
	Narrator   *script.Narrator
	VoiceCraft *script.VoiceCraft
	History    *history.Store
}

type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// ctx outlives requests; model loads and queue runs are bound to it.
	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	loadErr error
	runErr  error
}

func New(ctx context.Context, deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	return &Server{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "api")),
		ctx:    ctx,
	}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/capability", s.handleCapability)
	mux.HandleFunc("POST /v1/model/load", s.handleLoad)
	mux.HandleFunc("GET /v1/model/progress", s.handleLoadProgress)

	mux.HandleFunc("GET /v1/voices", s.handleListVoices)
	mux.HandleFunc("POST /v1/voices", s.handleCreateVoice)
	mux.HandleFunc("GET /v1/voices/{id}", s.handleGetVoice)
	mux.HandleFunc("PATCH /v1/voices/{id}", s.handleUpdateVoice)
	mux.HandleFunc("DELETE /v1/voices/{id}", s.handleDeleteVoice)

	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/generate/progress", s.handleGenerateProgress)
	mux.HandleFunc("POST /v1/generate/abort", s.handleGenerateAbort)

	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("POST /v1/jobs", s.handleAddJobs)
	mux.HandleFunc("POST /v1/jobs/start", s.handleStartJobs)
	mux.HandleFunc("POST /v1/jobs/stop", s.handleStopJobs)
	mux.HandleFunc("POST /v1/jobs/clear", s.handleClearJobs)
	mux.HandleFunc("GET /v1/jobs/{id}/audio", s.handleJobAudio)

	mux.HandleFunc("POST /v1/narrator", s.handleNarrator)
	mux.HandleFunc("POST /v1/voicecraft", s.handleVoiceCraft)

	mux.HandleFunc("GET /v1/history", s.handleListRuns)
	mux.HandleFunc("GET /v1/history/{id}", s.handleRunEntries)
}

// Wait blocks until background loads and queue runs return.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) exaggeration(v *float64) float64 {
	if v == nil {
		return s.opts.DefaultExaggeration
	}
	return *v
}

type errorBody struct {
	Error    string   `json:"error"`
	Code     string   `json:"code,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps runtime errors onto HTTP statuses, keeping host messages
// verbatim.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, ""
	var hostErr *gateway.HostError
	switch {
	case errors.Is(err, gateway.ErrModelNotLoaded):
		status, code = http.StatusConflict, "model_not_loaded"
	case errors.Is(err, gateway.ErrSpeakerNotEncoded):
		status, code = http.StatusConflict, "speaker_not_encoded"
	case errors.Is(err, gateway.ErrDownloadStalled):
		status, code = http.StatusServiceUnavailable, "download_stalled"
	case errors.Is(err, generation.ErrAborted):
		status, code = http.StatusConflict, "aborted"
	case errors.Is(err, queue.ErrRunning):
		status, code = http.StatusConflict, "queue_running"
	case errors.Is(err, gateway.ErrRequestTimeout), errors.Is(err, gateway.ErrHostExited):
		status = http.StatusBadGateway
	case errors.As(err, &hostErr):
		status, code = http.StatusBadGateway, hostErr.Code
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxUploadBytes))
	return dec.Decode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
