package api

import (
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/queue"
	"github.com/loqalabs/loqa-voice/internal/voicestore"
)

type jobList struct {
	Running bool         `json:"running"`
	Counts  queue.Counts `json:"counts"`
	Jobs    []queue.Job  `json:"jobs"`
	Error   string       `json:"error,omitempty"`
}

func (s *Server) jobList() jobList {
	list := jobList{
		Running: s.deps.Queue.Running(),
		Counts:  s.deps.Queue.Counts(),
		Jobs:    s.deps.Queue.Jobs(),
	}
	if list.Jobs == nil {
		list.Jobs = []queue.Job{}
	}
	s.mu.Lock()
	if s.runErr != nil {
		list.Error = s.runErr.Error()
	}
	s.mu.Unlock()
	return list
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobList())
}

// handleAddJobs accepts individual texts, a blank-line separated batch, or
// both.
func (s *Server) handleAddJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Texts []string `json:"texts"`
		Batch string   `json:"batch"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	added := s.deps.Queue.AddTexts(body.Texts)
	if body.Batch != "" {
		added = append(added, s.deps.Queue.AddBatchText(body.Batch)...)
	}
	if len(added) == 0 {
		writeProblem(w, http.StatusBadRequest, "no non-empty texts supplied")
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// handleStartJobs launches a run in the background with the given voice.
func (s *Server) handleStartJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VoiceID      string   `json:"voice_id"`
		Exaggeration *float64 `json:"exaggeration,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if body.VoiceID == "" {
		writeProblem(w, http.StatusBadRequest, "voice_id is required")
		return
	}
	if s.deps.Queue.Running() {
		s.writeError(w, queue.ErrRunning)
		return
	}

	speaker := voicestore.SpeakerID(body.VoiceID)
	exaggeration := s.exaggeration(body.Exaggeration)
	s.mu.Lock()
	s.runErr = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.deps.Queue.Start(s.ctx, speaker, exaggeration)
		if err != nil {
			s.logger.Warn("queue run failed", slog.String("speaker", speaker), slogError(err))
		}
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
	}()
	writeJSON(w, http.StatusAccepted, s.jobList())
}

func (s *Server) handleStopJobs(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Stop()
	w.WriteHeader(http.StatusAccepted)
}

// handleClearJobs removes finished jobs, or every job with ?scope=all.
func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("scope") {
	case "", "finished":
		removed := s.deps.Queue.ClearFinished()
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	case "all":
		if err := s.deps.Queue.ClearAll(); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.jobList())
	default:
		writeProblem(w, http.StatusBadRequest, "scope must be finished or all")
	}
}

func (s *Server) handleJobAudio(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Queue.Get(r.PathValue("id"))
	if !ok {
		writeProblem(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != queue.StatusDone || job.Output == nil {
		writeProblem(w, http.StatusConflict, "job has no audio yet")
		return
	}
	if job.Output.Path == "" {
		writeWAV(w, job.Output.Waveform, s.opts.SampleRate)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, job.Output.Path)
}
