package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/voicestore"
)

type generateRequest struct {
	Text         string   `json:"text"`
	VoiceID      string   `json:"voice_id"`
	Exaggeration *float64 `json:"exaggeration,omitempty"`
}

type generateResponse struct {
	Audio               []byte                `json:"audio"`
	SampleRate          int                   `json:"sample_rate"`
	Seconds             float64               `json:"seconds"`
	InferenceMS         int64                 `json:"inference_ms"`
	WordTimestamps      []audio.WordTimestamp `json:"word_timestamps,omitempty"`
	TimestampsSupported bool                  `json:"timestamps_supported"`
}

// handleGenerate synthesizes text with a stored voice. The response is a WAV
// file unless ?format=json asks for the waveform and word timestamps.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeProblem(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.VoiceID == "" {
		writeProblem(w, http.StatusBadRequest, "voice_id is required")
		return
	}

	ctx := r.Context()
	speaker := voicestore.SpeakerID(req.VoiceID)
	if err := s.deps.Speakers.EnsureSpeaker(ctx, speaker); err != nil {
		s.writeError(w, err)
		return
	}

	runID := uuid.NewString()
	s.beginRun(ctx, history.Run{ID: runID, Kind: history.KindGenerate, SpeakerID: speaker})
	res, err := s.deps.Generator.GenerateChunked(ctx, req.Text, speaker, s.exaggeration(req.Exaggeration))
	if err != nil {
		s.record(ctx, history.Entry{RunID: runID, Status: "failed", Detail: err.Error()})
		s.writeError(w, err)
		return
	}
	if res == nil {
		writeProblem(w, http.StatusBadRequest, "text has no speakable content")
		return
	}
	seconds := audio.Seconds(len(res.Waveform), s.opts.SampleRate)
	s.record(ctx, history.Entry{RunID: runID, Status: "done", Detail: summarize(req.Text), AudioSeconds: seconds})

	if r.URL.Query().Get("format") == "json" {
		data, err := audio.EncodeWAVBytes(res.Waveform, s.opts.SampleRate)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, generateResponse{
			Audio:               data,
			SampleRate:          s.opts.SampleRate,
			Seconds:             seconds,
			InferenceMS:         res.InferenceTime.Milliseconds(),
			WordTimestamps:      res.WordTimestamps,
			TimestampsSupported: res.TimestampsSupported,
		})
		return
	}
	w.Header().Set("X-Inference-Ms", fmt.Sprint(res.InferenceTime.Milliseconds()))
	w.Header().Set("X-Timestamps-Supported", fmt.Sprint(res.TimestampsSupported))
	writeWAV(w, res.Waveform, s.opts.SampleRate)
}

func (s *Server) handleGenerateProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Generator.Progress())
}

func (s *Server) handleGenerateAbort(w http.ResponseWriter, r *http.Request) {
	s.deps.Generator.Abort()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) beginRun(ctx context.Context, run history.Run) {
	if err := s.deps.History.BeginRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record run", slogError(err))
	}
}

func (s *Server) record(ctx context.Context, e history.Entry) {
	if err := s.deps.History.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("failed to record history entry", slogError(err))
	}
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return text
}
