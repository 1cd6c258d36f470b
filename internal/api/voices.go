package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/voicestore"
)

type voiceBody struct {
	voicestore.Voice
	Speaker string  `json:"speaker_id"`
	Seconds float64 `json:"seconds,omitempty"`
}

func newVoiceBody(v voicestore.Voice) voiceBody {
	return voiceBody{
		Voice:   v,
		Speaker: voicestore.SpeakerID(v.ID),
		Seconds: audio.Seconds(len(v.Audio), v.SampleRate),
	}
}

// readWAV decodes a WAV request body into mono samples.
func readWAV(r *http.Request) ([]float32, int, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxUploadBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("request body must be a wav recording")
	}
	samples, rate, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("recording is empty")
	}
	return samples, rate, nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.deps.Voices.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]voiceBody, 0, len(voices))
	for _, v := range voices {
		out = append(out, newVoiceBody(v))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateVoice stores a WAV body as a new voice named by ?name=.
func (s *Server) handleCreateVoice(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeProblem(w, http.StatusBadRequest, "name is required")
		return
	}
	samples, rate, err := readWAV(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Voices.Save(r.Context(), voicestore.Voice{Name: name, Audio: samples, SampleRate: rate})
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.deps.Voices.Get(r.Context(), id)
	if err != nil || v == nil {
		s.writeError(w, fmt.Errorf("reload voice %s: %w", id, err))
		return
	}
	writeJSON(w, http.StatusCreated, newVoiceBody(*v))
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Voices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if v == nil {
		writeProblem(w, http.StatusNotFound, "voice not found")
		return
	}
	if r.URL.Query().Get("format") == "wav" {
		writeWAV(w, v.Audio, v.SampleRate)
		return
	}
	writeJSON(w, http.StatusOK, newVoiceBody(*v))
}

// handleUpdateVoice renames a voice from a JSON body or replaces its recording
// from a WAV body.
func (s *Server) handleUpdateVoice(w http.ResponseWriter, r *http.Request) {
	var update voicestore.VoiceUpdate
	if isJSON(r) {
		var body struct {
			Name *string `json:"name"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		update.Name = body.Name
	} else {
		samples, rate, err := readWAV(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}
		update.Audio, update.SampleRate = samples, rate
		if name := r.URL.Query().Get("name"); name != "" {
			update.Name = &name
		}
	}

	v, err := s.deps.Voices.Update(r.Context(), r.PathValue("id"), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if v == nil {
		writeProblem(w, http.StatusNotFound, "voice not found")
		return
	}
	writeJSON(w, http.StatusOK, newVoiceBody(*v))
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Voices.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeWAV(w http.ResponseWriter, samples []float32, sampleRate int) {
	data, err := audio.EncodeWAVBytes(samples, sampleRate)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
