package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/script"
)

type scriptResponse struct {
	RunID      string   `json:"run_id"`
	Audio      []byte   `json:"audio,omitempty"`
	Path       string   `json:"path,omitempty"`
	SampleRate int      `json:"sample_rate"`
	Seconds    float64  `json:"seconds"`
	Generated  int      `json:"generated"`
	Skipped    []string `json:"skipped,omitempty"`
	Aborted    bool     `json:"aborted"`
}

type narratorRequest struct {
	Text string `json:"text"`
	// Voices maps character names, plus "__narrator__", to stored voice ids.
	Voices map[string]string `json:"voices"`
}

type narratorResponse struct {
	scriptResponse
	Segments   []script.Segment `json:"segments"`
	Characters []string         `json:"characters"`
}

// loadVoices resolves stored voice ids to their recordings.
func (s *Server) loadVoices(ctx context.Context, ids map[string]string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	for key, id := range ids {
		if id == "" {
			continue
		}
		v, err := s.deps.Voices.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("voice %s not found", id)
		}
		out[key] = v.Audio
	}
	return out, nil
}

// handleNarrator parses a story, voices every assigned segment and returns the
// mixed recording.
func (s *Server) handleNarrator(w http.ResponseWriter, r *http.Request) {
	var req narratorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	story := script.ParseStory(req.Text)
	if len(story.Segments) == 0 {
		writeProblem(w, http.StatusBadRequest, "text is required")
		return
	}
	if r.URL.Query().Get("dry_run") == "true" {
		writeJSON(w, http.StatusOK, narratorResponse{Segments: story.Segments, Characters: nonNil(story.Characters)})
		return
	}

	ctx := r.Context()
	assignments, err := s.loadVoices(ctx, req.Voices)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := uuid.NewString()
	s.beginRun(ctx, history.Run{ID: runID, Kind: history.KindNarrator})
	res, err := s.deps.Narrator.Run(ctx, story, assignments, nil)
	if err != nil {
		s.record(ctx, history.Entry{RunID: runID, Status: "failed", Detail: err.Error()})
		s.writeError(w, err)
		return
	}

	skipped := make([]string, 0, len(res.Skipped))
	for _, idx := range res.Skipped {
		skipped = append(skipped, fmt.Sprint(idx))
	}
	resp, err := s.scriptOutput(ctx, runID, history.KindNarrator, res.Audio, len(res.Clips), skipped, res.Aborted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, narratorResponse{
		scriptResponse: resp,
		Segments:       story.Segments,
		Characters:     nonNil(story.Characters),
	})
}

type voiceCraftRequest struct {
	Characters []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		VoiceID string `json:"voice_id"`
	} `json:"characters"`
	Lines []script.Line `json:"lines"`
}

// handleVoiceCraft runs a multi-character dialogue script after validating
// that every line can be voiced.
func (s *Server) handleVoiceCraft(w http.ResponseWriter, r *http.Request) {
	var req voiceCraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	ctx := r.Context()
	characters := make([]script.Character, 0, len(req.Characters))
	for _, c := range req.Characters {
		character := script.Character{ID: c.ID, Name: c.Name}
		if c.VoiceID != "" {
			v, err := s.deps.Voices.Get(ctx, c.VoiceID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if v != nil {
				character.Voice = v.Audio
			}
		}
		characters = append(characters, character)
	}
	for i := range req.Lines {
		if req.Lines[i].ID == "" {
			req.Lines[i].ID = fmt.Sprintf("line-%d", i+1)
		}
	}

	if problems := s.deps.VoiceCraft.Validate(characters, req.Lines); len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "script is not ready", Problems: problems})
		return
	}

	runID := uuid.NewString()
	s.beginRun(ctx, history.Run{ID: runID, Kind: history.KindVoiceCraft})
	res, err := s.deps.VoiceCraft.Run(ctx, characters, req.Lines, nil)
	if err != nil {
		s.record(ctx, history.Entry{RunID: runID, Status: "failed", Detail: err.Error()})
		s.writeError(w, err)
		return
	}
	resp, err := s.scriptOutput(ctx, runID, history.KindVoiceCraft, res.Audio, len(res.Clips), res.Skipped, res.Aborted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// scriptOutput writes the mixed recording next to the queue outputs and
// records the run outcome.
func (s *Server) scriptOutput(ctx context.Context, runID, kind string, mixed []float32, generated int, skipped []string, aborted bool) (scriptResponse, error) {
	resp := scriptResponse{
		RunID:      runID,
		SampleRate: s.opts.SampleRate,
		Seconds:    audio.Seconds(len(mixed), s.opts.SampleRate),
		Generated:  generated,
		Skipped:    skipped,
		Aborted:    aborted,
	}
	status := "done"
	if aborted {
		status = "aborted"
	}
	if len(mixed) > 0 {
		data, err := audio.EncodeWAVBytes(mixed, s.opts.SampleRate)
		if err != nil {
			return resp, err
		}
		resp.Audio = data
		if s.opts.OutputDir != "" {
			path, err := filepath.Abs(filepath.Join(s.opts.OutputDir, kind+"-"+runID+".wav"))
			if err != nil {
				return resp, err
			}
			if err := audio.WriteWAVFile(path, mixed, s.opts.SampleRate); err != nil {
				return resp, err
			}
			resp.Path = path
		}
	}
	s.record(ctx, history.Entry{
		RunID:        runID,
		Status:       status,
		Detail:       fmt.Sprintf("%d clips, skipped %s", generated, strings.Join(skipped, ",")),
		AudioSeconds: resp.Seconds,
	})
	return resp, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
