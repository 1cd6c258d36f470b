package gateway

import (
	"path"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var sessionLabels = map[string]string{
	"embed_tokens":         "Embed Tokens",
	"speech_encoder":       "Speech Encoder",
	"language_model":       "Language Model",
	"language_model_q4":    "Language Model",
	"language_model_q4f16": "Language Model",
	"language_model_fp16":  "Language Model",
	"conditional_decoder":  "Conditional Decoder",
}

// SessionProgress merges every asset that belongs to one model session, such
// as a graph file and its external weights.
type SessionProgress struct {
	Label    string  `json:"label"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size"`
	Done     bool    `json:"done"`
}

// LoadSnapshot is an immutable view of download progress at one instant.
type LoadSnapshot struct {
	Sessions []SessionProgress `json:"sessions"`
	Overall  float64           `json:"overall"`
	Done     bool              `json:"done"`
}

type assetState struct {
	protocol.LoadProgress
}

func (a assetState) done() bool {
	return fileDone(a.Status)
}

func fileDone(status string) bool {
	switch status {
	case protocol.StatusInitiate, protocol.StatusDownload, protocol.StatusProgress:
		return false
	default:
		return true
	}
}

// progressTracker is not safe for concurrent use; the gateway guards it.
type progressTracker struct {
	order  []string
	assets map[string]*assetState
}

func newProgressTracker() *progressTracker {
	return &progressTracker{assets: make(map[string]*assetState)}
}

func (t *progressTracker) reset() {
	t.order = nil
	t.assets = make(map[string]*assetState)
}

func (t *progressTracker) apply(p protocol.LoadProgress) LoadSnapshot {
	if p.File != "" {
		state, ok := t.assets[p.File]
		if !ok {
			state = &assetState{}
			t.assets[p.File] = state
			t.order = append(t.order, p.File)
		}
		prevTotal := state.Total
		state.LoadProgress = p
		if p.Total == 0 {
			state.Total = prevTotal
		}
	}
	return t.snapshot()
}

// allDone reports whether at least one asset was seen and every seen asset is done.
func (t *progressTracker) allDone() bool {
	if len(t.order) == 0 {
		return false
	}
	for _, file := range t.order {
		if !t.assets[file].done() {
			return false
		}
	}
	return true
}

func (t *progressTracker) incomplete() []string {
	var files []string
	for _, file := range t.order {
		if !t.assets[file].done() {
			files = append(files, file)
		}
	}
	return files
}

func (t *progressTracker) snapshot() LoadSnapshot {
	var (
		sessions []SessionProgress
		index    = make(map[string]int)
	)
	for _, file := range t.order {
		label, ok := sessionLabel(file)
		if !ok {
			continue
		}
		asset := t.assets[file]
		i, seen := index[label]
		if !seen {
			index[label] = len(sessions)
			sessions = append(sessions, SessionProgress{
				Label:    label,
				Status:   asset.Status,
				Progress: asset.Progress,
				Size:     asset.Total,
				Done:     asset.done(),
			})
			continue
		}
		s := &sessions[i]
		if !asset.done() {
			s.Status = asset.Status
			s.Progress = asset.Progress
			s.Done = false
		}
		s.Size += asset.Total
	}

	snap := LoadSnapshot{Sessions: sessions}
	if len(sessions) == 0 {
		return snap
	}
	var total float64
	snap.Done = true
	for _, s := range sessions {
		if s.Done {
			total += 100
			continue
		}
		snap.Done = false
		total += s.Progress
	}
	snap.Overall = total / float64(len(sessions))
	return snap
}

// sessionLabel maps a model asset path to its display session. Only graph and
// weight files form sessions.
func sessionLabel(file string) (string, bool) {
	if !strings.HasSuffix(file, ".onnx") && !strings.HasSuffix(file, ".onnx_data") {
		return "", false
	}
	base := path.Base(file)
	base = strings.TrimSuffix(base, ".onnx_data")
	base = strings.TrimSuffix(base, ".onnx")
	if label, ok := sessionLabels[base]; ok {
		return label, true
	}
	return base, true
}
