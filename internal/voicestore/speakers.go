package voicestore

import (
	"context"
	"fmt"
	"strings"
)

const speakerPrefix = "voice-"

// SpeakerID is the speaker a stored voice is encoded under.
func SpeakerID(voiceID string) string {
	return speakerPrefix + voiceID
}

// Encoder encodes reference audio under a speaker id unless already cached.
type Encoder interface {
	EnsureSpeaker(ctx context.Context, speakerID string, samples []float32) error
}

// Speakers resolves "voice-<id>" speakers from the store and encodes them on
// first use.
type Speakers struct {
	store   *Store
	encoder Encoder
}

func NewSpeakers(store *Store, encoder Encoder) *Speakers {
	return &Speakers{store: store, encoder: encoder}
}

func (s *Speakers) EnsureSpeaker(ctx context.Context, speakerID string) error {
	voiceID, ok := strings.CutPrefix(speakerID, speakerPrefix)
	if !ok || voiceID == "" {
		return fmt.Errorf("speaker %q is not a stored voice", speakerID)
	}
	v, err := s.store.Get(ctx, voiceID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("voice %s not found", voiceID)
	}
	return s.encoder.EnsureSpeaker(ctx, speakerID, v.Audio)
}
