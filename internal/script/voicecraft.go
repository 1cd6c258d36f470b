package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/generation"
)

type Character struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Voice []float32 `json:"-"`
}

type Line struct {
	ID           string  `json:"id"`
	CharacterID  string  `json:"character_id"`
	Text         string  `json:"text"`
	Exaggeration float64 `json:"exaggeration"`
}

// VoiceCraftSpeakerID is the speaker a character is encoded under with the
// given reference clip.
func VoiceCraftSpeakerID(characterID string, voice []float32) string {
	return speakerFor("voicecraft-"+characterID, voice)
}

type VoiceCraftResult struct {
	// Clips holds generated audio keyed by line id.
	Clips   map[string][]float32 `json:"-"`
	Audio   []float32            `json:"-"`
	Skipped []string             `json:"skipped,omitempty"`
	Aborted bool                 `json:"aborted"`
}

// VoiceCraft voices a dialogue script in which every line names its character.
type VoiceCraft struct {
	gen      Generator
	speakers SpeakerEncoder
	opts     Options
	logger   *slog.Logger
}

func NewVoiceCraft(gen Generator, speakers SpeakerEncoder, opts Options, logger *slog.Logger) *VoiceCraft {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	return &VoiceCraft{
		gen:      gen,
		speakers: speakers,
		opts:     opts,
		logger:   logger.With(slog.String("component", "voicecraft")),
	}
}

// Validate lists the problems that must be fixed before a script can run.
func (v *VoiceCraft) Validate(characters []Character, lines []Line) []string {
	var problems []string
	if len(characters) == 0 {
		problems = append(problems, "Add at least one character.")
	}
	if len(lines) == 0 {
		problems = append(problems, "Add at least one dialogue line.")
	}

	var silent []string
	ids := make(map[string]struct{}, len(characters))
	for _, c := range characters {
		ids[c.ID] = struct{}{}
		if len(c.Voice) == 0 {
			silent = append(silent, c.Name)
		}
	}
	if len(silent) > 0 {
		problems = append(problems, "Record voice samples for: "+strings.Join(silent, ", "))
	}

	var unassigned, empty, orphaned int
	for _, l := range lines {
		if l.CharacterID == "" {
			unassigned++
		} else if _, ok := ids[l.CharacterID]; !ok {
			orphaned++
		}
		if strings.TrimSpace(l.Text) == "" {
			empty++
		}
	}
	if unassigned > 0 {
		problems = append(problems, fmt.Sprintf("Assign characters to all lines (%d unassigned).", unassigned))
	}
	if empty > 0 {
		problems = append(problems, fmt.Sprintf("Write text for all lines (%d empty).", empty))
	}
	if orphaned > 0 {
		problems = append(problems, fmt.Sprintf("%d line(s) reference a removed character.", orphaned))
	}
	return problems
}

// Run generates every line in order with its character's voice and joins the
// clips with a uniform gap. Lines whose character or voice is missing are
// skipped.
func (v *VoiceCraft) Run(ctx context.Context, characters []Character, lines []Line, onLine func(lineID string, clip []float32)) (VoiceCraftResult, error) {
	result := VoiceCraftResult{Clips: make(map[string][]float32)}
	byID := make(map[string]Character, len(characters))
	for _, c := range characters {
		byID[c.ID] = c
	}

	for _, line := range lines {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}
		character, ok := byID[line.CharacterID]
		if !ok || len(character.Voice) == 0 || strings.TrimSpace(line.Text) == "" {
			result.Skipped = append(result.Skipped, line.ID)
			continue
		}

		speaker := VoiceCraftSpeakerID(character.ID, character.Voice)
		if err := v.speakers.EnsureSpeaker(ctx, speaker, character.Voice); err != nil {
			return result, err
		}
		res, err := v.gen.GenerateChunked(ctx, line.Text, speaker, line.Exaggeration)
		if errors.Is(err, generation.ErrAborted) || (err == nil && res == nil) {
			result.Aborted = true
			break
		}
		if err != nil {
			return result, err
		}
		result.Clips[line.ID] = res.Waveform
		if onLine != nil {
			onLine(line.ID, res.Waveform)
		}
	}

	var parts [][]float32
	for _, line := range lines {
		clip, ok := result.Clips[line.ID]
		if !ok {
			continue
		}
		if len(parts) > 0 {
			parts = append(parts, audio.Silence(v.opts.LineGap.Seconds(), v.opts.SampleRate))
		}
		parts = append(parts, clip)
	}
	if len(parts) > 0 {
		result.Audio = audio.Concat(parts...)
	}

	v.logger.Info("dialogue finished",
		slog.Int("lines", len(lines)),
		slog.Int("generated", len(result.Clips)),
		slog.Bool("aborted", result.Aborted))
	return result, nil
}
