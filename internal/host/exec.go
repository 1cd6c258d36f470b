package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ExecModel delegates every model operation to an external command, one
// invocation per operation, speaking JSON over stdin and stdout. It lets a
// Python or native runtime serve as the model without linking it in.
type ExecModel struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Op             string           `json:"op"`
	Device         string           `json:"device,omitempty"`
	CacheDir       string           `json:"cache_dir,omitempty"`
	Text           string           `json:"text,omitempty"`
	SpeakerAudio   protocol.Samples `json:"speaker_audio,omitempty"`
	Exaggeration   float64          `json:"exaggeration,omitempty"`
	WordTimestamps bool             `json:"word_timestamps,omitempty"`
}

type execResponse struct {
	Progress       *protocol.LoadProgress `json:"progress,omitempty"`
	Device         string                 `json:"device,omitempty"`
	Accelerated    bool                   `json:"accelerated,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Waveform       protocol.Samples       `json:"waveform,omitempty"`
	WordTimestamps []audio.WordTimestamp  `json:"word_timestamps,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Code           string                 `json:"code,omitempty"`
}

type execSpeaker struct {
	samples []float32
}

func NewExecModel(command string) (*ExecModel, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("model command empty")
	}
	return &ExecModel{cmd: args}, nil
}

func (e *ExecModel) Capability(ctx context.Context) protocol.CapabilityResult {
	resp, err := e.run(ctx, execRequest{Op: "capability"}, nil)
	if err != nil {
		return protocol.CapabilityResult{Device: "unknown", Reason: err.Error()}
	}
	return protocol.CapabilityResult{Accelerated: resp.Accelerated, Device: resp.Device, Reason: resp.Reason}
}

func (e *ExecModel) Load(ctx context.Context, req protocol.LoadRequest, progress func(protocol.LoadProgress)) (protocol.LoadResult, error) {
	resp, err := e.run(ctx, execRequest{Op: "load", Device: req.Device, CacheDir: req.CacheDir}, progress)
	if err != nil {
		return protocol.LoadResult{}, err
	}
	return protocol.LoadResult{Device: resp.Device}, nil
}

// EncodeSpeaker keeps the reference clip; the command receives it with every
// generate call.
func (e *ExecModel) EncodeSpeaker(_ context.Context, samples []float32) (Embedding, error) {
	if len(samples) == 0 {
		return nil, errors.New("reference audio is empty")
	}
	return execSpeaker{samples: append([]float32(nil), samples...)}, nil
}

func (e *ExecModel) Generate(ctx context.Context, in GenerateInput) (Speech, error) {
	spk, ok := in.Speaker.(execSpeaker)
	if !ok {
		return Speech{}, errors.New("speaker embedding was not produced by this model")
	}
	resp, err := e.run(ctx, execRequest{
		Op:             "generate",
		Text:           in.Text,
		SpeakerAudio:   spk.samples,
		Exaggeration:   in.Exaggeration,
		WordTimestamps: in.WordTimestamps,
	}, nil)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Waveform: resp.Waveform, WordTimestamps: resp.WordTimestamps}, nil
}

// run executes one operation. Progress lines are forwarded; the last
// non-progress line is the result.
func (e *ExecModel) run(ctx context.Context, req execRequest, progress func(protocol.LoadProgress)) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var final execResponse
	data, err := json.Marshal(req)
	if err != nil {
		return final, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return final, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return final, err
	}
	if err := cmd.Start(); err != nil {
		return final, fmt.Errorf("start model command: %w", err)
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		cmd.Wait()
		return final, err
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	gotResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return final, fmt.Errorf("decode model output: %w", err)
		}
		if resp.Progress != nil {
			if progress != nil {
				progress(*resp.Progress)
			}
			continue
		}
		final = resp
		gotResult = true
	}
	if err := cmd.Wait(); err != nil {
		return final, fmt.Errorf("model command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return final, err
	}
	if !gotResult {
		return final, fmt.Errorf("model command produced no result for %s", req.Op)
	}
	if final.Error != "" {
		if final.Code == protocol.CodeTimestampsUnsupported {
			return final, ErrTimestampsUnsupported
		}
		return final, errors.New(final.Error)
	}
	return final, nil
}
