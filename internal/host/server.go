package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Server answers one gateway session. It is not shared between sessions: each
// host instance starts with no model and no speakers.
type Server struct {
	model    Model
	logger   *slog.Logger
	loaded   bool
	speakers map[string]Embedding
}

func NewServer(model Model, logger *slog.Logger) *Server {
	return &Server{
		model:    model,
		logger:   logger.With(slog.String("component", "inference-host")),
		speakers: make(map[string]Embedding),
	}
}

// Serve handles requests from in until it is closed or ctx ends. Requests are
// processed one at a time, in arrival order.
func (s *Server) Serve(ctx context.Context, in <-chan protocol.Envelope, send func(protocol.Envelope) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, env, send); err != nil {
				return err
			}
		}
	}
}

// handle answers one request. When the reply itself cannot be delivered, for
// example because it exceeds the transport's message size, the gateway still
// gets an error for that request and the session stays up. Only a failure to
// deliver that error ends the session.
func (s *Server) handle(ctx context.Context, env protocol.Envelope, send func(protocol.Envelope) error) error {
	reply, err := s.dispatch(ctx, env, send)
	if err != nil {
		reply = s.errorReply(env, err)
	}
	sendErr := send(reply)
	if sendErr == nil || reply.Type == protocol.TypeError {
		if sendErr != nil {
			return fmt.Errorf("send %s reply: %w", env.Type, sendErr)
		}
		return nil
	}
	s.logger.Warn("reply could not be delivered", slog.String("type", env.Type), slog.Int("bytes", len(reply.Data)), slogError(sendErr))
	fallback := protocol.ErrorEnvelope(env.ID, protocol.CodeReplyUndeliverable,
		fmt.Sprintf("%s reply of %d bytes could not be delivered: %v", env.Type, len(reply.Data), sendErr))
	if err := send(fallback); err != nil {
		return fmt.Errorf("send %s reply: %w", env.Type, errors.Join(sendErr, err))
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, env protocol.Envelope, send func(protocol.Envelope) error) (protocol.Envelope, error) {
	switch env.Type {
	case protocol.TypeCheckCapability:
		return protocol.NewEnvelope(env.ID, protocol.Complete(env.Type), s.model.Capability(ctx))

	case protocol.TypeLoad:
		var req protocol.LoadRequest
		if len(env.Data) > 0 {
			if err := env.Decode(&req); err != nil {
				return protocol.Envelope{}, err
			}
		}
		result, err := s.model.Load(ctx, req, func(p protocol.LoadProgress) {
			event, err := protocol.NewEnvelope("", protocol.TypeLoadProgress, p)
			if err == nil {
				err = send(event)
			}
			if err != nil {
				s.logger.Warn("failed to forward load progress", slogError(err))
			}
		})
		if err != nil {
			return protocol.Envelope{}, err
		}
		s.loaded = true
		s.logger.Info("model loaded", slog.String("device", result.Device))
		return protocol.NewEnvelope(env.ID, protocol.Complete(env.Type), result)

	case protocol.TypeEncodeSpeaker:
		if !s.loaded {
			return protocol.Envelope{}, errModelNotLoaded
		}
		var req protocol.EncodeSpeakerRequest
		if err := env.Decode(&req); err != nil {
			return protocol.Envelope{}, err
		}
		embedding, err := s.model.EncodeSpeaker(ctx, req.Audio)
		if err != nil {
			return protocol.Envelope{}, err
		}
		s.speakers[req.SpeakerID] = embedding
		return protocol.NewEnvelope(env.ID, protocol.Complete(env.Type), protocol.EncodeSpeakerResult{SpeakerID: req.SpeakerID})

	case protocol.TypeGenerate:
		if !s.loaded {
			return protocol.Envelope{}, errModelNotLoaded
		}
		var req protocol.GenerateRequest
		if err := env.Decode(&req); err != nil {
			return protocol.Envelope{}, err
		}
		embedding, ok := s.speakers[req.SpeakerID]
		if !ok {
			return protocol.Envelope{}, &codedError{
				code:    protocol.CodeSpeakerNotEncoded,
				message: fmt.Sprintf("Speaker %q not found in cache", req.SpeakerID),
			}
		}
		start := time.Now()
		speech, err := s.model.Generate(ctx, GenerateInput{
			Text:           req.Text,
			Speaker:        embedding,
			Exaggeration:   req.Exaggeration,
			WordTimestamps: req.WordTimestamps,
		})
		if err != nil {
			return protocol.Envelope{}, err
		}
		return protocol.NewEnvelope(env.ID, protocol.Complete(env.Type), protocol.GenerateResult{
			Waveform:       speech.Waveform,
			WordTimestamps: speech.WordTimestamps,
			InferenceMS:    float64(time.Since(start)) / float64(time.Millisecond),
		})

	default:
		return protocol.Envelope{}, &codedError{
			code:    protocol.CodeUnknownType,
			message: fmt.Sprintf("Unknown message type: %s", env.Type),
		}
	}
}

func (s *Server) errorReply(env protocol.Envelope, err error) protocol.Envelope {
	code := protocol.CodeInternal
	var coded *codedError
	switch {
	case errors.As(err, &coded):
		code = coded.code
	case errors.Is(err, ErrTimestampsUnsupported):
		code = protocol.CodeTimestampsUnsupported
	}
	if code == protocol.CodeInternal {
		s.logger.Warn("request failed", slog.String("type", env.Type), slogError(err))
	}
	return protocol.ErrorEnvelope(env.ID, code, err.Error())
}

type codedError struct {
	code    string
	message string
}

func (e *codedError) Error() string { return e.message }

var errModelNotLoaded = &codedError{code: protocol.CodeModelNotLoaded, message: "Model not loaded"}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
