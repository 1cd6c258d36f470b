package gateway

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var (
	ErrModelNotLoaded    = errors.New("model not loaded")
	ErrSpeakerNotEncoded = errors.New("speaker not encoded")
	ErrDownloadStalled   = errors.New("model download stalled")
	ErrHostExited        = errors.New("inference host exited")
	ErrClosed            = errors.New("gateway closed")
	ErrRequestTimeout    = errors.New("inference request timed out")
)

// StallError is returned once the model download has stalled more times than
// the retry budget allows.
type StallError struct {
	Retries int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("model download stalled %d times; check your network connection", e.Retries)
}

func (e *StallError) Is(target error) bool {
	return target == ErrDownloadStalled
}

// HostError is a failure reported by the inference host. Its message is
// passed through untouched.
type HostError struct {
	Code    string
	Message string
}

func (e *HostError) Error() string {
	return e.Message
}

func (e *HostError) Is(target error) bool {
	switch target {
	case ErrModelNotLoaded:
		return e.Code == protocol.CodeModelNotLoaded
	case ErrSpeakerNotEncoded:
		return e.Code == protocol.CodeSpeakerNotEncoded
	}
	return false
}

func hostError(body *protocol.ErrorBody) error {
	if body == nil {
		return &HostError{Code: protocol.CodeInternal, Message: "inference host error"}
	}
	return &HostError{Code: body.Code, Message: body.Message}
}

func isTimestampsUnsupported(err error) bool {
	var he *HostError
	return errors.As(err, &he) && he.Code == protocol.CodeTimestampsUnsupported
}
