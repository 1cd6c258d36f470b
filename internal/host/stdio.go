package host

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const maxLineBytes = 64 << 20

// ServeStdio runs a server over newline-delimited JSON envelopes, the framing
// used when the gateway starts the host as a child process.
func ServeStdio(ctx context.Context, model Model, r io.Reader, w io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan protocol.Envelope)
	go func() {
		defer close(in)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var env protocol.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				logger.Warn("discarding malformed request", slogError(err))
				continue
			}
			select {
			case in <- env:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("stdin read failed", slogError(err))
		}
	}()

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	send := func(env protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(env)
	}

	return NewServer(model, logger).Serve(ctx, in, send)
}
