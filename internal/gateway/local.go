package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ServeFunc serves one host session until ctx ends or in is closed.
type ServeFunc func(ctx context.Context, in <-chan protocol.Envelope, send func(protocol.Envelope) error) error

// LocalSpawner runs the host inside the daemon process. Every Spawn starts a
// fresh session, the way a restarted child process would.
type LocalSpawner struct {
	newSession func() ServeFunc
	logger     *slog.Logger
}

func NewLocalSpawner(newSession func() ServeFunc, logger *slog.Logger) *LocalSpawner {
	return &LocalSpawner{
		newSession: newSession,
		logger:     logger.With(slog.String("component", "local-host")),
	}
}

func (s *LocalSpawner) Spawn(context.Context) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &localConn{
		in:     make(chan protocol.Envelope, 16),
		out:    make(chan protocol.Envelope, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	serve := s.newSession()
	go func() {
		defer close(c.out)
		err := serve(ctx, c.in, func(env protocol.Envelope) error {
			select {
			case c.out <- env:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("local host session ended", slogError(err))
		}
	}()
	return c, nil
}

type localConn struct {
	in     chan protocol.Envelope
	out    chan protocol.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *localConn) Send(env protocol.Envelope) error {
	select {
	case c.in <- env:
		return nil
	case <-c.ctx.Done():
		return ErrHostExited
	}
}

func (c *localConn) Messages() <-chan protocol.Envelope { return c.out }

func (c *localConn) Close() error {
	c.once.Do(c.cancel)
	return nil
}
