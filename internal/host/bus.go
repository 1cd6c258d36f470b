package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ModelFactory builds a fresh model for every session, so each gateway
// session sees an unloaded host just like a newly spawned process.
type ModelFactory func() Model

// BusService serves gateway sessions arriving over NATS.
type BusService struct {
	nodeID   string
	bus      *bus.Client
	factory  ModelFactory
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]*busSession
}

type busSession struct {
	in     chan protocol.Envelope
	cancel context.CancelFunc
}

func NewBusService(parent context.Context, nodeID string, busClient *bus.Client, factory ModelFactory, log *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		nodeID:   nodeID,
		bus:      busClient,
		factory:  factory,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "host-bus"), slog.String("node", nodeID)),
		sessions: make(map[string]*busSession),
	}
}

func (s *BusService) Start() error {
	inSub, err := s.bus.Conn().Subscribe(protocol.SessionWildcard(s.nodeID, "in"), s.handleRequest)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, inSub)
	closeSub, err := s.bus.Conn().Subscribe(protocol.SessionWildcard(s.nodeID, "close"), s.handleClose)
	if err != nil {
		_ = inSub.Drain()
		return err
	}
	s.subs = append(s.subs, closeSub)
	return s.bus.Conn().Flush()
}

func (s *BusService) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.mu.Lock()
	for id, session := range s.sessions {
		session.cancel()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *BusService) Healthy() bool { return len(s.subs) == 2 }

// Sessions reports the number of live gateway sessions.
func (s *BusService) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *BusService) handleRequest(msg *nats.Msg) {
	sessionID, ok := protocol.SessionFromSubject(msg.Subject)
	if !ok {
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Warn("failed to decode host request", slogError(err))
		return
	}
	session := s.session(sessionID)
	if session == nil {
		return
	}
	select {
	case session.in <- env:
	case <-s.ctx.Done():
	}
}

func (s *BusService) handleClose(msg *nats.Msg) {
	sessionID, ok := protocol.SessionFromSubject(msg.Subject)
	if !ok {
		return
	}
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		session.cancel()
		s.logger.Info("session closed", slog.String("session", sessionID))
	}
}

func (s *BusService) session(id string) *busSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil
	}
	if session, ok := s.sessions[id]; ok {
		return session
	}

	ctx, cancel := context.WithCancel(s.ctx)
	session := &busSession{in: make(chan protocol.Envelope, 16), cancel: cancel}
	s.sessions[id] = session
	s.logger.Info("session opened", slog.String("session", id))

	out := protocol.SessionOutSubject(s.nodeID, id)
	send := func(env protocol.Envelope) error {
		return s.bus.PublishJSON(out, env)
	}
	server := NewServer(s.factory(), s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := server.Serve(ctx, session.in, send)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("session ended with error", slog.String("session", id), slogError(err))
		}
		s.endSession(id, session, out)
	}()
	return session
}

// endSession forgets a finished session and tells the gateway, which may
// still be waiting on it. The notice is a no-op when the gateway closed it.
func (s *BusService) endSession(id string, session *busSession, out string) {
	s.mu.Lock()
	if s.sessions[id] == session {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	session.cancel()

	notice, err := protocol.NewEnvelope("", protocol.TypeSessionClosed, nil)
	if err == nil {
		err = s.bus.PublishJSON(out, notice)
	}
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("failed to announce session end", slog.String("session", id), slogError(err))
	}
}
