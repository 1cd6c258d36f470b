package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/hostregistry"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NodePicker chooses the host node a new session should land on and reports
// whether that node is still alive.
type NodePicker interface {
	Pick(capability string) (hostregistry.NodeInfo, bool)
	Node(id string) (hostregistry.NodeInfo, bool)
}

// NATSSpawner opens sessions on remote hosts that joined the bus.
type NATSSpawner struct {
	bus        *bus.Client
	picker     NodePicker
	capability string
	logger     *slog.Logger

	// LivenessInterval is how often an open session checks that its node is
	// still healthy. A session on a dead node is closed so the gateway resets.
	LivenessInterval time.Duration
}

func NewNATSSpawner(busClient *bus.Client, picker NodePicker, capability string, logger *slog.Logger) *NATSSpawner {
	return &NATSSpawner{
		bus:              busClient,
		picker:           picker,
		capability:       capability,
		logger:           logger.With(slog.String("component", "nats-host")),
		LivenessInterval: time.Second,
	}
}

func (s *NATSSpawner) Spawn(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, ok := s.picker.Pick(s.capability)
	if !ok {
		return nil, fmt.Errorf("no healthy inference host offers %q", s.capability)
	}
	conn := &natsConn{
		bus:     s.bus,
		nodeID:  node.ID,
		session: uuid.NewString(),
		inbox:   make(chan protocol.Envelope, 64),
		msgs:    make(chan protocol.Envelope),
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SessionOutSubject(conn.nodeID, conn.session), conn.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe host session: %w", err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush host session: %w", err)
	}
	conn.sub = sub
	go conn.forward()
	if s.LivenessInterval > 0 {
		go conn.watch(s.picker, s.LivenessInterval)
	}
	s.logger.Info("host session opened", slog.String("node", node.ID), slog.String("session", conn.session))
	return conn, nil
}

type natsConn struct {
	bus     *bus.Client
	nodeID  string
	session string
	sub     *nats.Subscription
	inbox   chan protocol.Envelope
	msgs    chan protocol.Envelope
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (c *natsConn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrHostExited
	default:
	}
	return c.bus.PublishJSON(protocol.SessionInSubject(c.nodeID, c.session), env)
}

func (c *natsConn) Messages() <-chan protocol.Envelope {
	return c.msgs
}

func (c *natsConn) Close() error {
	if !c.end() {
		return nil
	}
	return c.bus.Conn().Publish(protocol.SessionCloseSubject(c.nodeID, c.session), nil)
}

// end stops the session locally and reports whether this call did so.
func (c *natsConn) end() bool {
	ended := false
	c.once.Do(func() {
		ended = true
		close(c.done)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
	})
	return ended
}

// watch ends the session once the registry stops seeing its node.
func (c *natsConn) watch(picker NodePicker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			node, ok := picker.Node(c.nodeID)
			if ok && node.Healthy {
				continue
			}
			c.logger.Warn("inference host node lost, closing session",
				slog.String("node", c.nodeID), slog.String("session", c.session))
			_ = c.Close()
			return
		}
	}
}

func (c *natsConn) handle(msg *nats.Msg) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Warn("discarding malformed host message", slogError(err))
		return
	}
	if env.Type == protocol.TypeSessionClosed {
		c.logger.Warn("host ended the session", slog.String("node", c.nodeID), slog.String("session", c.session))
		c.end()
		return
	}
	select {
	case c.inbox <- env:
	case <-c.done:
	}
}

// forward is the only writer of msgs, so it alone may close it.
func (c *natsConn) forward() {
	defer close(c.msgs)
	for {
		select {
		case env := <-c.inbox:
			select {
			case c.msgs <- env:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}
