package hostregistry

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Announcer advertises a host process on the bus until closed.
type Announcer struct {
	cfg    config.NodeConfig
	bus    *bus.Client
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func StartAnnouncer(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:    cfg,
		bus:    busClient,
		log:    log.With(slog.String("component", "host-announcer")),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := a.announce(); err != nil {
		cancel()
		return nil, err
	}
	go a.run(ctx)
	return a, nil
}

func (a *Announcer) Close() {
	a.cancel()
	<-a.done
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (a *Announcer) announce() error {
	return a.bus.PublishJSON(protocol.SubjectHostAnnounce, protocol.HostAnnouncement{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		Capabilities: ConvertCapabilities(a.cfg.Capabilities),
		Timestamp:    time.Now().UTC(),
	})
}

func (a *Announcer) heartbeat() error {
	return a.bus.PublishJSON(protocol.HeartbeatSubject(a.cfg.ID), protocol.HostHeartbeat{
		NodeID:       a.cfg.ID,
		Role:         a.cfg.Role,
		Capabilities: ConvertCapabilities(a.cfg.Capabilities),
		Timestamp:    time.Now().UTC(),
	})
}
