// Package hostregistry tracks inference hosts that join over NATS and lets a
// host process advertise itself.
package hostregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Capabilities []protocol.Capability `json:"capabilities"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

// Registry is the daemon-side view of inference hosts on the bus.
type Registry struct {
	timeout time.Duration
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	nodes   map[string]*NodeInfo
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
	now     func() time.Time
}

func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		timeout: time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		log:     log.With(slog.String("component", "host-registry")),
		bus:     busClient,
		nodes:   make(map[string]*NodeInfo),
		meter:   otel.Meter("github.com/loqalabs/loqa-voice/hostregistry"),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Healthy reports whether the registry is listening on the bus.
func (r *Registry) Healthy() bool {
	return len(r.subs) == 2 && r.bus.Healthy()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectHostAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHostHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.HostAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	if r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp) {
		r.log.Info("inference host joined", slog.String("node", announcement.NodeID))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.HostHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, hb.Role, hb.Capabilities, hb.Timestamp)
}

// updateNode records a sighting and reports whether the node is new.
func (r *Registry) updateNode(nodeID, role string, capabilities []protocol.Capability, timestamp time.Time) bool {
	if nodeID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
			r.log.Warn("inference host missed heartbeats", slog.String("node", node.ID))
		}
	}
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		copy := *node
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Node returns the current view of one host.
func (r *Registry) Node(id string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *node, true
}

// Pick returns the most recently seen healthy host offering capability.
func (r *Registry) Pick(capability string) (NodeInfo, bool) {
	candidates := r.Query(func(n NodeInfo) bool {
		return n.Healthy && WithCapabilityFilter(capability)(n)
	})
	if len(candidates) == 0 {
		return NodeInfo{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LastSeen.After(best.LastSeen) {
			best = c
		}
	}
	return best, true
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.hosts.healthy", metric.WithDescription("Number of healthy inference hosts"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.healthyCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, node := range r.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, cap := range node.Capabilities {
			if cap.Name == name {
				return true
			}
		}
		return false
	}
}

func ConvertCapabilities(source []config.NodeCapability) []protocol.Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]protocol.Capability, 0, len(source))
	for _, cap := range source {
		result = append(result, protocol.Capability{
			Name:       cap.Name,
			Tier:       cap.Tier,
			Attributes: cap.Attributes,
		})
	}
	return result
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
