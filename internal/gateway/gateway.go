// Package gateway is the request/response client for an out-of-process
// inference host. It owns the host lifecycle, correlates replies with requests,
// and recovers model loads whose downloads stall.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"golang.org/x/sync/singleflight"
)

// Conn is one live inference host instance.
type Conn interface {
	Send(env protocol.Envelope) error
	// Messages is closed when the host goes away.
	Messages() <-chan protocol.Envelope
	Close() error
}

// Spawner creates fresh host instances.
type Spawner interface {
	Spawn(ctx context.Context) (Conn, error)
}

// Config sets request deadlines and the stall watchdog used while loading.
type Config struct {
	Device             string
	CacheDir           string
	RequestTimeout     time.Duration
	StallTimeout       time.Duration
	StallCheckInterval time.Duration
	MaxLoadRetries     int
}

func DefaultConfig() Config {
	return Config{
		Device:             "auto",
		RequestTimeout:     2 * time.Minute,
		StallTimeout:       20 * time.Second,
		StallCheckInterval: 3 * time.Second,
		MaxLoadRetries:     3,
	}
}

// ConfigFrom converts the inference section of the runtime config.
func ConfigFrom(cfg config.InferenceConfig) Config {
	return Config{
		Device:             cfg.Device,
		CacheDir:           cfg.CacheDir,
		RequestTimeout:     time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		StallTimeout:       time.Duration(cfg.StallTimeoutMS) * time.Millisecond,
		StallCheckInterval: time.Duration(cfg.StallCheckIntervalMS) * time.Millisecond,
		MaxLoadRetries:     cfg.MaxLoadRetries,
	}
}

type reply struct {
	env protocol.Envelope
	err error
}

// Gateway owns one inference host at a time. It spawns the host on first
// use, tracks which model and speakers that host holds, and forgets both
// whenever the host goes away.
type Gateway struct {
	spawner Spawner
	purger  CachePurger
	cfg     Config
	logger  *slog.Logger
	metrics *gatewayMetrics

	mu          sync.Mutex
	conn        Conn
	pending     map[string]chan reply
	loaded      bool
	// speakers maps encoded speaker ids to the fingerprint of their reference clip.
	speakers    map[string]string
	tracker     *progressTracker
	lastEvent   time.Time
	watchPaused bool
	closed      bool

	subsMu       sync.Mutex
	nextSub      int
	progressSubs map[int]func(LoadSnapshot)
	resetSubs    map[int]func()

	group singleflight.Group
}

// New builds a gateway. No host is started until the first request.
func New(spawner Spawner, purger CachePurger, cfg Config, logger *slog.Logger) *Gateway {
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaults.StallTimeout
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = defaults.StallCheckInterval
	}
	if cfg.MaxLoadRetries < 0 {
		cfg.MaxLoadRetries = 0
	}
	if purger == nil {
		purger = nopPurger{}
	}
	log := logger.With(slog.String("component", "inference-gateway"))
	return &Gateway{
		spawner:      spawner,
		purger:       purger,
		cfg:          cfg,
		logger:       log,
		metrics:      newGatewayMetrics(log),
		pending:      make(map[string]chan reply),
		speakers:     make(map[string]string),
		tracker:      newProgressTracker(),
		progressSubs: make(map[int]func(LoadSnapshot)),
		resetSubs:    make(map[int]func()),
	}
}

func (g *Gateway) IsLoaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loaded
}

func (g *Gateway) IsSpeakerEncoded(speakerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.speakers[speakerID]
	return ok
}

// Progress returns the latest download snapshot.
func (g *Gateway) Progress() LoadSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracker.snapshot()
}

// Healthy reports whether a host is attached and the model is usable.
func (g *Gateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed && g.conn != nil && g.loaded
}

// Subscribe registers a listener for download progress snapshots.
func (g *Gateway) Subscribe(fn func(LoadSnapshot)) func() {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	id := g.nextSub
	g.nextSub++
	g.progressSubs[id] = fn
	return func() {
		g.subsMu.Lock()
		defer g.subsMu.Unlock()
		delete(g.progressSubs, id)
	}
}

// OnReset registers a listener fired whenever the host is discarded and all
// loaded state is lost.
func (g *Gateway) OnReset(fn func()) func() {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	id := g.nextSub
	g.nextSub++
	g.resetSubs[id] = fn
	return func() {
		g.subsMu.Lock()
		defer g.subsMu.Unlock()
		delete(g.resetSubs, id)
	}
}

func (g *Gateway) CheckCapability(ctx context.Context) (protocol.CapabilityResult, error) {
	var result protocol.CapabilityResult
	env, err := g.call(ctx, protocol.TypeCheckCapability, nil)
	if err != nil {
		return result, err
	}
	if err := env.Decode(&result); err != nil {
		return result, err
	}
	return result, nil
}

// Load brings the model up, restarting the host when the download stalls.
// Concurrent callers share one load.
func (g *Gateway) Load(ctx context.Context) error {
	_, err, _ := g.group.Do("load", func() (any, error) {
		return nil, g.load(ctx)
	})
	return err
}

// EncodeSpeaker stores samples on the host under speakerID, replacing any
// earlier encoding of that id.
func (g *Gateway) EncodeSpeaker(ctx context.Context, speakerID string, samples []float32) error {
	return g.encodeSpeaker(ctx, speakerID, samples, audio.Fingerprint(samples))
}

func (g *Gateway) encodeSpeaker(ctx context.Context, speakerID string, samples []float32, fingerprint string) error {
	if !g.IsLoaded() {
		return ErrModelNotLoaded
	}
	_, err := g.call(ctx, protocol.TypeEncodeSpeaker, protocol.EncodeSpeakerRequest{
		SpeakerID: speakerID,
		Audio:     samples,
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.speakers[speakerID] = fingerprint
	g.mu.Unlock()
	return nil
}

// EnsureSpeaker encodes the speaker unless the current host already holds
// an encoding of these exact samples under speakerID. A changed reference
// clip is re-encoded.
func (g *Gateway) EnsureSpeaker(ctx context.Context, speakerID string, samples []float32) error {
	fingerprint := audio.Fingerprint(samples)
	if g.encodedAs(speakerID, fingerprint) {
		return nil
	}
	_, err, _ := g.group.Do("speaker:"+speakerID+":"+fingerprint, func() (any, error) {
		if g.encodedAs(speakerID, fingerprint) {
			return nil, nil
		}
		if g.IsSpeakerEncoded(speakerID) {
			g.logger.Info("reference audio changed, re-encoding speaker", slog.String("speaker", speakerID))
		}
		return nil, g.encodeSpeaker(ctx, speakerID, samples, fingerprint)
	})
	return err
}

func (g *Gateway) encodedAs(speakerID, fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	fp, ok := g.speakers[speakerID]
	return ok && fp == fingerprint
}

// Generate synthesizes one chunk. Word timestamps are requested first and
// dropped when the host cannot produce them.
func (g *Gateway) Generate(ctx context.Context, text, speakerID string, exaggeration float64) (audio.Result, error) {
	if !g.IsLoaded() {
		return audio.Result{}, ErrModelNotLoaded
	}
	start := time.Now()
	req := protocol.GenerateRequest{
		Text:           text,
		SpeakerID:      speakerID,
		Exaggeration:   exaggeration,
		WordTimestamps: true,
	}
	supported := true
	env, err := g.call(ctx, protocol.TypeGenerate, req)
	if err != nil && isTimestampsUnsupported(err) {
		g.logger.Debug("host cannot produce word timestamps, retrying without them")
		req.WordTimestamps = false
		supported = false
		env, err = g.call(ctx, protocol.TypeGenerate, req)
	}
	if err != nil {
		return audio.Result{}, err
	}

	var out protocol.GenerateResult
	if err := env.Decode(&out); err != nil {
		return audio.Result{}, err
	}
	elapsed := time.Duration(out.InferenceMS * float64(time.Millisecond))
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	g.metrics.recordGenerate(ctx, elapsed)

	result := audio.Result{
		Waveform:            out.Waveform,
		InferenceTime:       elapsed,
		TimestampsSupported: supported,
	}
	if supported && out.WordTimestamps != nil {
		result.WordTimestamps = out.WordTimestamps
	}
	return result, nil
}

// Close shuts the host down and fails every outstanding call.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.loaded = false
	pending := g.takePendingLocked()
	g.mu.Unlock()

	failAll(pending, ErrClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type loadOutcome int

const (
	loadFinished loadOutcome = iota
	loadStalled
)

func (g *Gateway) load(ctx context.Context) error {
	if g.IsLoaded() {
		return nil
	}
	retries := 0
	for {
		conn, err := g.ensureConn(ctx)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		ch := make(chan reply, 1)
		g.mu.Lock()
		g.pending[id] = ch
		g.tracker.reset()
		g.lastEvent = time.Now()
		g.watchPaused = false
		g.mu.Unlock()

		env, err := protocol.NewEnvelope(id, protocol.TypeLoad, protocol.LoadRequest{
			Device:   g.cfg.Device,
			CacheDir: g.cfg.CacheDir,
		})
		if err == nil {
			err = conn.Send(env)
		}
		if err != nil {
			g.unregister(id)
			return fmt.Errorf("send load: %w", err)
		}
		g.metrics.countRequest(ctx, protocol.TypeLoad)

		outcome, err := g.watchLoad(ctx, conn, id, ch)
		if outcome == loadFinished {
			return err
		}

		files := g.incompleteAssets()
		if retries >= g.cfg.MaxLoadRetries {
			g.detach(conn)
			g.broadcastReset()
			g.logger.Error("model download stalled, giving up", slog.Int("retries", retries))
			return &StallError{Retries: retries}
		}
		retries++
		g.metrics.countRetry(ctx)
		g.logger.Warn("model download stalled, restarting host",
			slog.Int("retry", retries),
			slog.Int("max_retries", g.cfg.MaxLoadRetries),
			slog.Int("incomplete_assets", len(files)))

		g.detach(conn)
		if err := g.purger.Purge(ctx, files); err != nil {
			g.logger.Warn("cache purge failed", slogError(err))
		}
		g.broadcastReset()
	}
}

func (g *Gateway) watchLoad(ctx context.Context, conn Conn, id string, ch <-chan reply) (loadOutcome, error) {
	ticker := time.NewTicker(g.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return loadFinished, r.err
			}
			if r.env.Type == protocol.TypeError {
				return loadFinished, hostError(r.env.Error)
			}
			var result protocol.LoadResult
			if len(r.env.Data) > 0 {
				if err := r.env.Decode(&result); err != nil {
					g.logger.Warn("malformed load reply", slogError(err))
				}
			}
			g.mu.Lock()
			if g.conn == conn {
				g.loaded = true
			}
			g.mu.Unlock()
			g.logger.Info("model loaded", slog.String("device", result.Device))
			return loadFinished, nil
		case <-ctx.Done():
			g.unregister(id)
			return loadFinished, ctx.Err()
		case <-ticker.C:
			if g.stalled() {
				g.unregister(id)
				return loadStalled, nil
			}
		}
	}
}

func (g *Gateway) stalled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watchPaused {
		return false
	}
	return time.Since(g.lastEvent) >= g.cfg.StallTimeout
}

func (g *Gateway) incompleteAssets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracker.incomplete()
}

func (g *Gateway) call(ctx context.Context, msgType string, payload any) (protocol.Envelope, error) {
	conn, err := g.ensureConn(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(id, msgType, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	ch := make(chan reply, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()

	if err := conn.Send(env); err != nil {
		g.unregister(id)
		return protocol.Envelope{}, fmt.Errorf("send %s: %w", msgType, err)
	}
	g.metrics.countRequest(ctx, msgType)

	timer := time.NewTimer(g.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.Envelope{}, r.err
		}
		if r.env.Type == protocol.TypeError {
			return protocol.Envelope{}, hostError(r.env.Error)
		}
		if r.env.Type != protocol.Complete(msgType) {
			return protocol.Envelope{}, fmt.Errorf("unexpected reply %q to %s", r.env.Type, msgType)
		}
		return r.env, nil
	case <-ctx.Done():
		g.unregister(id)
		return protocol.Envelope{}, ctx.Err()
	case <-timer.C:
		g.unregister(id)
		return protocol.Envelope{}, fmt.Errorf("%s: %w", msgType, ErrRequestTimeout)
	}
}

func (g *Gateway) ensureConn(ctx context.Context) (Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if g.conn != nil {
		return g.conn, nil
	}
	conn, err := g.spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn inference host: %w", err)
	}
	g.conn = conn
	g.logger.Info("inference host started")
	go g.read(conn)
	return conn, nil
}

func (g *Gateway) read(conn Conn) {
	for env := range conn.Messages() {
		g.dispatch(conn, env)
	}

	g.mu.Lock()
	current := g.conn == conn
	var pending map[string]chan reply
	if current {
		g.conn = nil
		g.clearStateLocked()
		pending = g.takePendingLocked()
	}
	g.mu.Unlock()

	if current {
		g.logger.Warn("inference host exited unexpectedly", slog.Int("pending", len(pending)))
		failAll(pending, ErrHostExited)
		g.broadcastReset()
	}
}

func (g *Gateway) dispatch(conn Conn, env protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeLoadProgress:
		var p protocol.LoadProgress
		if err := env.Decode(&p); err != nil {
			g.logger.Warn("malformed progress event", slogError(err))
			return
		}
		g.mu.Lock()
		if g.conn != conn {
			g.mu.Unlock()
			return
		}
		snap := g.tracker.apply(p)
		g.lastEvent = time.Now()
		g.watchPaused = g.tracker.allDone()
		g.mu.Unlock()
		g.publish(snap)

	case env.Type == protocol.TypeError && env.ID == "":
		err := hostError(env.Error)
		g.mu.Lock()
		pending := g.takePendingLocked()
		g.mu.Unlock()
		g.logger.Warn("inference host reported an error", slogError(err), slog.Int("pending", len(pending)))
		failAll(pending, err)

	default:
		g.mu.Lock()
		ch, ok := g.pending[env.ID]
		delete(g.pending, env.ID)
		g.mu.Unlock()
		if !ok {
			g.logger.Debug("dropping unmatched reply", slog.String("type", env.Type), slog.String("id", env.ID))
			return
		}
		ch <- reply{env: env}
	}
}

// detach closes conn and forgets everything tied to it.
func (g *Gateway) detach(conn Conn) {
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
		g.clearStateLocked()
	}
	g.mu.Unlock()
	if err := conn.Close(); err != nil {
		g.logger.Debug("closing inference host", slogError(err))
	}
}

func (g *Gateway) clearStateLocked() {
	g.loaded = false
	g.speakers = make(map[string]string)
}

func (g *Gateway) takePendingLocked() map[string]chan reply {
	pending := g.pending
	g.pending = make(map[string]chan reply)
	return pending
}

func (g *Gateway) unregister(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gateway) publish(snap LoadSnapshot) {
	g.subsMu.Lock()
	subs := make([]func(LoadSnapshot), 0, len(g.progressSubs))
	for _, fn := range g.progressSubs {
		subs = append(subs, fn)
	}
	g.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (g *Gateway) broadcastReset() {
	g.subsMu.Lock()
	subs := make([]func(), 0, len(g.resetSubs))
	for _, fn := range g.resetSubs {
		subs = append(subs, fn)
	}
	g.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func failAll(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
