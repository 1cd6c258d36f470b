package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/generation"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/host"
	"github.com/loqalabs/loqa-voice/internal/hostregistry"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/queue"
	"github.com/loqalabs/loqa-voice/internal/script"
	"github.com/loqalabs/loqa-voice/internal/voicestore"
)

// Runtime is the voice daemon: storage, bus, inference gateway and the HTTP
// surface, started and stopped together.
type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *hostregistry.Registry
	history  *history.Store
	voices   *voicestore.Store
	gateway  *gateway.Gateway
	queue    *queue.Queue
	api      *api.Server
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, os.Stderr, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeComponents()

	if err := r.startComponents(ctx); err != nil {
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("inference_mode", r.cfg.Inference.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.queue.Stop()
	r.api.Wait()
	r.wg.Wait()

	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

// startComponents brings up storage, the bus, the inference gateway and the
// generation services in dependency order.
func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.history, err = history.Open(ctx, r.cfg.History, r.logger); err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if err := r.history.Ensure(); err != nil {
		return err
	}
	if r.voices, err = voicestore.Open(ctx, r.cfg.Voices, r.logger); err != nil {
		return fmt.Errorf("open voice store: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}

	spawner, err := r.newSpawner(ctx)
	if err != nil {
		return err
	}
	r.gateway = gateway.New(spawner, gateway.DirPurger{Dir: r.cfg.Inference.CacheDir}, gateway.ConfigFrom(r.cfg.Inference), r.logger)
	r.gateway.OnReset(func() {
		r.logger.Warn("inference host reset; speakers will be re-encoded on next use")
	})

	sampleRate := r.cfg.Generation.SampleRate
	orchestrator := generation.New(r.gateway, generation.OptionsFrom(r.cfg.Generation), r.logger)
	speakers := voicestore.NewSpeakers(r.voices, r.gateway)
	r.queue = queue.New(orchestrator, speakers, queue.Options{
		OutputDir:  r.cfg.Queue.OutputDir,
		SampleRate: sampleRate,
		Recorder:   r.history,
		Notify:     r.publishJobEvent,
	}, r.logger)

	scriptOpts := script.OptionsFrom(r.cfg.Script, sampleRate)
	r.api = api.New(ctx, api.Deps{
		Gateway:    r.gateway,
		Generator:  orchestrator,
		Queue:      r.queue,
		Voices:     r.voices,
		Speakers:   speakers,
		Narrator:   script.NewNarrator(orchestrator, r.gateway, scriptOpts, r.logger),
		VoiceCraft: script.NewVoiceCraft(orchestrator, r.gateway, scriptOpts, r.logger),
		History:    r.history,
	}, api.Options{
		SampleRate:          sampleRate,
		OutputDir:           r.cfg.Queue.OutputDir,
		DefaultExaggeration: r.cfg.Generation.DefaultExaggeration,
	}, r.logger)
	return nil
}

// startBus starts the embedded NATS server when configured and connects to
// the bus. Only the nats inference mode requires it.
func (r *Runtime) startBus(ctx context.Context) error {
	required := r.cfg.Inference.Mode == "nats"

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		if required {
			return err
		}
		r.logger.Warn("embedded NATS unavailable, job events disabled", slog.String("error", err.Error()))
		return nil
	}
	r.nats = embedded

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		if required {
			return err
		}
		r.logger.Warn("bus unavailable, job events disabled", slog.String("error", err.Error()))
		return nil
	}
	r.bus = client
	return nil
}

func (r *Runtime) newSpawner(ctx context.Context) (gateway.Spawner, error) {
	switch r.cfg.Inference.Mode {
	case "nats":
		registry, err := hostregistry.New(ctx, r.cfg.Node, r.bus, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start host registry: %w", err)
		}
		r.registry = registry
		return gateway.NewNATSSpawner(r.bus, registry, r.cfg.Inference.Capability, r.logger), nil
	case "local":
		return gateway.NewLocalSpawner(func() gateway.ServeFunc {
			return host.NewServer(host.NewMockModel(), r.logger).Serve
		}, r.logger), nil
	default:
		spawner, err := gateway.NewExecSpawner(r.cfg.Inference.Command, r.logger)
		if err != nil {
			return nil, err
		}
		return spawner, nil
	}
}

func (r *Runtime) publishJobEvent(ev protocol.JobEvent) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishJSON(protocol.SubjectJobEvents, ev); err != nil {
		r.logger.Warn("failed to publish job event", slog.String("job", ev.JobID), slog.String("error", err.Error()))
	}
}

func (r *Runtime) closeComponents() {
	if r.gateway != nil {
		if err := r.gateway.Close(); err != nil {
			r.logger.Warn("gateway close error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.voices != nil {
		_ = r.voices.Close()
	}
	_ = r.history.Close()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.registry == nil || r.registry.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
