// Command loqa-voice-host serves the voice-cloning model to the daemon, either
// as a child process over stdio or as a node on the NATS bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/host"
	"github.com/loqalabs/loqa-voice/internal/hostregistry"
)

var version = "0.1.0-dev"

func main() {
	var (
		stdio       bool
		useNATS     bool
		mock        bool
		modelCmd    string
		configPath  string
		nodeID      string
		showVersion bool
	)
	flag.BoolVar(&stdio, "stdio", false, "Serve one session over stdin/stdout")
	flag.BoolVar(&useNATS, "nats", false, "Serve sessions over the NATS bus")
	flag.BoolVar(&mock, "mock", false, "Use the synthetic mock model")
	flag.StringVar(&modelCmd, "model-cmd", "", "Command running the model backend")
	flag.StringVar(&configPath, "config", "", "Path to configuration file (bus mode)")
	flag.StringVar(&nodeID, "node-id", "", "Node id announced on the bus")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if stdio == useNATS {
		fmt.Fprintln(os.Stderr, "expected exactly one of -stdio or -nats")
		os.Exit(2)
	}

	factory, err := modelFactory(mock, modelCmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stdio {
		// stdout carries the protocol; logs go to stderr.
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		if err := host.ServeStdio(ctx, factory(), os.Stdin, os.Stdout, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("host exited with error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := runBus(ctx, configPath, nodeID, factory); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func modelFactory(mock bool, command string) (host.ModelFactory, error) {
	if mock {
		return func() host.Model { return host.NewMockModel() }, nil
	}
	if command == "" {
		return nil, errors.New("either -mock or -model-cmd is required")
	}
	if _, err := host.NewExecModel(command); err != nil {
		return nil, err
	}
	return func() host.Model {
		m, _ := host.NewExecModel(command)
		return m
	}, nil
}

// runBus joins the bus, serves sessions addressed to this node and announces
// the node until ctx ends.
func runBus(ctx context.Context, configPath, nodeID string, factory host.ModelFactory) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	node := cfg.Node
	node.Role = "inference-host"
	if nodeID != "" {
		node.ID = nodeID
	} else if hostname, err := os.Hostname(); err == nil {
		node.ID = "loqa-voice-host-" + hostname
	}

	client, err := bus.Connect(ctx, node.ID, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	service := host.NewBusService(ctx, node.ID, client, factory, logger)
	if err := service.Start(); err != nil {
		return fmt.Errorf("start host service: %w", err)
	}
	defer service.Close()

	announcer, err := hostregistry.StartAnnouncer(ctx, node, client, logger)
	if err != nil {
		return fmt.Errorf("announce host: %w", err)
	}
	defer announcer.Close()

	logger.Info("inference host serving", slog.String("node", node.ID))
	<-ctx.Done()
	logger.Info("inference host stopping", slog.Int("sessions", service.Sessions()))
	return nil
}
