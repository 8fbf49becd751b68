package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/nlaroche/glazebot/pkg/bridge"
	"github.com/nlaroche/glazebot/pkg/capture"
	"github.com/nlaroche/glazebot/pkg/commentary"
	"github.com/nlaroche/glazebot/pkg/config"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
	"github.com/nlaroche/glazebot/pkg/core/voice/tts"
	"github.com/nlaroche/glazebot/pkg/memory"
	"github.com/nlaroche/glazebot/pkg/metrics"
)

const tracerName = "github.com/nlaroche/glazebot/commentary"

// runtime is the wired commentary stack.
type runtime struct {
	bus     *commentary.Bus
	engine  *commentary.Engine
	hub     *bridge.Hub
	server  *bridge.Server
	metrics *metrics.Metrics
	debug   *commentary.DebugLogger
	store   *memory.SQLiteStore
}

func buildRuntime(cfg config.Config, roster config.Roster, logger *slog.Logger, deps appDeps) (*runtime, error) {
	bus := commentary.NewBus(logger)
	history := commentary.NewHistory()
	scheduler := commentary.NewScheduler(roster.Weights(), roster.Prompts(), nil)
	creds := commentary.StaticToken(cfg.AccessToken)
	fn := functions.New(cfg.FunctionsBaseURL)

	player := commentary.NewTtsPlayer(bus, tts.NewHosted(cfg.FunctionsBaseURL), deps.newOutput(cfg),
		commentary.WithStreaming(cfg.StreamingTTS))

	instructions := cfg.Instructions
	if instructions == "" {
		instructions = roster.Instructions
	}
	pipeline := commentary.NewPipeline(bus, history, fn, creds, player,
		commentary.WithInstructions(instructions),
		commentary.WithLinePause(cfg.LinePause),
		commentary.WithTracer(otel.Tracer(tracerName)),
	)

	grabber := capture.NewCommandGrabber(cfg.CaptureCommand[0], cfg.CaptureCommand[1:]...)
	contextLoop := commentary.NewContextLoop(bus, grabber, fn, creds, cfg.ContextLoop(), logger)

	rt := &runtime{bus: bus}
	edeps := commentary.EngineDeps{
		Bus:         bus,
		History:     history,
		Scheduler:   scheduler,
		Pipeline:    pipeline,
		Grabber:     grabber,
		ContextLoop: contextLoop,
		Logger:      logger,
	}
	if cfg.MemoryDB != "" {
		store, err := deps.openStore(cfg.MemoryDB)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		rt.store = store
		edeps.Memories = store
		edeps.Extractor = commentary.NewMemoryExtractor(bus, history, fn, creds, store, contextLoop.DetectedGame, logger)
	}
	rt.engine = commentary.NewEngine(edeps, cfg.Engine())

	rt.metrics = metrics.NewMetrics("glazebot")
	rt.metrics.Attach(bus)
	rt.debug = commentary.NewDebugLogger(logger, commentary.WithTimingSink(rt.metrics.RecordTtsTiming))
	rt.debug.Attach(bus)

	rt.hub = bridge.NewHub(logger)
	rt.hub.Attach(bus)
	rt.server = bridge.New(rt.hub, rt.engine,
		bridge.WithLogger(logger),
		bridge.WithMetricsHandler(rt.metrics.Handler()),
		bridge.WithAllowedOrigins(cfg.BridgeOrigins...),
	)
	return rt, nil
}

func (rt *runtime) close() {
	rt.engine.Close()
	rt.server.Close()
	rt.hub.Detach()
	rt.debug.Detach()
	rt.metrics.Detach()
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

func newRunCmd(deps appDeps, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start live commentary and the overlay bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommentary(cmd.Context(), deps, stderr)
		},
	}
}

func runCommentary(ctx context.Context, deps appDeps, stderr io.Writer) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	roster, err := deps.loadRoster(cfg.RosterPath)
	if err != nil {
		return err
	}
	personas := roster.Roster()
	if len(personas) == 0 {
		return fmt.Errorf("roster %s has no personas", cfg.RosterPath)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger := newLogger(stderr, level)

	rt, err := buildRuntime(cfg, roster, logger, deps)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting commentary",
		"source_id", cfg.SourceID,
		"personas", len(personas),
		"bridge_addr", cfg.BridgeAddr,
		"memories", cfg.MemoryDB != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.server.ListenAndServe(gctx, cfg.BridgeAddr, cfg.ShutdownGracePeriod)
	})
	g.Go(func() error {
		rt.engine.Start(gctx, cfg.SourceID, personas)
		<-gctx.Done()
		rt.engine.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("commentary stopped")
	return nil
}
