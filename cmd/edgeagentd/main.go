// Command edgeagentd runs the orchestrator as a long-lived process: load
// the chat's current model, drive generations submitted over stdin (one
// prompt per line, for local smoke-testing), and shut down cleanly on
// SIGINT/SIGTERM. It wires a no-op LLMSession/Tooling/ContextBuilder stub
// (stub.go) rather than a real backend, so it runs against any chat row in
// the database without weights, a sandbox, or a template engine present.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	edgeagent "github.com/edgeagent/runtime"
	"github.com/edgeagent/runtime/internal/config"
	"github.com/edgeagent/runtime/observability"
	"github.com/edgeagent/runtime/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to edgeagent.toml (defaults to ./edgeagent.toml if present)")
	chatID := flag.String("chat", "", "chat id to load and generate against")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *chatID == "" {
		log.Fatal("edgeagentd: -chat is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := db.Init(ctx); err != nil {
		log.Fatalf("edgeagentd: init database: %v", err)
	}

	var tracer edgeagent.Tracer
	var recorder *observability.Recorder
	if cfg.Observer.Enabled {
		inst, shutdown, err := observability.Init(ctx)
		if err != nil {
			log.Fatalf("edgeagentd: init observability: %v", err)
		}
		tracer = observability.NewTracer()
		recorder = observability.NewRecorder(inst)
		defer func() { _ = shutdown(context.Background()) }()
	}

	model := edgeagent.NewModelStateCoordinator(db,
		edgeagent.WithCoordinatorLogger(logger),
		edgeagent.WithGGUFSession(newLocalSession),
		edgeagent.WithMLXSession(newLocalSession),
		edgeagent.WithRemoteSession(func(edgeagent.SendableModel) (edgeagent.LLMSession, error) { return newLocalSession() }),
	)

	orch := edgeagent.NewOrchestrator(edgeagent.OrchestratorConfig{
		DB:                       db,
		Builder:                  localBuilder{},
		Model:                    model,
		Tooling:                  localTooling{},
		Logger:                   logger,
		Tracer:                   tracer,
		MaxIterations:            cfg.Model.MaxIterations,
		ThrottleInterval:         time.Duration(cfg.Model.ThrottleIntervalMs) * time.Millisecond,
		FlushPrompt:              cfg.Model.FlushPrompt,
		ContextPressureThreshold: cfg.Compaction.ContextPressureThreshold,
	})
	defer orch.Teardown(context.Background())

	events, unsubscribe := orch.Events()
	defer unsubscribe()
	if recorder != nil {
		recorderEvents, unsubscribeRecorder := orch.Events()
		defer unsubscribeRecorder()
		go recorder.Run(ctx, recorderEvents)
	}
	go logEvents(logger, events)

	if err := orch.Load(ctx, *chatID); err != nil {
		log.Fatalf("edgeagentd: load model: %v", err)
	}

	fmt.Fprintln(os.Stderr, "edgeagentd: ready, enter a prompt per line (Ctrl-D to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		prompt := scanner.Text()
		if prompt == "" {
			continue
		}
		result, err := orch.Generate(ctx, prompt, edgeagent.NewTextGeneration())
		if err != nil {
			logger.Error("edgeagentd: generation failed", "err", err)
			continue
		}
		fmt.Println(result.FinalChannel)
	}
}

func logEvents(logger *slog.Logger, events <-chan edgeagent.AgentEvent) {
	for ev := range events {
		if ev.Kind == edgeagent.EventTextDelta {
			continue
		}
		logger.Debug("edgeagentd: event", "kind", ev.Kind)
	}
}
