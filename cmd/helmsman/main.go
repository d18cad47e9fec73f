// Command helmsman runs the orchestration engine: HTTP API, event delivery,
// agent scheduler, and the manager control loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/helmsman-project/helmsman/pkg/agents"
	"github.com/helmsman-project/helmsman/pkg/api"
	"github.com/helmsman-project/helmsman/pkg/classifier"
	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/orchestrator"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/quality"
	"github.com/helmsman-project/helmsman/pkg/retrieval"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
	"github.com/helmsman-project/helmsman/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding helmsman.yaml, prompts.yaml and .env")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// Best effort; the .env file is a development convenience.
	_ = godotenv.Load(filepath.Join(*configDir, ".env"))

	setupLogging(*logLevel)

	cfg, promptOverrides, err := config.Initialize(*configDir)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// origin tags NOTIFY payloads so a replica skips its own events when
	// they come back over LISTEN.
	origin := uuid.NewString()

	var (
		sessions store.SessionStore
		history  events.History
		sink     events.Sink
		pg       *store.PostgresStore
	)
	if cfg.Database.Enabled {
		pg, err = store.NewPostgresStore(ctx, cfg.Database, origin)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		sessions, history, sink = pg, pg, pg
		slog.Info("Using PostgreSQL store",
			"host", cfg.Database.Host, "database", cfg.Database.Database)
	} else {
		mem := store.NewMemoryStore()
		sessions, history, sink = mem, mem, mem
		slog.Info("Using in-memory store, sessions will not survive a restart")
	}

	bus := events.NewBus(sink, cfg.Events.SubscriberBuffer)

	var listener *events.NotifyListener
	if cfg.Database.Enabled {
		listener = events.NewNotifyListener(cfg.Database.DSN(), origin, bus, history)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("failed to start NOTIFY listener: %w", err)
		}
	}

	gateway, err := llm.NewGateway(cfg.LLM)
	if err != nil {
		return err
	}
	prompts := prompt.NewRegistry(promptOverrides)

	stores, err := retrieval.NewRegistry(cfg.Retrieval)
	if err != nil {
		return err
	}
	svc := retrieval.NewService(cfg.Retrieval, stores, gateway, prompts, stores.Embedder().ModelID)

	registry := scheduler.NewRegistry()
	for _, agent := range []scheduler.Agent{
		agents.NewChatAgent(gateway, prompts),
		agents.NewResearchAgent(svc, gateway, prompts),
		agents.NewComputeAgent(gateway, prompts),
		agents.NewTranslatorAgent(gateway, prompts),
		agents.NewSummarizerAgent(gateway, prompts),
		agents.NewToolAgent(),
	} {
		if err := registry.Register(agent); err != nil {
			return err
		}
	}

	sched := scheduler.New(cfg.Scheduler, registry, bus)
	sched.Start()

	manager := orchestrator.New(
		cfg,
		sessions,
		sched,
		registry,
		classifier.New(gateway, prompts, cfg.Orchestrator.Greetings),
		quality.NewController(gateway, prompts),
		gateway,
		prompts,
		bus,
	)

	server := api.NewServer(cfg, sessions, history, bus, manager, sched, gateway, stores, svc)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then drain inward: control loop,
	// scheduler, event plumbing, storage.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	manager.Stop()
	sched.Stop()
	if listener != nil {
		listener.Stop(shutdownCtx)
	}
	bus.Stop()
	if pg != nil {
		if err := pg.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

func defaultConfigDir() string {
	if dir := os.Getenv("HELMSMAN_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
