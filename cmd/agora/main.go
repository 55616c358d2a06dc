// Agora runtime daemon: opens the store, wires the multi-agent runtime, and
// serves until signaled. Transports embed the library; this binary is the
// headless host.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/nevindra/agora"
	"github.com/nevindra/agora/internal/config"
	"github.com/nevindra/agora/observer"
	"github.com/nevindra/agora/provider/resolve"
	"github.com/nevindra/agora/store/postgres"
	"github.com/nevindra/agora/store/sqlite"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", getEnv("AGORA_CONFIG", ""), "path to agora.toml")
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	// 1. Environment + config
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", *envFile, "err", err)
	}
	cfg := config.Load(*configPath)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 2. Observability (optional)
	var (
		inst        *observer.Instruments
		obsShutdown func(context.Context) error
		tracer      agora.Tracer
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, rate := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{PerMillionTokens: rate}
		}
		var err error
		inst, obsShutdown, err = observer.Init(ctx, observer.Options{
			Endpoint: cfg.Observer.Endpoint,
			Pricing:  pricing,
		})
		if err != nil {
			logger.Error("observer init failed", "err", err)
			os.Exit(1)
		}
		tracer = observer.NewTracer(inst)
	}

	// 3. Bus + store
	bus := agora.NewBus(cfg.Bus.Capacity)

	var (
		store agora.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Store.Driver {
	case "postgres":
		var err error
		pool, err = pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Error("postgres connect failed", "err", err)
			os.Exit(1)
		}
		store = postgres.New(pool,
			postgres.WithLogger(logger),
			postgres.WithNotifier(agora.BusNotifier(bus)))
	default:
		store = sqlite.New(cfg.Store.Path,
			sqlite.WithLogger(logger),
			sqlite.WithNotifier(agora.BusNotifier(bus)))
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}

	// 4. Provider resolver
	resolver := resolve.Resolver(resolve.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		MaxAttempts: 3,
	})
	if inst != nil {
		resolver = observer.WrapResolver(resolver, cfg.LLM.Model, inst)
	}

	// 5. Runtime
	rt := agora.NewRuntime(agora.RuntimeConfig{
		Store:    store,
		Bus:      bus,
		Resolver: resolver,
		Shell: &agora.ShellRunner{
			Root:   cfg.Workspace.Root,
			Shell:  cfg.Workspace.Shell,
			Logger: logger,
		},
		Tracer:                 tracer,
		Logger:                 logger,
		MaxToolRounds:          cfg.Runner.MaxToolRounds,
		TaskTick:               time.Duration(cfg.Task.TickSeconds) * time.Second,
		TaskIdleCutoff:         int64(cfg.Task.IdleCutoffSeconds) * 1000,
		TaskAdjacentSimilarity: cfg.Task.AdjacentSimilarity,
		TaskRepeatThreshold:    cfg.Task.RepeatThreshold,
	})
	if err := rt.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	logger.Info("agora running",
		"driver", cfg.Store.Driver,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model)

	// 6. Await shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig)

	// 7. Graceful shutdown. Runners and task tickers stop; persisted task
	// state stays for the next Bootstrap to resume.
	rt.Close()
	if err := store.Close(); err != nil {
		logger.Error("store close failed", "err", err)
	}
	if pool != nil {
		pool.Close()
	}
	if obsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsShutdown(shutdownCtx); err != nil {
			logger.Error("observer shutdown failed", "err", err)
		}
	}
	logger.Info("shutdown complete")
}
