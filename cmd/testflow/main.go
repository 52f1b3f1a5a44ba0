// Testflow orchestrator server — hosts the agent fleet, the priority bus
// dispatcher, and the HTTP ingress surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/agents"
	"github.com/qa-toolchain/testflow/pkg/api"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/config"
	"github.com/qa-toolchain/testflow/pkg/database"
	"github.com/qa-toolchain/testflow/pkg/dispatch"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/generator"
	"github.com/qa-toolchain/testflow/pkg/locator"
	"github.com/qa-toolchain/testflow/pkg/metrics"
	"github.com/qa-toolchain/testflow/pkg/runner"
	"github.com/qa-toolchain/testflow/pkg/state"
	"github.com/qa-toolchain/testflow/pkg/store"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting testflow",
		"http_port", cfg.HTTP.Port,
		"executor_mode", cfg.Executor.Mode,
		"max_concurrency", cfg.Worker.MaxConcurrency)

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	stores := store.New(dbClient.DB())

	// 3. Redis-backed bus, shared state, event channel
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "addr", cfg.Redis.Addr(), "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to redis", "addr", cfg.Redis.Addr())

	m := metrics.New()

	messageBus := bus.New(rdb, bus.Config{
		QueueDefault:  cfg.Bus.QueueDefault,
		QueueHigh:     cfg.Bus.QueueHigh,
		QueueCritical: cfg.Bus.QueueCritical,
		QueueDead:     cfg.Bus.QueueDead,
		MaxRetries:    cfg.Bus.MaxRetries,
	}, m)

	sharedState := state.New(rdb, state.Config{
		Prefix:     cfg.State.Prefix,
		DefaultTTL: cfg.State.DefaultTTL,
	})

	publisher := events.NewPublisher(rdb, events.Config{Channel: cfg.Events.Channel})

	// 4. Collaborators
	gen := generator.NewClient(generator.Config{
		URL:     cfg.Generator.URL,
		APIKey:  cfg.Generator.APIKey,
		Timeout: cfg.Generator.Timeout,
	}, nil)
	testRunner := runner.New(os.Getenv("RUNNER_COMMAND"), nil, nil)

	// 5. Agents wrapped in runtimes
	runtimeOpts := agent.Options{
		HealthInterval:    cfg.Health.Interval,
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
		StartupTimeout:    cfg.Lifecycle.StartupTimeout,
		ShutdownTimeout:   cfg.Lifecycle.ShutdownTimeout,
	}

	handlers := []agent.Handler{
		agents.NewWriter(gen, stores.Artifacts, messageBus, publisher, cfg.Executor.TestsDir, nil),
		agents.NewExecutor(agents.ExecutorOptions{
			Mode:      string(cfg.Executor.Mode),
			Timeout:   cfg.Executor.Timeout(),
			ReportDir: cfg.Executor.ReportDir,
			TestsDir:  cfg.Executor.TestsDir,
		}, testRunner, stores.ExecutionReports, messageBus, publisher, sharedState, nil),
		agents.NewOptimizer(agents.OptimizerOptions{
			MaxAttempts: cfg.Optimizer.MaxAttempts,
			Backoff:     cfg.Optimizer.Backoff,
		}, sharedState, stores.Recommendations, stores.ExecutionReports, messageBus, nil),
		agents.NewLocator(locator.DefaultOptions(), messageBus, publisher, nil),
		agents.NewReporter(stores.ExecutionReports, stores.TestReports, publisher, cfg.Executor.ReportDir, ".", nil),
		agents.NewContextKeeper(sharedState, messageBus, nil),
		agents.NewLogKeeper(stores.Logs, publisher, cfg.SyslogPath, nil),
	}

	dispatcher := dispatch.New(messageBus, dispatch.Config{
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		PollTimeout:    cfg.Worker.PollTimeout,
		DrainTimeout:   cfg.Worker.DrainTimeout,
	}, m)

	runtimes := make([]*agent.Runtime, 0, len(handlers))
	for _, h := range handlers {
		rt := agent.NewRuntime(h, messageBus, publisher, map[string]agent.Pinger{"state": sharedState}, runtimeOpts, m)
		if err := rt.Initialize(ctx); err != nil {
			slog.Error("Failed to initialize agent", "agent", h.Type(), "error", err)
			os.Exit(1)
		}
		dispatcher.Attach(rt)
		runtimes = append(runtimes, rt)
	}
	slog.Info("Agents initialized", "count", len(runtimes))

	// 6. Dispatcher loop
	dispatcher.Start(ctx)

	// 7. HTTP server
	httpServer := api.NewServer(api.Config{
		Port:          cfg.HTTP.Port,
		WebhookSecret: cfg.HTTP.WebhookSecret,
	}, messageBus, stores, dbClient, dispatcher, m, nil)
	if err := httpServer.Start(); err != nil {
		slog.Error("Failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	slog.Info("Testflow started successfully")

	// 8. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// 9. Graceful shutdown: stop intake first, then agents, then HTTP.
	dispatcher.Stop()
	slog.Info("Dispatcher drained")

	for _, rt := range runtimes {
		if err := rt.Shutdown(ctx); err != nil {
			slog.Error("Agent shutdown error", "agent", rt.Type(), "error", err)
		}
	}
	slog.Info("Agents stopped")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
