// Package main is the entry point for the relay daemon. It loads
// configuration, establishes database connections, wires the relay engine
// together, bootstraps forwarders for every configured user, and starts
// the background workers and the operational HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyxmakerx/relay/internal/app"
	"github.com/keyxmakerx/relay/internal/botapi"
	"github.com/keyxmakerx/relay/internal/config"
	"github.com/keyxmakerx/relay/internal/database"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting relay",
		slog.String("env", cfg.Env),
		slog.Int("admin_port", cfg.AdminPort),
	)

	// --- Connect to MariaDB ---
	db, err := database.NewMariaDB(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to MariaDB", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to MariaDB")

	if err := database.RunMigrations(db); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// --- Connect to Redis ---
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to Redis")

	// --- Authenticate the companion bot ---
	bot, err := botapi.New(cfg.Telegram.BotToken)
	if err != nil {
		slog.Error("failed to authenticate bot", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("bot authenticated", slog.String("username", bot.Username()))

	// --- Create Application ---
	application := app.New(cfg, db, rdb, bot)
	application.RegisterRoutes()

	workerCtx, stopWorkers := context.WithCancel(context.Background())

	// Start relaying for every user with a session and sources, then the
	// background workers.
	application.Supervisor.Bootstrap(workerCtx)
	go application.Monitor.Run(workerCtx)
	go application.RetryWorker.Run(workerCtx)

	// --- Graceful Shutdown ---
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down...")

		stopWorkers()
		application.Supervisor.StopAll()
		application.Registry.CloseAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Echo.Shutdown(ctx); err != nil {
			slog.Error("server forced shutdown", slog.Any("error", err))
		}
	}()

	// --- Start the ops API ---
	if err := application.Echo.Start(fmt.Sprintf(":%d", cfg.AdminPort)); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("bye")
}

// setupLogging configures the global slog logger. Console format uses the
// text handler for readability; json is for structured log aggregation.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}
