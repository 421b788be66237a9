// Package app is the application bootstrap and dependency injection root.
// It creates and holds the shared infrastructure (DB pool, Redis client,
// MTProto client registry, Bot API sender), wires the relay services
// together, and serves the operational HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/auth"
	"github.com/keyxmakerx/relay/internal/botapi"
	"github.com/keyxmakerx/relay/internal/config"
	"github.com/keyxmakerx/relay/internal/cryptobox"
	"github.com/keyxmakerx/relay/internal/deliveries"
	"github.com/keyxmakerx/relay/internal/destinations"
	"github.com/keyxmakerx/relay/internal/forwarder"
	"github.com/keyxmakerx/relay/internal/middleware"
	"github.com/keyxmakerx/relay/internal/sessions"
	"github.com/keyxmakerx/relay/internal/sources"
	"github.com/keyxmakerx/relay/internal/telegram"
	"github.com/keyxmakerx/relay/internal/users"
)

// App holds all shared dependencies and the running service objects.
// Created once at startup in main and torn down on shutdown.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Echo   *echo.Echo

	Registry     *telegram.Registry
	Bot          *botapi.Sender
	SessionStore *sessions.Store
	Monitor      *sessions.Monitor
	Auth         *auth.Coordinator
	Sources      sources.SourceService
	Destinations destinations.DestinationService
	Ledger       *deliveries.Ledger
	Supervisor   *forwarder.Supervisor
	RetryWorker  *forwarder.RetryWorker

	userRepo users.UserRepository
}

// New wires the whole application together.
func New(cfg *config.Config, db *sql.DB, rdb *redis.Client, bot *botapi.Sender) *App {
	registry := telegram.NewRegistry(telegram.Options{
		APIID:                cfg.Telegram.APIID,
		APIHash:              cfg.Telegram.APIHash,
		MaxMessagesPerSecond: cfg.Telegram.MaxMessagesPerSecond,
	})

	userRepo := users.NewUserRepository(db)
	sessionRepo := sessions.NewSessionRepository(db)
	sourceRepo := sources.NewSourceRepository(db)
	destRepo := destinations.NewDestinationRepository(db)
	deliveryRepo := deliveries.NewDeliveryRepository(db)

	box := cryptobox.New(cfg.Crypto.SessionEncryptionKey)

	// Verification probes use throwaway clients so a bad session never
	// touches the pooled per-user client.
	prober := func(userID int64, sessionPlaintext string) sessions.Prober {
		return telegram.NewClient(userID, sessionPlaintext, telegram.Options{
			APIID:                cfg.Telegram.APIID,
			APIHash:              cfg.Telegram.APIHash,
			MaxMessagesPerSecond: cfg.Telegram.MaxMessagesPerSecond,
		})
	}
	store := sessions.NewStore(sessionRepo, box, prober)

	notify := bot.Notify

	resolver := &userResolver{store: store, registry: registry}
	ledger := deliveries.NewLedger(deliveryRepo, rdb)
	gate := forwarder.NewGate(rdb, cfg.Forwarder.FloodWaitMultiplier)

	supervisor := forwarder.NewSupervisor(
		&relayClients{registry: registry},
		store, sourceRepo, destRepo, userRepo, ledger, bot, gate, notify,
		cfg.Forwarder,
	)

	app := &App{
		Config:       cfg,
		DB:           db,
		Redis:        rdb,
		Registry:     registry,
		Bot:          bot,
		SessionStore: store,
		Monitor:      sessions.NewMonitor(store, userRepo, cfg.Forwarder.SessionCheckInterval, notify),
		Auth:         auth.NewCoordinator(&authClients{registry: registry}, store, userRepo, cfg.Auth, notify),
		Sources:      sources.NewSourceService(sourceRepo, resolver),
		Destinations: destinations.NewDestinationService(destRepo, resolver),
		Ledger:       ledger,
		Supervisor:   supervisor,
		RetryWorker:  forwarder.NewRetryWorker(ledger, supervisor, cfg.Forwarder),
		userRepo:     userRepo,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery())
	e.Use(middleware.RequestLogger())
	e.HTTPErrorHandler = app.errorHandler
	app.Echo = e

	return app
}

// errorHandler maps domain errors (AppError) to HTTP responses for the ops
// API. Internal causes are logged, never returned to the caller.
func (a *App) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "an unexpected error occurred"

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		code = statusForKind(appErr.Kind)
		message = appErr.Message

		if appErr.Internal != nil {
			slog.Error("internal error",
				slog.String("kind", string(appErr.Kind)),
				slog.Any("internal", appErr.Internal),
				slog.String("path", c.Request().URL.Path),
			)
		}
	} else {
		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			code = echoErr.Code
			if msg, ok := echoErr.Message.(string); ok {
				message = msg
			}
		} else {
			slog.Error("unhandled error",
				slog.Any("error", err),
				slog.String("path", c.Request().URL.Path),
			)
		}
	}

	if writeErr := c.JSON(code, map[string]string{"error": message}); writeErr != nil {
		slog.Error("writing error response", slog.Any("error", writeErr))
	}
}

func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindInputInvalid:
		return http.StatusUnprocessableEntity
	case apperror.KindConflict, apperror.KindNotConfigured, apperror.KindNoSession:
		return http.StatusConflict
	case apperror.KindRateLimited:
		return http.StatusTooManyRequests
	case apperror.KindAuthRejected, apperror.KindCodeInvalid, apperror.KindCodeExpired, apperror.KindPasswordInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// --- Wiring adapters ---

// userResolver resolves channel identifiers with the user's own logged-in
// client. Used by the source and destination services.
type userResolver struct {
	store    *sessions.Store
	registry *telegram.Registry
}

func (r *userResolver) Resolve(ctx context.Context, userID int64, ident telegram.Identifier) (telegram.ChatDescriptor, error) {
	sessionPlaintext, ok := r.store.Load(ctx, userID)
	if !ok {
		return telegram.ChatDescriptor{}, apperror.NewNoSession()
	}

	client := r.registry.Get(userID, sessionPlaintext)
	if err := client.Connect(ctx); err != nil {
		return telegram.ChatDescriptor{}, apperror.NewInternal(err)
	}
	return client.ResolveChat(ctx, ident)
}

// authClients hands the auth coordinator sessionless clients from the
// shared registry.
type authClients struct {
	registry *telegram.Registry
}

func (a *authClients) Sessionless(userID int64) auth.AuthClient {
	return a.registry.Get(userID, "")
}

func (a *authClients) Evict(userID int64) {
	a.registry.Remove(userID)
}

// relayClients acquires connected clients for the supervisor.
type relayClients struct {
	registry *telegram.Registry
}

func (p *relayClients) Acquire(ctx context.Context, userID int64, sessionPlaintext string) (forwarder.RelayClient, error) {
	client := p.registry.Get(userID, sessionPlaintext)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
