// LiveRelay - live chat relay with moderation and suggested replies
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/liverelay/internal/admission"
	"github.com/ashureev/liverelay/internal/api"
	"github.com/ashureev/liverelay/internal/config"
	"github.com/ashureev/liverelay/internal/gateway"
	"github.com/ashureev/liverelay/internal/identity"
	"github.com/ashureev/liverelay/internal/live"
	"github.com/ashureev/liverelay/internal/middleware"
	"github.com/ashureev/liverelay/internal/provider"
	"github.com/ashureev/liverelay/internal/registry"
	"github.com/ashureev/liverelay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	clock := clockwork.NewRealClock()
	reg := registry.New()
	limiter := admission.NewLimiter(admission.Config{
		Enabled:      cfg.Admission.Enabled,
		MaxPerClient: cfg.Admission.MaxPerClient,
		MaxGlobal:    cfg.Admission.MaxGlobal,
		MaxRequests:  cfg.Admission.MaxRequestsPerMinute,
		Window:       time.Minute,
		Logger:       logger,
	}, clock)

	connector := live.NewBridgeConnector(live.BridgeConfig{
		URL:       cfg.Live.BridgeURL,
		SessionID: cfg.Live.SessionID,
	}, logger)
	if cfg.Live.SessionID == "" {
		slog.Warn("No live session id configured, some rooms may refuse subscription")
	}

	providers := provider.NewFactory(provider.Config{
		OpenAIKey:       cfg.Providers.OpenAIKey,
		OpenAIBaseURL:   cfg.Providers.OpenAIBaseURL,
		ModerationModel: cfg.Providers.ModerationModel,
		ChatModel:       cfg.Providers.ChatModel,
		OllamaHost:      cfg.Providers.OllamaHost,
		OllamaModel:     cfg.Providers.OllamaModel,
		SystemPrompt:    cfg.Providers.SystemPrompt,
		HTTPClient:      &http.Client{Timeout: cfg.Providers.Timeout},
	})
	models := providers.Models()
	if cfg.Providers.OpenAIKey == "" {
		slog.Info("OPENAI_API_KEY not set, hosted enrichment requires a client key")
	}

	hub := gateway.NewHub()
	wsHandler := gateway.NewHandler(gateway.Config{
		AllowedOrigin:     cfg.FrontendURL,
		IsDev:             cfg.IsDevelopment(),
		ConnectTimeout:    cfg.Live.ConnectTimeout,
		ReconnectCooldown: cfg.Live.ReconnectCooldown,
		ProviderTimeout:   cfg.Providers.Timeout,
	}, gateway.Deps{
		Connector: connector,
		Limiter:   limiter,
		Registry:  reg,
		Providers: providers,
		Models:    models,
		Users:     repo,
		Hub:       hub,
		Clock:     clock,
		Logger:    logger,
	})
	apiHandler := api.NewHandler(repo, models)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware())

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Create server.
	// WriteTimeout stays 0; client channels are long lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Client channels are hijacked and outlive Shutdown; tie them to ctx.
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	// Start background workers.
	limiter.StartEviction(ctx)
	hub.StartStatisticWorker(ctx, clock, cfg.Live.StatisticInterval, reg)
	slog.Info("Background workers started", "statistic_interval", cfg.Live.StatisticInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully", "active_upstreams", reg.Count())
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
