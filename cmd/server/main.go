// AgentQuest - conversational agents with achievements
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

	"github.com/ashureev/agentquest/internal/achievement"
	"github.com/ashureev/agentquest/internal/api"
	"github.com/ashureev/agentquest/internal/chat"
	"github.com/ashureev/agentquest/internal/config"
	"github.com/ashureev/agentquest/internal/grpchealth"
	"github.com/ashureev/agentquest/internal/identity"
	"github.com/ashureev/agentquest/internal/middleware"
	"github.com/ashureev/agentquest/internal/notify"
	"github.com/ashureev/agentquest/internal/runner"
	"github.com/ashureev/agentquest/internal/scheduler"
	"github.com/ashureev/agentquest/internal/store"
	"github.com/ashureev/agentquest/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
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

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, store.WithLogger(logger))
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

	if cfg.AgentSeedFile != "" {
		profiles, err := store.LoadSeedFile(cfg.AgentSeedFile)
		if err != nil {
			slog.Error("Failed to load agent seed file", "path", cfg.AgentSeedFile, "error", err)
			os.Exit(1)
		}
		n, err := store.SeedAgents(context.Background(), repo, profiles, false)
		if err != nil {
			slog.Error("Failed to seed agents", "error", err)
			os.Exit(1)
		}
		slog.Info("Seeded agents", "path", cfg.AgentSeedFile, "added", n)
	}

	models, err := runner.NewProviderRouter(context.Background(), providerKeys(cfg.Providers))
	if err != nil {
		slog.Error("Failed to initialize model providers", "error", err)
		os.Exit(1)
	}
	if models.Empty() {
		slog.Warn("No model provider configured, turns will fail")
	}

	pool := worker.New(worker.Config(cfg.Worker), logger)

	hub := notify.NewHub(cfg.CORSOrigins, logger)
	notifiers := notify.Fanout{hub, notify.Log{Logger: logger}}
	vapidKey := ""
	var pushSender api.PushSender
	if cfg.Push.Enabled() {
		push := notify.NewWebPush(repo, notify.WebPushConfig{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
			TTL:             cfg.Push.TTL,
		}, logger)
		notifiers = append(notifiers, push)
		vapidKey = push.PublicKey()
		pushSender = push
		slog.Info("Web Push enabled")
	}

	engine := achievement.NewEngine(repo, repo, models, notifiers, achievement.EngineConfig{
		JudgeModel: cfg.Judge.Model,
	}, logger)
	generator := achievement.NewGenerator(repo, models, achievement.GeneratorConfig(cfg.Generation), logger)

	convLog, err := chat.NewConversationLogger(chat.ConversationLogConfig(cfg.ConversationLog), logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	orch := chat.NewOrchestrator(repo, repo, models, engine, pool,
		chat.OrchestratorConfig{HistoryWindow: cfg.HistoryWindow},
		logger,
		chat.WithConversationLogger(convLog),
	)
	chatHandler := chat.NewHandler(orch, repo, chat.HandlerConfig{
		RequestsPerWindow:  cfg.RateLimit.RequestsPerWindow,
		WindowDuration:     cfg.RateLimit.WindowDuration,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		HistoryWindow:      cfg.HistoryWindow,
	}, logger)
	defer chatHandler.Close()

	agentHandler := api.NewAgentHandler(repo, generator, logger)
	userHandler := api.NewUserHandler(engine, repo, vapidKey)
	pushHandler := api.NewPushHandler(pushSender)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Get("/health", api.Health(repo))

	agentHandler.RegisterRoutes(r)
	userHandler.RegisterPublicRoutes(r)
	pushHandler.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.RequireUser)
		chatHandler.RegisterRoutes(r)
		agentHandler.RegisterUserRoutes(r)
		userHandler.RegisterRoutes(r)
		r.Handle("/ws/notifications", hub)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Streaming responses outlive any fixed write deadline.
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var healthSrv *grpchealth.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		healthSrv = grpchealth.NewServer(repo, logger)
		go func() {
			if err := healthSrv.Serve(lis, 15*time.Second); err != nil {
				slog.Error("gRPC health server error", "error", err)
			}
		}()
	}

	backfill := scheduler.NewBackfill(repo, generator, logger)
	if cfg.Backfill.Schedule != "" {
		if err := backfill.Start(ctx, cfg.Backfill.Schedule); err != nil {
			slog.Error("Failed to start catalog backfill", "schedule", cfg.Backfill.Schedule, "error", err)
			os.Exit(1)
		}
		slog.Info("Catalog backfill scheduled", "schedule", cfg.Backfill.Schedule)
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Shutdown(shutdownCtx)
	}
	backfill.Stop(shutdownCtx)
	if err := pool.Close(shutdownCtx); err != nil {
		slog.Warn("Worker pool did not drain", "error", err)
	}

	slog.Info("Server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func providerKeys(p config.ProviderConfig) runner.ProviderKeys {
	return runner.ProviderKeys{
		OpenAIAPIKey:    p.OpenAIAPIKey,
		OpenAIBaseURL:   p.OpenAIBaseURL,
		AnthropicAPIKey: p.AnthropicAPIKey,
		GeminiAPIKey:    p.GeminiAPIKey,
	}
}
