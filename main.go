package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/verba-ai/verba/internal/auth"
	"github.com/verba-ai/verba/internal/cancel"
	"github.com/verba-ai/verba/internal/chat"
	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/config"
	"github.com/verba-ai/verba/internal/contextmgr"
	"github.com/verba-ai/verba/internal/expiry"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/metrics"
	"github.com/verba-ai/verba/internal/orchestrator"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/ratelimit"
	"github.com/verba-ai/verba/internal/safety"
	"github.com/verba-ai/verba/internal/store"
	"github.com/verba-ai/verba/internal/ws"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	gin.SetMode(cfg.GinMode)

	db, err := store.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()
	clk := clock.Real()

	// Shared rate limit counters are optional; without Redis every
	// instance enforces limits on its own.
	var shared ratelimit.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("invalid REDIS_URL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		shared = ratelimit.NewRedisStore(client)
		log.Info("shared rate limit store enabled")
	}
	limiter := ratelimit.NewLimiter(shared, m, log)

	registry := buildRegistry(cfg, log)
	gate := safety.NewGate(registry.Names(), cfg.SafetyInboundConfidenceThreshold)

	ctxManager := contextmgr.NewManager(db.Queries, registry, clk, contextmgr.Config{
		MaxContextTokens:   cfg.MaxContextTokens,
		SummariseThreshold: cfg.SummarisationThreshold,
		RecentWindow:       cfg.SummarisationRecentWindow,
		SummariserProvider: cfg.Providers.Summariser,
	}, m, log)

	orc := orchestrator.New(db.Queries, ctxManager, registry, limiter, gate, clk, orchestrator.Config{
		TurnTimeout:       cfg.TurnTimeout,
		ChatWindow:        cfg.ChatRateLimitWindow,
		ChatMaxRequests:   cfg.ChatRateLimitMaxRequests,
		DailyTokenBudget:  cfg.DailyTokenBudget,
		DailyRequestLimit: cfg.DailyRequestLimit,
	}, m, log)

	// Cross-instance cancellation over NATS is optional.
	var canceller ws.Canceller = cancel.Local{Canceller: orc}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer nc.Close()

		svc := cancel.NewService(nc, orc, log, uuid.NewString())
		if err := svc.Start(); err != nil {
			log.Error("failed to start distributed cancel", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer svc.Stop()
		canceller = svc
	}

	sweeper := expiry.NewSweeper(db.Queries, clk, time.Duration(cfg.SessionTTLDays)*24*time.Hour, log)
	if err := sweeper.Start(); err != nil {
		log.Error("failed to start expiry sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sweeper.Stop()

	validator, err := auth.NewJWTValidator(cfg.JWTSecret)
	if err != nil {
		log.Error("failed to initialize token validator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	authMiddleware := auth.NewMiddleware(validator)

	chatHandler := chat.NewHandler(db.Queries, ctxManager, orc, registry, gate, clk, cfg.Providers.Default, log)
	wsHandler := ws.NewHandler(validator, orc, canceller, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(ratelimit.IPMiddleware(limiter, cfg.RateLimitWindow, cfg.RateLimitMaxRequests))

	router.GET("/health", func(c *gin.Context) {
		if err := db.DB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"providers":   registry.Names(),
			"activeTurns": orc.ActiveTurns(),
		})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	authed := router.Group("/", authMiddleware.RequireAuth())
	chatHandler.RegisterRoutes(authed)

	// WebSocket clients may authenticate after the upgrade, so the route
	// sits outside the auth group.
	router.GET("/ws/chat", wsHandler.Serve)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server exited")
}

// buildRegistry wires the configured provider adapters. Entries without an
// API key in the environment are skipped with a warning so a partially
// configured deployment still starts.
func buildRegistry(cfg *config.Config, log *logger.Logger) *provider.Registry {
	registry := provider.NewRegistry(cfg.Providers.Default, log)

	for name, entry := range cfg.Providers.Entries {
		apiKey := ""
		if entry.APIKeyEnv != "" {
			apiKey = os.Getenv(entry.APIKeyEnv)
		}

		switch entry.Kind {
		case "openai":
			if apiKey == "" {
				log.Warn("provider has no API key, skipping", slog.String("provider", name))
				continue
			}
			registry.Register(provider.NewOpenAIAdapter(name, apiKey, entry.BaseURL, entry.DefaultModel))
		case "anthropic":
			if apiKey == "" {
				log.Warn("provider has no API key, skipping", slog.String("provider", name))
				continue
			}
			registry.Register(provider.NewAnthropicAdapter(name, apiKey, entry.BaseURL, entry.DefaultModel))
		case "mock", "":
			// The mock adapter is always registered.
		default:
			log.Warn("unknown provider kind, skipping",
				slog.String("provider", name),
				slog.String("kind", entry.Kind))
		}
	}

	log.Info("provider registry ready",
		slog.Any("providers", registry.Names()),
		slog.String("default", cfg.Providers.Default))
	return registry
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Correlation-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
