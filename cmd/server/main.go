package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salescrm/pairing-server/internal/config"
	"github.com/salescrm/pairing-server/internal/database"
	"github.com/salescrm/pairing-server/internal/handler"
	"github.com/salescrm/pairing-server/internal/jobs"
	"github.com/salescrm/pairing-server/internal/metrics"
	"github.com/salescrm/pairing-server/internal/middleware"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/provider"
	"github.com/salescrm/pairing-server/internal/redis"
	"github.com/salescrm/pairing-server/internal/repository"
	"github.com/salescrm/pairing-server/internal/service"
	"github.com/salescrm/pairing-server/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Str("dialect", string(db.Dialect)).Msg("database connected")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	} else {
		log.Warn().Msg("REDIS_URL not set: change notifications stay in-process")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	sessionRepo := repository.NewPairingSessionRepository(db)
	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout())

	cleanup := service.NewCleanupCoordinator(sessionRepo, providerClient, broker)
	reconciler := service.NewReconciler(sessionRepo, broker, cleanup)
	reconciler.OnConnected(func(ctx context.Context, event model.ChannelConnected) {
		log.Info().
			Str("ownerId", event.OwnerID).
			Str("sessionId", event.SessionID).
			Str("channelIdentifier", event.ChannelIdentifier).
			Msg("channel connected")
	})
	creator := service.NewCreationOrchestrator(sessionRepo, providerClient, cleanup, broker, cfg.WebhookURL())
	manager := service.NewManager(
		sessionRepo, providerClient, broker, creator, cleanup, reconciler, cfg.PollInterval(),
	)
	sweeper := service.NewSweeper(
		sessionRepo, providerClient, reconciler, cleanup,
		cfg.MaxPairingLifetime(), cfg.DisconnectedRetention(),
	)

	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	} else {
		limiter = middleware.NewRateLimiter()
	}

	authMiddleware := middleware.NewAPIAuthMiddleware(cfg.APITokenHash)
	rateLimitMiddleware := middleware.NewPairingRateLimitMiddleware(limiter, cfg.PairingRateLimitPerMin)
	webhookMiddleware := middleware.NewWebhookSecretMiddleware(cfg.WebhookSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	pairingHandler := handler.NewPairingHandler(manager)
	webhookHandler := handler.NewWebhookHandler(reconciler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check: database unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"activeAttempts": manager.ActiveAttempts(),
			"timestamp":      time.Now().UnixMilli(),
		})
	})

	r.Handle("/metrics", metrics.Handler())

	r.With(chimiddleware.Timeout(config.ServerRequestTimeout), webhookMiddleware.Handler).
		Post(config.WebhookPath, webhookHandler.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/pairing", pairingHandler.Routes(rateLimitMiddleware.Handler))
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/owners", pairingHandler.OwnerRoutes())
		})
	})

	sweepJob := jobs.NewSweepJob(sweeper, cfg.SweepInterval())
	sweepJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Open event streams only end once their attempts are detached.
	manager.Shutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	sweepJob.Stop()
	cleanup.Wait()
	creator.WaitSetup()

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
