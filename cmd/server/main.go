package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/config"
	"github.com/MikeHonkers/mementonos/internal/database"
	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/handler"
	"github.com/MikeHonkers/mementonos/internal/jobs"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/observability/metrics"
	"github.com/MikeHonkers/mementonos/internal/realtime"
	"github.com/MikeHonkers/mementonos/internal/redis"
	"github.com/MikeHonkers/mementonos/internal/repository"
	"github.com/MikeHonkers/mementonos/internal/service"
	"github.com/MikeHonkers/mementonos/internal/storage"
	"github.com/MikeHonkers/mementonos/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
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
	cancel()
	log.Info().Msg("database connected")

	if cfg.RunMigrations {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	// Redis is optional: without it, events and attempt limits stay in-process.
	var (
		redisClient *redis.Client
		limiter     service.AttemptLimiter
		pruner      jobs.Pruner
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		limiter = service.NewRedisAttemptLimiter(redisClient.Client, config.PairingAttemptLimit, config.PairingAttemptWindow)
	} else {
		memLimiter := service.NewMemoryAttemptLimiter(config.PairingAttemptLimit, config.PairingAttemptWindow)
		limiter = memLimiter
		pruner = memLimiter
		log.Warn().Msg("REDIS_URL not set: using in-process event delivery and rate limiting")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	sessions := service.NewSessionStore(config.ClientSeenGrace)
	tokens := token.NewManager(cfg.SecretKey, cfg.TokenTTL())
	pairStore := repository.NewPairStore(db)
	dirs := storage.NewPairDirectories(cfg.DataDir)

	pairingCfg := service.DefaultPairingConfig()
	pairingCfg.InviteTTL = cfg.InviteTTL()
	pairingCfg.KDFIterations = cfg.KDFIterations
	pairingCfg.StrongHashes = cfg.StrongPasswordHashes

	pairingService := service.NewPairingService(service.PairingDeps{
		Store:    pairStore,
		Registry: service.NewInviteRegistry(),
		Limiter:  limiter,
		Tokens:   tokens,
		Events:   broker,
		Probe:    service.AnyAlive(broker, sessions),
		Dirs:     dirs,
	}, pairingCfg)
	defer pairingService.Close()
	sessions.OnEvict(pairingService.ForgetSession)

	accountService := service.NewAccountService(pairStore, cfg.KDFIterations)

	secure := cfg.SecureCookies
	authMiddleware := middleware.NewAuthMiddleware(tokens)
	clientIdentity := middleware.NewClientIdentityMiddleware(secure)
	csrfMiddleware := middleware.NewCSRFMiddleware(secure)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	sessionHandler := handler.NewSessionHandler(pairingService, sessions, secure)
	pairHandler := handler.NewPairHandler(pairingService, sessions, secure)
	authHandler := handler.NewAuthHandler(pairingService, accountService, sessions, secure)
	eventsHandler := handler.NewEventsHandler(broker, sessions)
	healthHandler := handler.NewHealthHandler(db)
	gateway := realtime.NewGateway(broker, sessions, originHosts(cfg.CORSOrigins))

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", middleware.CSRFHeaderName, "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(httprate.LimitByIP(config.APIRequestsPerMinute, time.Minute))
		r.Use(clientIdentity.Handler)

		// Long-lived stream; kept outside the request timeout.
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(bodyLimitMiddleware.Handler)
			r.Use(csrfMiddleware.Handler)

			r.Get("/session", sessionHandler.GetSession)
			r.Mount("/modal", sessionHandler.Routes())
			r.Mount("/pair", pairHandler.Routes())
			r.Mount("/auth", authHandler.Routes())

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Handler)
				r.Get("/me", authHandler.Me)
				r.Post("/keys/unlock", authHandler.UnlockKey)
			})
		})
	})

	r.With(clientIdentity.Handler).Get("/ws", gateway.ServeHTTP)

	cleanupJob := jobs.NewCleanupJob(pruner, sessions, config.ClientSessionIdleTTL, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

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

	// Streams only end when their subscriptions close.
	log.Info().Int("subscribers", broker.TotalClients()).Msg("closing event streams")
	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

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

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
