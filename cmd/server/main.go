package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voiceavatar/api/internal/audio"
	"github.com/voiceavatar/api/internal/auth"
	"github.com/voiceavatar/api/internal/catalog"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/clock"
	"github.com/voiceavatar/api/internal/config"
	"github.com/voiceavatar/api/internal/events"
	"github.com/voiceavatar/api/internal/handler"
	"github.com/voiceavatar/api/internal/middleware"
	"github.com/voiceavatar/api/internal/service"
	"github.com/voiceavatar/api/internal/store"
	ws "github.com/voiceavatar/api/internal/websocket"
	"github.com/voiceavatar/api/internal/worker"
	"github.com/voiceavatar/api/pkg/response"
)

func main() {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	jobs, err := store.New(&cfg.Store, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open job store")
	}
	defer jobs.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	clk := clock.New()
	transcriber := client.NewTranscriptionClient(&cfg.Transcription, clk)
	renderer := client.NewAvatarClient(&cfg.Avatar, clk)
	encoder := audio.NewEncoder(cfg.Audio.FFmpegPath)

	// R2 is optional; recordings are not archived without it
	var archive client.RecordingArchive
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn().Err(err).Msg("R2 client not initialized")
		} else {
			archive = r2Client
		}
	} else {
		log.Info().Msg("R2 storage not configured, recordings will not be archived")
	}

	var sinks []service.ProgressSink
	var kafkaSink *events.KafkaSink
	if len(cfg.Events.Brokers) > 0 {
		kafkaSink = events.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	personas := catalog.New(&cfg.Catalog, renderer)

	generationService := service.NewGenerationService(
		transcriber,
		renderer,
		jobs,
		personas,
		encoder,
		archive,
		clk,
		service.GenerationOptions{
			PollInterval:    cfg.Avatar.PollInterval,
			RefreshAttempts: cfg.Avatar.WaitMaxAttempts,
			Width:           cfg.Avatar.Width,
			Height:          cfg.Avatar.Height,
			AspectRatio:     cfg.Avatar.AspectRatio,
		},
	)
	historyService := service.NewHistoryService(jobs, archive)
	dispatcher := worker.NewDispatcher(asynqClient, cfg.Worker.TaskTimeout)

	// OIDC JWKS verifier is optional; falls back to legacy JWT
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
		}
	}

	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	tokenTTL := time.Duration(cfg.JWT.Expiration) * time.Hour

	videoHandler := handler.NewVideoHandler(validate, generationService, generationService, dispatcher, historyService)
	personaHandler := handler.NewPersonaHandler(personas, validate)
	streamHandler := handler.NewStreamHandler(hub)
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret, tokenTTL)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: ForwardAuth already ran, read X-User-* headers
		log.Info().Msg("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware(cfg.Gateway.Secret)
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	bodyLimit := cfg.Server.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 50
	}
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    bodyLimit * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"transcription": transcriber.IsConfigured(),
				"avatar":        renderer.IsConfigured(),
				"r2":            r2Client != nil,
				"events":        kafkaSink != nil,
				"store":         storeDriver(cfg.Store.Driver),
				"auth":          jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", authHandler.Verify)
	if !strings.EqualFold(cfg.Server.Env, "production") && cfg.JWT.Secret != "" {
		app.Post("/auth/dev-token", authHandler.DevToken)
	}

	api := app.Group("/api", apiAuthMiddleware)

	api.Post("/videos", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), videoHandler.Create)
	api.Get("/videos", videoHandler.List)
	api.Delete("/videos", videoHandler.Clear)
	api.Get("/videos/:jobId", videoHandler.Get)
	api.Delete("/videos/:jobId", videoHandler.Delete)
	api.Post("/videos/:jobId/refresh", videoHandler.Refresh)

	api.Get("/personas", personaHandler.List)
	api.Post("/personas/custom", rateLimiter.PersonaLimit(cfg.RateLimit.PersonaPerHour), personaHandler.CreateCustom)
	api.Get("/voices", personaHandler.Voices)

	wsGroup := app.Group("/ws", streamHandler.RequireUpgrade, apiAuthMiddleware)
	wsGroup.Get("/requests/:requestId", streamHandler.Progress())

	// Workers stop polling when stopWorkers is called; interrupted jobs stay
	// processing and are resumed on the next start.
	stopCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	workerServer := newWorkerServer(cfg, redisOpt)
	mux := asynq.NewServeMux()
	worker.NewGenerationWorker(stopCtx, generationService, hub, dispatcher, sinks...).Register(mux)
	if err := workerServer.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker server")
	}

	go func() {
		n, err := worker.ResumePending(stopCtx, historyService, dispatcher)
		if err != nil {
			log.Error().Err(err).Msg("failed to resume pending jobs")
			return
		}
		if n > 0 {
			log.Info().Int("count", n).Msg("resumed pending jobs")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Str("store", storeDriver(cfg.Store.Driver)).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	stopWorkers()
	workerServer.Shutdown()
	log.Info().Msg("server stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Server.LogLevel))
	if err != nil || cfg.Server.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !strings.EqualFold(cfg.Server.Env, "production") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	// requests without an authenticated caller log through the global logger
	zerolog.DefaultContextLogger = &log.Logger
}

func storeDriver(driver string) string {
	if driver == "" {
		return "redis"
	}
	return driver
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			worker.QueueVideo: 1,
		},
		Logger:          asynqLogger{},
		LogLevel:        asynqLogLevel,
		ShutdownTimeout: 15 * time.Second,
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
