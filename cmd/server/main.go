package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/video-service/internal/client"
	"github.com/makeasinger/video-service/internal/config"
	"github.com/makeasinger/video-service/internal/handler"
	"github.com/makeasinger/video-service/internal/middleware"
	"github.com/makeasinger/video-service/internal/pool"
	"github.com/makeasinger/video-service/internal/service"
	"github.com/makeasinger/video-service/internal/store"
	ws "github.com/makeasinger/video-service/internal/websocket"
	"github.com/makeasinger/video-service/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	zlog := logger.Sugar()

	// Open the job/chunk database
	st, err := store.Open(&cfg.Database)
	if err != nil {
		zlog.Fatalw("failed to open database", "error", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Warnw("redis not available", "error", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(zlog)
	go hub.Run()

	// Initialize provider clients
	sceneClient := client.NewSceneClient(&cfg.Scene, zlog)
	videoClient := client.NewVideoClient(&cfg.Video, zlog)

	var lipsyncClient client.Generator
	if cfg.Lipsync.APIKey != "" {
		lipsyncClient = client.NewLipsyncClient(&cfg.Lipsync, zlog)
	} else {
		zlog.Infow("lipsync provider not configured, using silent video only")
	}

	// Initialize R2 client (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			zlog.Warnw("r2 client not initialized", "error", err)
		} else {
			storage = r2Client
		}
	} else {
		zlog.Infow("r2 storage not configured, manifests stay database-only")
	}

	// Initialize service and handlers
	videoService := service.NewVideoService(st, asynqClient, &cfg.Pipeline, zlog)
	videoHandler := handler.NewVideoHandler(videoService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    5 * 1024 * 1024, // 5MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"scene":   sceneClient.IsConfigured(),
				"video":   videoClient.IsConfigured(),
				"lipsync": lipsyncClient != nil,
				"r2":      storage != nil,
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	videos := api.Group("/videos")
	videos.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), videoHandler.Generate)
	videos.Get("/:jobId/progress", videoHandler.Progress)
	videos.Post("/:jobId/cancel", rateLimiter.CancelLimit(cfg.RateLimit.CancelPerHour), videoHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, st, asynqClient, sceneClient, videoClient, lipsyncClient, storage, hub, zlog)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Infow("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Errorw("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zlog.Infow("server starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		zlog.Fatalw("server error", "error", err)
	}
}

func buildLogger(env, level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(env, "production") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if parsed, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = parsed
	}
	return zcfg.Build()
}

func startWorkerServer(
	cfg *config.Config,
	st *store.Store,
	asynqClient *asynq.Client,
	sceneClient *client.SceneClient,
	videoClient *client.VideoClient,
	lipsyncClient client.Generator,
	storage client.StorageClient,
	hub *ws.Hub,
	zlog *zap.SugaredLogger,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"video": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	renderPool := pool.New(cfg.Pipeline.RenderConcurrency)
	pipelineWorker := worker.NewPipelineWorker(st, asynqClient,
		sceneClient, videoClient, lipsyncClient, storage,
		renderPool, &cfg.Pipeline, hub, zlog)

	mux := asynq.NewServeMux()
	pipelineWorker.Register(mux)

	if err := srv.Run(mux); err != nil {
		zlog.Errorw("asynq worker error", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
