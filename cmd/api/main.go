package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/api/handlers"
	"github.com/ragops/backend/internal/cache/redis"
	"github.com/ragops/backend/internal/chat"
	"github.com/ragops/backend/internal/evaluation"
	"github.com/ragops/backend/internal/llm"
	"github.com/ragops/backend/internal/metrics"
	"github.com/ragops/backend/internal/middleware/ratelimit"
	"github.com/ragops/backend/internal/middleware/security"
	"github.com/ragops/backend/internal/middleware/validation"
	"github.com/ragops/backend/internal/rerank"
	"github.com/ragops/backend/internal/retrieval"
	"github.com/ragops/backend/internal/storage/sqlite"
	"github.com/ragops/backend/internal/synthesis"
	"github.com/ragops/backend/internal/trace"
	"github.com/ragops/backend/internal/vector/milvus"
	"github.com/ragops/backend/pkg/config"
	appLogger "github.com/ragops/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting RAG Ops API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	err = milvusClient.CreateCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	var embeddingCache retrieval.EmbeddingCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		embeddingCache = redisClient
	}

	var reranker retrieval.Reranker
	if cfg.Rerank.Enabled {
		reranker = rerank.NewClient(cfg.Rerank.Endpoint, time.Duration(cfg.Rerank.TimeoutSec)*time.Second)
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	retrievalEngine, err := retrieval.NewEngine(llmClient, milvusClient, reranker, embeddingCache, retrieval.Config{
		TopK:       cfg.Retrieval.TopK,
		RerankTopK: cfg.Retrieval.RerankTopK,
	})
	if err != nil {
		appLogger.Fatal("Failed to create retrieval engine", zap.Error(err))
	}

	synthesizer := synthesis.NewSynthesizer(llmClient, cfg.Retrieval.MinScore)
	recorder := trace.NewRecorder()

	chatEngine := chat.NewEngine(retrievalEngine, synthesizer, recorder, sqliteClient, chat.Config{
		HistoryLimit: cfg.Eval.HistoryLimit,
		Model:        cfg.LLM.Model,
	})

	scorer := evaluation.NewRuleScorer(cfg.Eval.ClaimGranularity)
	library := evaluation.NewLibrary(cfg.Eval.DatasetDir)
	harness := evaluation.NewHarness(chatEngine, scorer, sqliteClient, library, cfg.Eval.Workers)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	app.Use(rateLimiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	chatHandler := handlers.NewChatHandler(chatEngine)
	wsHandler := handlers.NewWebSocketHandler(chatEngine)
	traceHandler := handlers.NewTraceHandler(sqliteClient)
	evalHandler := handlers.NewEvalHandler(harness)

	api := app.Group("/api/v1")

	api.Post("/chat", chatHandler.HandleChat)

	api.Get("/traces", traceHandler.ListTraces)
	api.Get("/traces/:run_id", traceHandler.GetTrace)
	api.Delete("/traces/:run_id", traceHandler.DeleteTrace)

	api.Post("/evals", evalHandler.CreateRun)
	api.Get("/evals", evalHandler.ListRuns)
	api.Get("/evals/datasets", evalHandler.ListDatasets)
	api.Get("/evals/:id", evalHandler.GetRun)
	api.Post("/evals/:id/cancel", evalHandler.CancelRun)
	api.Delete("/evals/:id", evalHandler.DeleteRun)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()

		if err := retrievalEngine.Ready(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"error":  err.Error(),
			})
		}

		rerankEnabled, err := retrievalEngine.RerankerReady(ctx)
		if rerankEnabled && err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"error":  err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
