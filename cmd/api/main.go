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
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/api"
	"github.com/edumagiceco/graphrag/internal/bus"
	"github.com/edumagiceco/graphrag/internal/chat"
	"github.com/edumagiceco/graphrag/internal/graph/neo4j"
	"github.com/edumagiceco/graphrag/internal/graphbuild"
	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/internal/ingest/pipeline"
	"github.com/edumagiceco/graphrag/internal/llm"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/retrieval"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/internal/version"
	"github.com/edumagiceco/graphrag/pkg/config"
	appLogger "github.com/edumagiceco/graphrag/pkg/logger"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting GraphRAG chatbot platform")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Error("Failed to open relational store", zap.Error(err))
		os.Exit(config.ExitMigration)
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Error("Store migration required", zap.Error(err))
		os.Exit(config.ExitMigration)
	}

	eventBus, err := bus.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to connect progress bus", zap.Error(err))
	}
	defer eventBus.Close()

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	milvusClient, err := milvus.NewClient(cfg.Milvus.Endpoint, cfg.LLM.EmbeddingDim)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	gateway := llm.NewGateway(llm.Config{
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		APIKey:           cfg.LLM.APIKey,
		EmbeddingBaseURL: cfg.LLM.EmbeddingBaseURL,
		EmbeddingModel:   cfg.LLM.EmbeddingModel,
		EmbeddingDim:     cfg.LLM.EmbeddingDim,
		Concurrency:      cfg.LLM.Concurrency,
		Timeout:          time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
	})

	// LLM reachability is a soft check: log, keep retrying in the
	// background, and serve everything that does not need the model.
	if err := gateway.Ping(context.Background()); err != nil {
		appLogger.Warn("LLM unreachable at boot, will retry",
			zap.Error(err),
			zap.Int("exit_code_if_hard", config.ExitLLMUnreachable),
		)
		go func() {
			for {
				time.Sleep(30 * time.Second)
				if gateway.Ping(context.Background()) == nil {
					appLogger.Info("LLM is reachable")
					return
				}
			}
		}()
	}

	versionManager := version.NewManager(sqliteClient, milvusClient, neo4jClient, cfg.Storage.Root)
	versionManager.StartJanitor(5 * time.Minute)
	defer versionManager.Stop()

	graphBuilder := graphbuild.New(neo4jClient)
	textChunker := chunker.New(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	entityExtractor := extractor.New(gateway)

	orchestrator := pipeline.NewOrchestrator(
		sqliteClient,
		milvusClient,
		graphBuilder,
		gateway,
		eventBus,
		versionManager,
		textChunker,
		entityExtractor,
		nil,
		pipeline.Config{
			Workers:      cfg.Ingest.WorkerConcurrency,
			StageTimeout: time.Duration(cfg.Ingest.StageTimeoutMin) * time.Minute,
			StageRetry:   retry.StageConfig(appLogger.GetLogger()),
		},
	)

	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := orchestrator.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start ingestion workers", zap.Error(err))
	}
	defer orchestrator.Stop()

	retriever := retrieval.New(milvusClient, neo4jClient, gateway, retrieval.Options{
		TopK:           cfg.Retrieval.TopK,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		MaxHops:        cfg.Retrieval.MaxHops,
		MaxGraphNodes:  cfg.Retrieval.MaxGraphNodes,
		EdgeThreshold:  cfg.Retrieval.EdgeThreshold,
		TokenBudget:    cfg.Retrieval.TokenBudget,
		VectorTimeout:  time.Duration(cfg.Retrieval.VectorTimeoutSec) * time.Second,
		GraphTimeout:   time.Duration(cfg.Retrieval.GraphTimeoutSec) * time.Second,
	})

	chatService := chat.NewService(sqliteClient, retriever, gateway, eventBus, chat.Config{
		SessionTTL:    time.Duration(cfg.Chat.SessionTTLMin) * time.Minute,
		HistoryTurns:  cfg.Chat.HistoryTurns,
		MaxMessageLen: cfg.Chat.MaxMessageLen,
	})

	server := api.NewServer(
		cfg,
		sqliteClient,
		chatService,
		orchestrator,
		versionManager,
		eventBus,
		milvusClient,
		neo4jClient,
	)

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
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))

	server.Register(app)

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
