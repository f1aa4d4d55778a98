package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/handler"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/repository"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)
	gin.SetMode(gin.ReleaseMode)

	// 2. Initialize Persistence
	// Checkpoint: Redis > Postgres > local file
	// Audit: Redis list or Postgres, always mirrored to a daily jsonl file
	var (
		checkpoint service.CheckpointRepo
		auditRepo  service.AuditRepo
	)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			checkpoint = repository.NewRedisCheckpointRepo(redisClient, cfg.Redis.CheckpointKey)
			auditRepo = repository.NewRedisAuditRepo(redisClient, cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back", "error", err)
			redisClient = nil
		}
	}
	if cfg.Database.DSN != "" && (checkpoint == nil || auditRepo == nil) {
		db, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
			if checkpoint == nil {
				checkpoint = repository.NewPostgresCheckpointRepo(db)
			}
			if auditRepo == nil {
				auditRepo = repository.NewPostgresAuditRepo(db)
			}
		} else {
			logger.Error("⚠️ Failed to connect to DB", "error", err)
		}
	}
	if checkpoint == nil {
		logger.Info("using file checkpoint", "path", cfg.Checkpoint.File)
		checkpoint = repository.NewFileCheckpointRepo(cfg.Checkpoint.File)
	}

	auditSvc, err := service.NewAuditService(cfg.Checkpoint.LogDir, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	// 3. Market data and exchange
	b := bus.New()
	books := market.NewBookStore()

	var (
		clients    []exchange.Client
		paper      *exchange.Paper
		marketSvc  *market.MarketService
		userStream *market.UserStream
		platform   = exchange.PlatformPaper
	)
	if cfg.Polymarket.ApiKey != "" {
		platform = exchange.PlatformPolymarket
	}
	registry := market.NewRegistryFromConfig(cfg, platform)

	if platform == exchange.PlatformPolymarket {
		pm, err := exchange.NewPolymarket(cfg.Polymarket, books, cfg.Execution.BookStaleAfter)
		if err != nil {
			log.Fatalf("Failed to initialize polymarket client: %v", err)
		}
		clients = append(clients, pm)

		marketSvc = market.NewMarketService(cfg.Polymarket.MarketWSURL, books)
		marketSvc.Start()
		marketSvc.Subscribe(registry.Tokens())

		userStream = market.NewUserStream(cfg.Polymarket.UserWSURL, cfg.Polymarket.ApiKey, cfg.Polymarket.ApiSecret,
			cfg.Polymarket.ApiPassphrase, platform, registry, b)
		userStream.Start()
	} else {
		logger.Warn("no polymarket api key, trading against the paper exchange")
		paper = exchange.NewPaper(books, b)
		clients = append(clients, paper)
	}

	// 4. Decision pipeline
	pipeline := service.NewPipeline(service.PipelineDeps{
		Config:     cfg,
		Bus:        b,
		Registry:   registry,
		Books:      books,
		Clients:    clients,
		Checkpoint: checkpoint,
		Audit:      auditSvc,
	})
	if err := pipeline.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	// 5. Ops API
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.NewRouter(cfg, pipeline, auditSvc, paper),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 PolyLoop started", "port", cfg.Server.Port, "platform", platform, "markets", len(registry.List()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	// 先停数据源, 再排空管线, 最后刷审计
	if userStream != nil {
		userStream.Stop()
	}
	if marketSvc != nil {
		marketSvc.Stop()
	}
	pipeline.Stop()
	auditSvc.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("Server exiting")
}
