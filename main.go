package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"csvai/internal/api"
	"csvai/internal/config"
	"csvai/internal/logger"
	"csvai/internal/redis"
	"csvai/internal/service/assistant"
	"csvai/internal/service/llm"
	"csvai/internal/service/rag"
	"csvai/internal/service/summarize"
	"csvai/internal/storage"
	"csvai/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CSVAI_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	dbType := cfg.BasicConfig.Database
	zl.Info("open database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		zl.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	// Create necessary tables: sessions, messages, uploads
	if err := storage.Migrate(db, dbType); err != nil {
		zl.Fatal("migrate database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			zl.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	assistantService := assistant.NewService(db)
	cleanCtx, cleanCancel := context.WithCancel(logger.ToContext(context.Background(), zl))
	defer cleanCancel()
	assistantService.StartTempFileCleaner(cleanCtx, time.Duration(cfg.BasicConfig.TempCleanInterval)*time.Minute)

	counter, err := summarize.NewTokenCounter()
	if err != nil {
		zl.Warn("tiktoken encoding unavailable, estimating token counts", zap.Error(err))
	}
	factory := llm.NewFactory(cfg)
	embeddings := rag.NewEmbeddingCache(rdb, time.Duration(cfg.Embedding.CacheTTL)*time.Minute)
	pipelines := worker.NewPipelines(factory, rag.NewService(cfg, embeddings), summarize.NewService(counter))
	manager := worker.NewManager(assistantService, pipelines, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, rdb)

	handlers := api.NewHandler(assistantService, factory, manager, cfg.BasicConfig.FileBaseDir,
		time.Duration(cfg.BasicConfig.TempFileTTL)*time.Minute)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.Middleware(zl))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		zl.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Warn("server shutdown", zap.Error(err))
	}
	manager.Close()
}
