package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"chatstream/internal/api"
	"chatstream/internal/auth"
	"chatstream/internal/config"
	"chatstream/internal/logging"
	"chatstream/internal/objectstore"
	"chatstream/internal/redis"
	"chatstream/internal/service/account"
	"chatstream/internal/service/attachment"
	"chatstream/internal/service/chat"
	"chatstream/internal/service/conversation"
	"chatstream/internal/service/llm"
	"chatstream/internal/storage"
	"chatstream/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := config.Load(os.Getenv("CHATSTREAM_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("CHATSTREAM_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	var (
		cache  *redis.Client
		locker worker.Locker
	)
	if cfg.Redis.Enabled {
		cache, err = redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()
		locker = cache
	}

	admins := auth.NewAdminList(cfg.AdminEmails)
	authService := auth.NewService(db, cache, admins, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	authService.StartTokenCleaner(ctx, auth.DefaultTokenCleanupInterval, logger)
	accounts := account.NewService(db, authService, admins, logger)

	uploader, err := objectstore.New(ctx, cfg)
	if err != nil {
		return err
	}
	uploadDir := ""
	if local, ok := uploader.(*objectstore.LocalStore); ok {
		uploadDir = local.Dir()
	}
	processor, err := attachment.NewProcessor(ctx, uploader, logger)
	if err != nil {
		return err
	}
	gateway, err := llm.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store := conversation.NewStore(db)
	chatService := chat.NewService(store, processor, gateway, logger,
		time.Duration(cfg.BasicConfig.StreamTimeout)*time.Second)
	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		Locker:      locker,
		LockTTL:     time.Duration(cfg.BasicConfig.StreamTimeout)*time.Second + time.Minute,
		Logger:      logger,
	})
	defer dispatcher.Stop()

	handlers := api.NewHandler(api.Deps{
		Accounts:      accounts,
		Auth:          authService,
		Conversations: store,
		Chat:          chatService,
		Dispatcher:    dispatcher,
		Logger:        logger,
		UploadDir:     uploadDir,
	})

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(logger))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "provider", cfg.LLM.Provider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
