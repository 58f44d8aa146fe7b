package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dynastymap/api/internal/app"
	"dynastymap/api/internal/config"
	"dynastymap/api/internal/media"
	"dynastymap/api/internal/store"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	image, err := openImage(cfg)
	if err != nil {
		return err
	}

	service, err := app.New(cfg, backend, image, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Warn("close sessions", zap.Error(err))
		}
	}()
	if err := service.Start(ctx); err != nil {
		return err
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithAdminToken(cfg.AdminToken),
		app.WithLogger(logger),
	)
	server := app.NewServer(cfg.Addr, httpServer)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("dynasty map API listening",
			zap.String("addr", cfg.Addr),
			zap.String("backend", cfg.Backend),
			zap.String("schema", cfg.Schema),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if _, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logger.Named("migrate")); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewPostgresStore(db, cfg.DatabaseURL), nil
	case config.BackendRedis:
		redisStore, err := store.NewRedisStore(cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return redisStore, nil
	default:
		logger.Warn("using in-memory backend; map state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func openImage(cfg config.Config) (media.ImageSource, error) {
	if cfg.ImageObject == "" {
		return media.StaticImage(cfg.ImageURL), nil
	}
	return media.NewMinioImage(media.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
		Object:    cfg.ImageObject,
		TTL:       cfg.ImageURLTTL,
	})
}
