package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/s3upload/internal/config"
	"github.com/PaulBabatuyi/s3upload/internal/database"
	"github.com/PaulBabatuyi/s3upload/internal/middleware"
	"github.com/PaulBabatuyi/s3upload/internal/observability"
	"github.com/PaulBabatuyi/s3upload/internal/server"
	"github.com/PaulBabatuyi/s3upload/internal/service"
	"github.com/PaulBabatuyi/s3upload/internal/storage"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
	"github.com/PaulBabatuyi/s3upload/internal/worker"
)

type objectStore interface {
	storage.ObjectStore
	worker.Pinger
}

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "s3upload-server",
		Short:        "Attachment upload service backed by an S3-compatible object store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("S3UPLOAD_CONFIG"), "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 1. Logger
	logger, err := observability.InitLogger(cfg.IsDev(), cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	// 2. Tracing and metrics
	var traceOut io.Writer = io.Discard
	if cfg.IsDev() {
		traceOut = os.Stdout
	}
	tp, err := observability.InitTracerProvider(traceOut, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracerProvider(ctx, tp, logger)
	}()

	metrics, err := observability.InitMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// 3. Object store, records and the upload pipeline
	store, err := newObjectStore(cfg, logger)
	if err != nil {
		return err
	}

	records, closeRecords, err := newRecordStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecords()

	coord, err := service.NewCoordinator(service.CoordinatorConfig{
		Store:         store,
		Transcoder:    transcode.NewTranscoder(logger, cfg.Compression.MaxConcurrent),
		Policy:        service.NewAllowList(cfg.AllowedExtensions...),
		Settings:      service.StaticSettings(cfg.Compression.Transcode()),
		Logger:        logger,
		Metrics:       metrics,
		KeyPrefix:     cfg.Storage.KeyPrefix,
		LocalCacheDir: cfg.LocalCacheDir,
		StrictImages:  cfg.Compression.StrictImages,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. gRPC health server and storage probe
	grpcServer, healthServer := server.NewGRPCServer(server.GRPCConfig{
		Logger:       logger,
		Metrics:      metrics,
		StatsHandler: observability.GRPCStatsHandler(tp),
		Reflection:   cfg.IsDev(),
	})
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	go func() {
		logger.Info("starting gRPC server", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	probe := worker.NewStorageProbe(&worker.ProbeConfig{
		Target:   store,
		Health:   healthServer,
		Service:  server.StorageHealthService,
		Interval: cfg.Server.ProbeInterval,
		Timeout:  cfg.Storage.Timeout,
		Logger:   logger,
	})
	probe.Start(ctx)

	sweeper := worker.NewSweeper(&worker.SweeperConfig{
		TempDir:  cfg.Compression.TempDir,
		Interval: cfg.Sweeper.Interval,
		MaxAge:   cfg.Sweeper.MaxAge,
		Logger:   logger,
	})
	sweeper.Start(ctx)

	// 5. HTTP API and metrics endpoint
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))
	api := router.Group("", middleware.APIKeyAuth(cfg.Server.APIKeys))
	server.RegisterRoutes(api, server.Config{
		Pipeline:       coord,
		Records:        records,
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		TempDir:        cfg.Compression.TempDir,
	})
	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("no API keys configured, attachment API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	metricsServer := observability.StartMetricsServer(cfg.Server.MetricsPort, metrics.Handler(), logger)

	// 6. Wait for a signal, then shut down in reverse order
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-httpErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	probe.Stop()
	sweeper.Stop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}

	return err
}

func newObjectStore(cfg *config.Config, logger *zap.Logger) (objectStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverFilesystem:
		return storage.NewFilesystemStorage(cfg.Storage.LocalRoot, cfg.Storage.PublicBaseURL)
	default:
		s3cfg := cfg.Storage.S3()
		// The client is built on first use so the service can start while
		// the object store is still unreachable.
		return storage.NewLazy(storage.URLBuilder{Base: s3cfg.BaseURL()}, func(ctx context.Context) (storage.ObjectStore, error) {
			return storage.NewS3Store(ctx, s3cfg, logger)
		}), nil
	}
}

func newRecordStore(cfg *config.Config, logger *zap.Logger) (server.RecordStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, attachment records are kept in memory")
		return database.NewMemoryDB(), func() {}, nil
	}

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", zap.Error(err))
		}
	}, nil
}
