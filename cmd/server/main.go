package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/sale-fulfillment/internal/adapter/handler"
	"github.com/rl1809/sale-fulfillment/internal/adapter/storage"
	"github.com/rl1809/sale-fulfillment/internal/config"
	"github.com/rl1809/sale-fulfillment/internal/core/service"
	"github.com/rl1809/sale-fulfillment/internal/logging"
	"github.com/rl1809/sale-fulfillment/internal/observability"
	"github.com/rl1809/sale-fulfillment/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, config.ServiceName, config.ServiceVersion)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	// Initialize database
	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN, storage.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("failed to open database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	logger.Info("connected to database", zap.String("driver", cfg.DBDriver))

	// Initialize Redis, if configured
	var (
		rdb   *redis.Client
		guard port.SubmissionGuard
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		guard = storage.NewRedisAdapter(rdb, cfg.IdempotencyTTL)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Info("redis not configured, idempotency keys are ignored")
	}

	// Initialize services
	fulfillment := service.NewFulfillmentService(store, store, store, guard, logger.Named("fulfillment"))
	catalog := service.NewCatalogService(store, logger.Named("catalog"))

	// Initialize gRPC server
	grpcHandler := handler.NewGRPCHandler(fulfillment, cfg.DefaultStoreID, logger.Named("grpc"))
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcHandler.UnaryLogger))
	handler.RegisterSaleServiceServer(grpcServer, grpcHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(fulfillment, catalog, store, cfg.DefaultStoreID, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpHandler.Routes(cfg.RequestTimeout, cfg.CORSAllowedOrigins...),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	if rdb != nil {
		rdb.Close()
	}
	store.Close()
	logger.Info("connections closed")

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
