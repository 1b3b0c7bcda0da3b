package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vulcanproxy/gateway/internal/admin"
	"github.com/vulcanproxy/gateway/internal/authclient"
	"github.com/vulcanproxy/gateway/internal/config"
	"github.com/vulcanproxy/gateway/internal/counterstore"
	"github.com/vulcanproxy/gateway/internal/forwarder"
	"github.com/vulcanproxy/gateway/internal/lifecycle"
	"github.com/vulcanproxy/gateway/internal/middleware"
	"github.com/vulcanproxy/gateway/internal/rateengine"
	"github.com/vulcanproxy/gateway/internal/telemetry"
	"github.com/vulcanproxy/gateway/internal/workerpool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.LoadConfig()

	r := gin.Default()

	store, err := newCounterStore(cfg)
	if err != nil {
		log.Fatalf("failed to init counter store: %v", err)
	}

	tpShutdown, err := telemetry.InitTracer("vulcan-gateway")
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
	} else {
		defer func() {
			if err := tpShutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	pool := workerpool.New(cfg.ThreadPoolSize)
	engine := rateengine.New(store, pool)

	authClient, err := authclient.New(authclient.Config{
		URLs:           cfg.AuthURLs,
		Timeout:        cfg.AuthTimeout,
		CacheDenied4xx: cfg.AuthCacheDenied4xx,
	})
	if err != nil {
		log.Fatalf("failed to init auth client: %v", err)
	}

	fwd := forwarder.New(cfg.AuthTimeout, 5*time.Minute)

	handler := lifecycle.New(authClient, engine, fwd, cfg.AuthRealm)

	r.Use(otelgin.Middleware("vulcan-gateway"))
	r.Use(middleware.MetricsMiddleware())

	adminHandler := admin.NewHandler(authClient, cfg.AdminAPIKey)
	adminGroup := r.Group("/admin")
	adminGroup.Use(adminHandler.AuthMiddleware())
	adminGroup.GET("/cache/stats", adminHandler.CacheStats)
	adminGroup.POST("/cache/purge", adminHandler.PurgeCache)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(handler.ServeProxy)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	go func() {
		slog.Info("starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server init failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("draining in-flight counter increments...")
	if err := engine.Shutdown(ctx); err != nil {
		slog.Error("failed to drain rate engine", "error", err)
	}

	slog.Info("server exiting")
}

func newCounterStore(cfg *config.Config) (counterstore.Store, error) {
	switch cfg.CounterStoreBackend {
	case config.BackendDynamoDB:
		return counterstore.NewDynamoDBStore(context.Background(), cfg.AWSRegion, cfg.DynamoDBTableName, cfg.CounterStoreCallTimeout)
	default:
		return counterstore.NewRedisStore(counterstore.RedisConfig{
			Addr:                  cfg.CounterStoreAddr,
			Password:              cfg.CounterStorePassword,
			PoolSize:              cfg.CounterStorePoolSize,
			MaxConnectionsPerNode: cfg.CounterStoreMaxConns,
			CallTimeout:           cfg.CounterStoreCallTimeout,
		}), nil
	}
}
