package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/handler"
	"github.com/noah-isme/health-assessment-client/internal/middleware"
	"github.com/noah-isme/health-assessment-client/internal/repository"
	"github.com/noah-isme/health-assessment-client/internal/service"
	"github.com/noah-isme/health-assessment-client/pkg/cache"
	"github.com/noah-isme/health-assessment-client/pkg/config"
	"github.com/noah-isme/health-assessment-client/pkg/logger"
	corsmiddleware "github.com/noah-isme/health-assessment-client/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/health-assessment-client/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := service.NewMetricsService()
	client := service.NewAssessmentClient(service.AssessmentClientConfig{
		BaseURL:           cfg.Assessment.BaseURL,
		Timeout:           cfg.Assessment.Timeout,
		RequestsPerSecond: cfg.Assessment.RequestsPerSecond,
		PollInterval:      cfg.Polling.Interval,
		PollTimeout:       cfg.Polling.Timeout,
	}, metrics, logr)

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, snapshot cache disabled", zap.Error(err))
			redisClient = nil
		}
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	cacheSvc := service.NewCacheService(cacheRepo, metrics, service.CacheConfig{
		Enabled:     cfg.Cache.Enabled && redisClient != nil,
		TTL:         cfg.Cache.TTL,
		InFlightTTL: cfg.Cache.InFlightTTL,
	}, logr)

	workspace := service.NewWorkspaceService(client, cacheSvc, service.WorkspaceConfig{
		IdleTTL:         cfg.Console.IdleTTL,
		CleanupInterval: cfg.Console.CleanupInterval,
	}, logr)
	workspace.StartCleanup(ctx)
	defer workspace.CloseAll()

	sessions := service.NewSessionService(client, cacheSvc, logr)
	exports := service.NewExportService(logr, nil, nil)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, "/metrics", "/health", "/ready"))

	metricsHandler := handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{
		"redis": cacheRepo.Ping,
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	handler.NewConsoleHandler(workspace).Register(api)
	handler.NewSessionHandler(sessions, exports).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "assessment_api", cfg.Assessment.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
