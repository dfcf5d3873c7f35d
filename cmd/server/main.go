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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/servicehub/chatcore/internal/api"
	"github.com/servicehub/chatcore/internal/cache/redis"
	"github.com/servicehub/chatcore/internal/config"
	"github.com/servicehub/chatcore/internal/relay"
	"github.com/servicehub/chatcore/internal/service"
	"github.com/servicehub/chatcore/internal/storage/postgres"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	// Configure log format
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	logger.Info("starting chatcore server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := postgres.New(ctx, postgres.Options{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	convRepo := postgres.NewConversationRepository(db.Pool())
	msgRepo := postgres.NewMessageRepository(db.Pool())

	// Relay state lives in Redis when configured so instances can share it
	var (
		broker    relay.Broker
		presence  relay.Presence
		calls     relay.CallRegistry
		pingRedis = func(context.Context) error { return nil }
	)
	if cfg.Redis.URI != "" {
		redisClient, err := redis.New(cfg.Redis.URI)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisClient.Close()
		broker = relay.NewRedisBroker(redisClient, logger)
		presence = relay.NewRedisPresence(redisClient)
		calls = relay.NewRedisCalls(redisClient, cfg.Chat.CallTTL)
		pingRedis = redisClient.Ping
	} else {
		logger.Warn("REDIS_URI not set, relay state is local to this instance")
		broker = relay.NewLocalBroker()
		presence = relay.NewMemoryPresence()
		calls = relay.NewMemoryCalls(cfg.Chat.CallTTL)
	}

	hub := relay.NewHub(relay.Options{
		WriteTimeout:  cfg.Relay.WriteTimeout,
		PongWait:      cfg.Relay.PongWait,
		SendBuffer:    cfg.Relay.SendBuffer,
		MaxFrameBytes: cfg.Relay.MaxFrameBytes,
		OpTimeout:     cfg.Relay.OpTimeout,
	}, convRepo, msgRepo, calls, presence, broker, logger)

	authService := service.NewAuthService(cfg.Server.JWTSecret)
	server := api.NewServer(authService, convRepo, msgRepo, hub, api.Options{
		PageSize:       cfg.Chat.PageSize,
		RecallWindow:   cfg.Chat.RecallWindow,
		UploadDir:      cfg.Uploads.Dir,
		UploadMaxBytes: cfg.Uploads.MaxSize,
	}, logger)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Add middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(api.MetricsMiddleware)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"user_id":    api.GetUserID(c),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}).Info("request")
			return nil
		},
	}))

	// Health check endpoint (public)
	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		}
		if err := pingRedis(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "redis unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	server.RegisterRoutes(e)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", addr).Info("server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Hijacked websocket connections are not closed by Shutdown.
		hub.Shutdown()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server error")
	}

	logger.Info("server stopped")
}
