// Package main runs the relay daemon: one room-server socket per active
// tab, bridged to each tab over a local websocket port, with graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simulwatch/relay/config"
	"github.com/simulwatch/relay/internal/middleware"
	"github.com/simulwatch/relay/internal/relay"
	"github.com/simulwatch/relay/internal/settings"
	"github.com/simulwatch/relay/pkg/redis"
	"github.com/simulwatch/relay/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var store settings.Store = settings.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis unavailable, sessions will not survive restarts", zap.Error(err))
		} else {
			defer rdb.Close()
			store = settings.NewRedisStore(rdb.Client)
		}
	}

	svc := relay.NewService(relay.NewWSDialer(logger), store, logger, relay.Options{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		TeardownGrace:     cfg.Relay.TeardownGrace,
		DefaultRoomURL:    cfg.Room.DefaultURL,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/stats", func(c *gin.Context) {
		response.OK(c, gin.H{"sessions": svc.Stats()})
	})
	router.GET("/sessions/:tab_id", func(c *gin.Context) {
		stat, ok := svc.TabStat(c.Param("tab_id"))
		if !ok {
			response.NotFound(c, "no session for tab")
			return
		}
		response.OK(c, stat)
	})
	router.DELETE("/sessions/:tab_id", func(c *gin.Context) {
		if !svc.CloseSession(c.Param("tab_id")) {
			response.NotFound(c, "no session for tab")
			return
		}
		response.OK(c, gin.H{"closed": true})
	})
	router.GET("/port", relay.ServeBridge(svc, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	svc.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
