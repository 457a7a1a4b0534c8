package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"relay-service/configs"
	"relay-service/internal/api"
	"relay-service/internal/channel"
	"relay-service/internal/storage"
	"relay-service/internal/subscriber"
	"relay-service/internal/websocket"
)

func main() {
	cfg := configs.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("Starting relay server", "port", cfg.Port, "database", cfg.Database)

	var store storage.Storage
	var err error
	switch cfg.Database {
	case "redis":
		store, err = storage.NewRedisStorage(cfg.RedisURL, cfg.PublishPresence, logger)
	case "sqlite":
		store, err = storage.NewSQLiteStorage(cfg.SQLitePath)
	default:
		slog.Error("Unknown storage driver", "driver", cfg.Database)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "driver", cfg.Database, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := websocket.NewHub(cfg.ClientEventRate, cfg.ClientEventBurst, logger)

	authorizer := channel.NewAuthorizer(cfg.AuthHost, cfg.AuthEndpoint, cfg.AuthTimeout, logger)
	presence := channel.NewPresenceStore(store, hub, logger)
	control := channel.New(hub, authorizer, presence, logger)
	hub.Bind(control)

	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var subscribers []subscriber.Subscriber
	if cfg.SubscribeRedis {
		redisSub, err := subscriber.NewRedisSubscriber(cfg.RedisURL, cfg.KeyPrefix, hub, logger)
		if err != nil {
			slog.Error("Failed to create redis subscriber", "error", err)
			os.Exit(1)
		}
		subscribers = append(subscribers, redisSub)
	}
	if cfg.SubscribeKafka {
		subscribers = append(subscribers,
			subscriber.NewKafkaSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, hub, logger))
	}
	for _, sub := range subscribers {
		if err := sub.Subscribe(ctx); err != nil {
			slog.Error("Failed to start subscriber", "error", err)
			os.Exit(1)
		}
	}

	router := gin.Default()
	handler := api.NewHandler(hub, hub, presence, logger)
	api.SetupRoutes(router, handler, hub, cfg.APISecret)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Server ready", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down relay server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}

	cancel()
	for _, sub := range subscribers {
		sub.Close()
	}
	hub.Stop()

	slog.Info("Relay server stopped")
}
