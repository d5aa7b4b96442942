package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/warmth-engine/internal/api"
	"github.com/nidhogg/warmth-engine/internal/app"
	"github.com/nidhogg/warmth-engine/internal/config"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/warmth.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting warmth engine...", zap.String("config", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer engine.Close()

	if cfg.Alerts.ConsumeStream {
		go func() {
			if err := engine.ConsumeTransitions(ctx); err != nil {
				logger.Error("transition consumer stopped", zap.Error(err))
			}
		}()
	}

	handler := api.NewHandler(engine.Service, engine.Recomputer, engine.Snapshots, cfg.Server.CronSecret, logger)
	handler.SetHealthCheck(engine.Ping)
	if cfg.Server.CronSecret == "" {
		logger.Warn("cron endpoints are unauthenticated, set server.cron_secret")
	}

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("warmth engine listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down warmth engine...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
