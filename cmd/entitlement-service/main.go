package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/entitlement-service/internal/app"
	"github.com/Dhoini/entitlement-service/internal/config"
	"github.com/Dhoini/entitlement-service/internal/http/server"
	"github.com/Dhoini/entitlement-service/pkg/logger"
)

func main() {
	// Логгер до загрузки конфигурации: уровень берем из окружения
	log := logger.New(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	log = logger.New(logger.ParseLevel(cfg.Log.Level))
	log.Infow("Entitlement service starting up...", "env", cfg.App.Env)

	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT secret is not set, every authenticated request will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Errorw("Error releasing resources", "error", err)
		}
	}()

	router, err := application.Router()
	if err != nil {
		log.Fatalw("Failed to build HTTP router", "error", err)
	}

	httpServer := server.New(router, server.Options{
		Addr:         ":" + cfg.App.Port,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
	}, log)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	background := make(chan struct{})
	go func() {
		application.RunBackground(ctx)
		close(background)
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	}

	// Фоновые циклы останавливаются после HTTP сервера
	cancel()
	select {
	case <-background:
	case <-shutdownCtx.Done():
		log.Warnw("Background loops did not stop in time")
	}

	log.Infow("Cleanup finished. Goodbye!")
}
