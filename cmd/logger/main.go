package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ollama_logger/internal/config"
	"ollama_logger/internal/httpapi"
	"ollama_logger/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := utils.ConfigureLogging(utils.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	logger := utils.NewLogger("main")

	// Create router with all dependencies
	handler, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Create HTTP server. Streaming responses may run as long as the
	// upstream ceiling, so the write timeout follows it.
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.Upstream.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Ollama logger listening",
			"addr", addr,
			"upstream", cfg.Upstream.BaseURL,
			"electricity_rate", cfg.Cost.RatePerKWh,
			"power_watts", cfg.Cost.PowerWatts,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Server forced to shutdown", "error", err)
	}

	// Drain queued request logs, then release the upstream and database pools
	if err := deps.Shutdown(ctx); err != nil {
		logger.Error("Failed to shut down cleanly", "error", err)
	}

	logger.Info("Server exited")
}
