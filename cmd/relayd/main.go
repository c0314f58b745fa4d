package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxmesh/voxmesh/internals/config"
	"github.com/voxmesh/voxmesh/internals/relay"
	"github.com/voxmesh/voxmesh/internals/utils"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	logger.Info("Starting relay server")

	relayServer, err := relay.NewRelay(cfg)
	if err != nil {
		logger.Fatal("Failed to create relay server", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := relayServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start relay server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal")

	relayServer.Stop()
	logger.Info("Relay server stopped")
}
