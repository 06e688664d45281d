package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/room4-2/realtime-relay/config"
	"github.com/room4-2/realtime-relay/logging"
	"github.com/room4-2/realtime-relay/server"
	"github.com/room4-2/realtime-relay/session"
	"github.com/room4-2/realtime-relay/upstream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	gin.SetMode(gin.ReleaseMode)

	factory, err := upstream.NewFactory(cfg, logger)
	if err != nil {
		logger.Error("failed to configure upstream", "error", err)
		os.Exit(1)
	}
	logger.Info("upstream configured", "provider", cfg.UpstreamProvider)

	sessionManager := session.NewManager(cfg, factory, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go sessionManager.StartCleanupRoutine(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	srv := server.NewServerWebsocket(cfg, sessionManager, logger)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-stopped
	logger.Info("server stopped")
}
