package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"livemd/access"
	"livemd/auth"
	"livemd/config"
	"livemd/handler"
	"livemd/pkg/logger"
	"livemd/router"
	"livemd/socket"
	"livemd/store"
)

func main() {
	logger.Init(zapcore.InfoLevel)
	defer logger.Log.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Sugar.Info("No .env file found, using environment variables from OS")
	}

	cfg := config.Load()
	logger.Sugar.Infof("Using directory %s for application data", cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Sugar.Fatalf("Failed to create data directory: %v", err)
	}

	st, err := store.Open(cfg.StoreDriver, cfg.DSN())
	if err != nil {
		logger.Sugar.Fatalf("Could not connect to database: %v", err)
	}
	logger.Sugar.Info("Successfully connected to the database")

	authSvc := auth.New(st, cfg.CookieSecret)
	accessSvc := access.New(st)
	registry := socket.NewRegistry(st, cfg.GracePeriod)
	gateway := socket.NewGateway(registry, accessSvc)

	stopSaver := make(chan struct{})
	go registry.SaveWorker(cfg.SaveInterval, stopSaver)

	authHandler := handler.NewAuthHandler(authSvc)
	docHandler := handler.NewDocumentHandler(st, gateway)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router.Setup(authSvc, authHandler, docHandler, gateway),
	}

	go func() {
		logger.Sugar.Infof("Server listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	// Drain connections and close storage cleanly before exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Sugar.Info("Initiating server shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Sugar.Errorf("HTTP shutdown: %v", err)
	}

	close(stopSaver)
	registry.Shutdown()
	if err := st.Close(); err != nil {
		logger.Sugar.Errorf("Failed to close store: %v", err)
	}
	logger.Sugar.Info("Server closed successfully.")
}
