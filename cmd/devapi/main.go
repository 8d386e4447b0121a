// Command devapi serves an in-memory shop API with a seeded catalog so the
// terminal can run without the real server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"almacenpos/terminal/internal/apifake"
	"almacenpos/terminal/internal/config"
)

func main() {
	config.LoadDotEnv()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	port := os.Getenv("DEVAPI_PORT")
	if port == "" {
		port = "3000"
	}

	fake := apifake.NewSeeded()
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dev shop API listening", zap.String("addr", server.Addr), zap.Int("products", len(fake.Products())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
