// Aloha relay - realtime websocket relay for the tutor chat
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/aloha-tutor/internal/config"
	"github.com/ashureev/aloha-tutor/internal/relay"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	hub := relay.NewHub(cfg.Channel.WriteTimeout, logger)
	handler := relay.NewHandler(hub, relay.HandlerOptions{
		AllowedOrigin: cfg.Relay.AllowedOrigin,
		IsDev:         cfg.IsDevelopment(),
		AutoReadDelay: cfg.Relay.AutoReadDelay,
		FramesPerSec:  cfg.Relay.FramesPerSec,
		FrameBurst:    cfg.Relay.FrameBurst,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Relay.Port,
		Handler:     relay.NewRouter(handler, hub),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Relay listening", "addr", srv.Addr, "auto_read_delay", cfg.Relay.AutoReadDelay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down relay...", "peers", hub.Count())

		// Hijacked websocket connections are not tracked by Shutdown.
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Relay stopped successfully")
}
