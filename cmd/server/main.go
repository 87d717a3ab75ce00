// Aloha - AI tutoring chat server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/aloha-tutor/internal/api"
	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/channel"
	"github.com/ashureev/aloha-tutor/internal/chat"
	"github.com/ashureev/aloha-tutor/internal/completion"
	"github.com/ashureev/aloha-tutor/internal/config"
	"github.com/ashureev/aloha-tutor/internal/connectivity"
	"github.com/ashureev/aloha-tutor/internal/domain"
	"github.com/ashureev/aloha-tutor/internal/health"
	"github.com/ashureev/aloha-tutor/internal/identity"
	"github.com/ashureev/aloha-tutor/internal/middleware"
	"github.com/ashureev/aloha-tutor/internal/store"
	"github.com/ashureev/aloha-tutor/internal/transcript"
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
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		slog.Error("Failed to load profile", "error", err)
		os.Exit(1)
	}
	profile.Apply(cfg)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "user", profile.User.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	themes := store.NewThemeStore(repo)
	theme := initialTheme(ctx, themes, cfg.SystemTheme)

	watcher := connectivity.NewWatcher(cfg.Connectivity.ProbeAddr, cfg.Connectivity.Interval, cfg.Connectivity.Timeout, logger)
	online := true
	if cfg.Connectivity.ProbeAddr != "" {
		online = watcher.Probe(ctx)
		watcher.Seed(online)
	}

	events := bus.New()
	chatStore := chat.NewStore(chat.StoreOptions{
		Theme:  theme,
		Online: online,
		User:   profile.User,
		Peers:  profile.Peers,
		Themes: themes,
		Bus:    events,
		Logger: logger,
	})

	provider, err := completion.NewProvider(ctx, cfg.Completion.APIKey, cfg.Completion.Model)
	if err != nil {
		slog.Warn("Failed to initialize completion provider, replies will fall back to an apology", "error", err)
		provider = completion.Unavailable{Err: err}
	}
	if !cfg.AIConfigured() {
		slog.Info("AI features disabled (GEMINI_API_KEY not set)")
	}
	completer := completion.NewService(provider, cfg.Completion.RequestTimeout, logger)
	slog.Info("Completion provider ready", "provider", completer.Name())

	adapter := channel.New(chatStore, channel.Options{
		URL:               cfg.Channel.URL,
		UserID:            profile.User.ID,
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectDelay:    cfg.Channel.ReconnectDelay,
		WriteTimeout:      cfg.Channel.WriteTimeout,
		KeepaliveInterval: cfg.Channel.KeepaliveInterval,
		OnPeerTyping: func(peerID string) {
			events.Publish(bus.Event{Kind: bus.KindPeerTyping, Timestamp: time.Now(), Payload: peerID})
		},
		Logger: logger,
	})
	if err := adapter.Connect(ctx); err != nil {
		slog.Warn("Realtime channel unavailable, retrying in background", "url", cfg.Channel.URL, "error", err)
	}

	ctrl := chat.NewController(chat.ControllerOptions{
		Store:      chatStore,
		Publisher:  adapter,
		Completer:  completer,
		TypingIdle: cfg.TypingIdle,
		MaxChars:   cfg.MaxChars,
		Logger:     logger,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	chatHandler := api.NewHandler(chatStore, ctrl, events, limiter, cfg, logger)
	defer chatHandler.Close()
	healthHandler := api.NewHealthHandler(repo, adapter, cfg.AIConfigured())

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware)

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Connectivity.ProbeAddr != "" {
		g.Go(func() error { return watcher.Run(gctx, chatStore) })
	}

	if cfg.GRPCHealthPort != "" {
		hs, err := health.NewServer(":"+cfg.GRPCHealthPort, logger)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		g.Go(hs.Serve)
		g.Go(func() error {
			hs.Track(gctx, events, chatStore)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Stop()
			return nil
		})
	}

	if cfg.TranscriptDir != "" {
		rec, err := transcript.NewRecorder(transcript.Config{Dir: cfg.TranscriptDir}, profile.User.ID, logger)
		if err != nil {
			slog.Error("Failed to open transcript", "error", err)
			os.Exit(1)
		}
		slog.Info("Recording transcript", "path", rec.Path())
		g.Go(func() error {
			rec.Follow(gctx, events)
			return rec.Close()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		ctrl.Close()
		adapter.Disconnect()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

// initialTheme prefers the stored preference, then the system preference.
func initialTheme(ctx context.Context, themes *store.ThemeStore, system domain.Theme) domain.Theme {
	stored, ok, err := themes.LoadTheme(ctx)
	if err != nil {
		slog.Warn("Failed to load theme preference", "error", err)
	}
	if ok {
		return stored
	}
	if system.Valid() {
		return system
	}
	return domain.ThemeLight
}
