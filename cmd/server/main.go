package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"senvo/backend/internal/api/handler"
	"senvo/backend/internal/chat"
	"senvo/backend/internal/config"
	"senvo/backend/internal/gateway"
	"senvo/backend/internal/localization"
	"senvo/backend/internal/logging"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/storage"
	"senvo/backend/internal/telegram"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var opts config.Options

var rootCmd = &cobra.Command{
	Use:   "senvo-server",
	Short: "Matchmaking and signaling backend for anonymous video, voice and text chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env)")
	f.StringVar(&opts.HTTPAddr, "addr", "", "HTTP listen address")
	f.StringVar(&opts.DatabaseURL, "database-url", "", "Postgres DSN")
	f.StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address")
	f.StringVar(&opts.Feed, "feed", "", "change feed backend: redis, postgres or memory")
	f.StringVar(&opts.ICEFile, "ice-config", "", "YAML file with ICE servers")
	f.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel)
	logger.Info("starting senvo backend", "addr", cfg.HTTPAddr, "feed", cfg.Feed)
	if cfg.UsingDevSecret() {
		logger.Warn("SESSION_SECRET not set; using the development secret")
	}

	store, closeStore, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reaper := matching.NewReaper(store, matching.ReaperOptions{
		Interval:          cfg.Match.ReapInterval,
		StaleAfter:        cfg.Match.StaleAfter,
		MatchedStaleAfter: cfg.Match.MatchedStaleAfter,
		DataRetention:     cfg.Match.DataRetention,
	}, logger)
	go reaper.Run(ctx)

	uploader := &chat.DirUploader{Dir: cfg.MediaDir, BaseURL: cfg.MediaURL}
	hub := gateway.NewHub(logger)
	defer hub.CloseAll()

	h := handler.NewHandler(store, hub, uploader, cfg, logger)

	if cfg.TelegramToken != "" {
		if err := startTelegram(ctx, cfg, store, uploader, h.MatchOptions(), logger); err != nil {
			return err
		}
	}

	r := gin.Default()
	r.Use(cors.New(corsConfig(cfg)))
	r.Static(cfg.MediaURL, cfg.MediaDir)
	h.Register(r)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	hub.CloseAll()
	return server.Shutdown(shutdownCtx)
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.AllowedOrigins
		c.AllowCredentials = true
	}
	return c
}

func startTelegram(ctx context.Context, cfg *config.Config, store storage.Store, uploader chat.MediaUploader, match matching.Options, logger *slog.Logger) error {
	bot, err := telegram.NewBotAPI(cfg.TelegramToken, logger)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	localizer, err := localization.NewLocalizer(cfg.LocalesDir)
	if err != nil {
		return err
	}

	// Telegram fetches media by URL, so relative links need a public origin.
	if cfg.PublicBaseURL == "" && strings.HasPrefix(cfg.MediaURL, "/") {
		logger.Warn("PUBLIC_BASE_URL not set; browser media will not reach Telegram chats")
	}

	bridge, err := telegram.NewBridge(telegram.NewMessenger(bot), localizer, telegram.Options{
		Store:        store,
		Uploader:     uploader,
		Match:        match,
		MediaBaseURL: cfg.PublicBaseURL,
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := bridge.Run(ctx, bot); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("telegram bridge stopped", "error", err)
		}
	}()
	return nil
}
