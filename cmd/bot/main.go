package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/config"
	"github.com/suspectuso/bidwin-topup/internal/notifier"
	"github.com/suspectuso/bidwin-topup/internal/realtime"
	"github.com/suspectuso/bidwin-topup/internal/status"
	"github.com/suspectuso/bidwin-topup/internal/storage"
	"github.com/suspectuso/bidwin-topup/internal/telegram"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

func main() {
	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()

	if cfg.BotToken == "" {
		log.Error("BOT_TOKEN is required")
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Initialize BidWin API client
	api := backend.NewClient(cfg.APIBaseURL, cfg.APITimeout)
	log.Info("api client initialized", "base_url", cfg.APIBaseURL)

	catalogs := catalog.NewService(cfg.CatalogCacheTTL, log)

	// Initialize realtime client
	rt := realtime.New(realtime.Config{
		AppKey:        cfg.PusherAppKey,
		Cluster:       cfg.PusherCluster,
		Host:          cfg.PusherHost,
		ChannelPrefix: cfg.ChannelPrefix,
		Event:         cfg.TopupEvent,
	}, log)
	defer rt.Disconnect()

	// Initialize telegram bot
	bot, err := telegram.New(cfg, store, api, catalogs, log)
	if err != nil {
		log.Error("init telegram bot", "error", err)
		os.Exit(1)
	}
	log.Info("telegram bot initialized")

	// Initialize notifier
	notify := notifier.New(store, bot, log)

	// Initialize payment controllers
	payments := topup.NewManager(api, store, rt, topup.Options{
		PaymentMethod: cfg.PaymentMethod,
		MaxAge:        cfg.ReferenceMaxAge,
		OnCredit:      notify.Credited,
		OnComplete:    notify.Completed,
		OnUpdate:      bot.ShowSession,
	}, log)
	defer payments.Close()
	bot.UsePayments(payments)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resume payments still awaiting confirmation
	if _, err := payments.Resume(); err != nil {
		log.Error("resume payments", "error", err)
	}

	// Connect realtime; payments still work without it
	if err := rt.Initialize(ctx); err != nil && !errors.Is(err, realtime.ErrNotConfigured) {
		log.Error("init realtime", "error", err)
	}

	// Start status server
	statusServer := status.NewServer(rt, payments, log)
	go func() {
		if err := statusServer.Start(ctx, cfg.StatusPort); err != nil && err != http.ErrServerClosed {
			log.Error("status server", "error", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// Start bot polling
	log.Info("starting bot polling...")
	bot.Start(ctx)
}
