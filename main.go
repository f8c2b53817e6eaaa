// Package main implements a service that watches a mailbox through push
// subscriptions and delivers summarized digests of unread mail.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"

	"inbox-triage/config"
	"inbox-triage/digest"
	"inbox-triage/graph"
	"inbox-triage/intake"
	"inbox-triage/notify"
	"inbox-triage/poll"
	"inbox-triage/server"
	"inbox-triage/storage"
	"inbox-triage/subscription"
	"inbox-triage/summarize"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Default to local development mode if no bucket specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", cfg.LocalStorage)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}

	var gcsClient *gcs.Client
	if cfg.StorageBucket != "" {
		var err error
		gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := gcsClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	} else if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
		logger.Error("Failed to create local storage directory", "path", cfg.LocalStorage, "error", err)
		os.Exit(1)
	}
	store := storage.New(gcsClient, cfg.StorageBucket, cfg.LocalStorage, logger)

	tokenSource, err := graph.NewTokenSource(ctx, cfg.Graph, logger)
	if err != nil {
		logger.Error("Failed to acquire credentials", "error", err)
		os.Exit(1)
	}

	gateway := graph.New(ctx, tokenSource, cfg.Graph.TargetUser, logger)

	sink, err := buildSink(cfg.Notifier, logger)
	if err != nil {
		logger.Error("Failed to initialize notification sink", "error", err)
		os.Exit(1)
	}

	var summarizer summarize.Summarizer
	if cfg.Summarizer.OpenAIKey != "" {
		summarizer = summarize.NewOpenAI(cfg.Summarizer.OpenAIKey, cfg.Summarizer.Model, cfg.Summarizer.MaxBodySize, logger)
	} else {
		logger.Info("No OPENAI_API_KEY set, using heuristic summaries")
		summarizer = summarize.Heuristic{}
	}

	pipeline := digest.New(gateway, summarizer, sink, cfg.Summarizer.MaxBodySize, logger)

	manager := subscription.New(gateway, store, subscription.Config{
		CallbackURL: cfg.BaseURL + "/webhook",
		MaxLifetime: graph.MaxLifetimeMinutes,
	}, logger)
	if err := manager.Restore(ctx); err != nil {
		logger.Warn("Failed to restore subscriptions, starting empty", "error", err)
	}
	if len(manager.List()) == 0 {
		// No subscription survived the restart; set one up for the watch
		// folder. Failure here is not fatal, polling still covers the inbox.
		if _, err := manager.Create(ctx, gateway.FolderResource(cfg.Graph.Folder), cfg.LifetimeMinutes); err != nil {
			logger.Warn("Initial subscription creation failed, relying on polling fallback", "error", err)
		}
	}

	handler := intake.New(manager, pipeline, cfg.DedupWindow, cfg.Workers, cfg.QueueDepth, logger)
	handler.Start(ctx)
	defer handler.Stop()

	monitor := poll.New(gateway, pipeline, handler, cfg.Graph.Folder, cfg.MaxUnread, logger)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() { manager.Sweep(ctx) }); err != nil {
		logger.Error("Invalid sweep schedule", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc(cfg.PollSchedule, func() {
		if err := monitor.CheckAll(ctx); err != nil {
			logger.Warn("Polling cycle failed", "error", err)
		}
	}); err != nil {
		logger.Error("Invalid poll schedule", "schedule", cfg.PollSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(&server.Config{
		Intake:  handler,
		Subs:    manager,
		Poller:  monitor,
		Logger:  logger,
		BaseURL: cfg.BaseURL,
	})

	// Blocks until SIGINT/SIGTERM cancels ctx; the deferred worker and
	// scheduler stops then drain whatever is in flight.
	if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func buildSink(cfg config.Notifier, logger *slog.Logger) (notify.Sink, error) {
	switch cfg.Type {
	case "telegram":
		if cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
			return nil, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID required for the telegram sink")
		}
		return notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, logger), nil
	default:
		logger.Info("Using console notification sink")
		return notify.NewConsole(os.Stdout, logger), nil
	}
}
