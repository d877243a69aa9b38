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
	_ "time/tzdata"

	"github.com/MikeSquared-Agency/archivist/internal/api"
	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/classify"
	"github.com/MikeSquared-Agency/archivist/internal/config"
	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/processor"
	"github.com/MikeSquared-Agency/archivist/internal/scrape"
	"github.com/MikeSquared-Agency/archivist/internal/search"
	"github.com/MikeSquared-Agency/archivist/internal/slack"
	"github.com/MikeSquared-Agency/archivist/internal/source"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("archivist starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid archive timezone", "error", err)
		os.Exit(1)
	}

	// Preferences and scrape ledger
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("store ready")

	// Discord
	if cfg.DiscordBotToken == "" {
		slog.Error("DISCORD_BOT_TOKEN is required")
		os.Exit(1)
	}
	discord := source.NewDiscord(cfg.DiscordAPIURL, cfg.DiscordBotToken, &http.Client{Timeout: 30 * time.Second}, slog.Default())

	root := archive.NewRoot(cfg.ArchiveDir, loc)
	registry := scrape.NewRegistry()
	orchestrator := scrape.NewOrchestrator(root, discord, registry, cfg.ScrapeConcurrency, slog.Default())
	classifier := classify.New(root, db, slog.Default())

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	opts := processor.Options{
		Root:                 root,
		Orchestrator:         orchestrator,
		Classifier:           classifier,
		Store:                db,
		Channels:             discord,
		Publisher:            hermesClient,
		DefaultRetentionDays: cfg.DefaultRetentionDays,
		Logger:               slog.Default(),
	}

	// Slack poster (optional, archivist works without a status channel)
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		opts.Notifier = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, scrape summaries are only logged")
	}

	// Search index (optional)
	var index *search.Index
	if cfg.IndexPath != "" {
		index, err = search.Open(cfg.IndexPath)
		if err != nil {
			slog.Error("failed to open search index", "path", cfg.IndexPath, "error", err)
			os.Exit(1)
		}
		defer index.Close()
		opts.Indexer = index
		slog.Info("search index ready", "path", cfg.IndexPath)
	}

	proc := processor.New(opts)
	defer proc.Close()

	subscriptions := []struct {
		subject string
		handler func(string, []byte)
	}{
		{hermes.SubjectScrapeRequested, proc.HandleScrapeRequested},
		{hermes.SubjectClassifyRequested, proc.HandleClassifyRequested},
		{"swarm.slack.reaction", proc.HandleReaction},
	}
	for _, sub := range subscriptions {
		if err := hermesClient.Subscribe(sub.subject, sub.handler); err != nil {
			slog.Error("failed to subscribe", "subject", sub.subject, "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	deps := api.Deps{
		Root:      root,
		Store:     db,
		Registry:  registry,
		Scheduler: proc,
	}
	if index != nil {
		deps.Search = index
	}
	srv := api.NewServer(cfg.Port, cfg.APIToken, deps)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if index != nil {
		go func() {
			if err := proc.ReindexAll(ctx); err != nil {
				slog.Warn("search reindex incomplete", "error", err)
			}
		}()
	}

	go proc.RunMaintenance(ctx, processor.MaintenanceOptions{
		Enabled:  cfg.MaintenanceInterval > 0,
		Interval: cfg.MaintenanceInterval,
	})

	slog.Info("archivist ready", "port", cfg.Port, "archive_dir", cfg.ArchiveDir, "timezone", loc.String())

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	proc.Close()
	slog.Info("archivist stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
