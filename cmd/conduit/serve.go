package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/anthropic"
	"github.com/MikeSquared-Agency/conduit/internal/api"
	"github.com/MikeSquared-Agency/conduit/internal/concat"
	"github.com/MikeSquared-Agency/conduit/internal/config"
	"github.com/MikeSquared-Agency/conduit/internal/enrich"
	"github.com/MikeSquared-Agency/conduit/internal/ephemeral"
	"github.com/MikeSquared-Agency/conduit/internal/hermes"
	"github.com/MikeSquared-Agency/conduit/internal/normalizer"
	"github.com/MikeSquared-Agency/conduit/internal/openai"
	"github.com/MikeSquared-Agency/conduit/internal/processor"
	"github.com/MikeSquared-Agency/conduit/internal/router"
	"github.com/MikeSquared-Agency/conduit/internal/scheduler"
	"github.com/MikeSquared-Agency/conduit/internal/store"
	"github.com/MikeSquared-Agency/conduit/internal/sweeper"
)

func serve(cfg config.Config) {
	slog.Info("conduit starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Ephemeral group state. The KV bucket is shared by every replica; the
	// in-memory store only suits a single instance.
	var groups ephemeral.Store
	switch cfg.ConcatStore {
	case "memory":
		groups = ephemeral.NewMemory()
		slog.Warn("concatenation state kept in memory, groups do not survive restarts")
	case "sqlite":
		lite, err := ephemeral.NewSQLite(cfg.ConcatSQLitePath)
		if err != nil {
			slog.Error("failed to open concat sqlite", "path", cfg.ConcatSQLitePath, "error", err)
			os.Exit(1)
		}
		defer lite.Close()
		groups = lite
		slog.Info("concat sqlite ready", "path", cfg.ConcatSQLitePath)
	default:
		kv, err := hermesClient.KeyValue(ctx, cfg.ConcatBucket, 10*cfg.ConcatWindow+time.Hour)
		if err != nil {
			slog.Error("failed to open concat bucket", "bucket", cfg.ConcatBucket, "error", err)
			os.Exit(1)
		}
		groups = ephemeral.NewKV(kv)
		slog.Info("concat bucket ready", "bucket", cfg.ConcatBucket)
	}

	// Enrichment
	fetcher := enrich.NewFetcher(cfg.EnrichTimeout)
	var enrichOpts []enrich.Option
	if cfg.OpenAIAPIKey != "" {
		whisper := openai.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.WhisperModel, fetcher, slog.Default())
		enrichOpts = append(enrichOpts, enrich.WithAudio(whisper), enrich.WithVideo(whisper))
		slog.Info("audio transcription ready", "model", cfg.WhisperModel)
	} else {
		slog.Warn("OPENAI_API_KEY not set, audio and video pass through untranscribed")
	}
	if cfg.AnthropicAPIKey != "" {
		vision := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.VisionModel, fetcher)
		enrichOpts = append(enrichOpts, enrich.WithImage(vision), enrich.WithDocument(vision))
		slog.Info("image and document enrichment ready", "model", cfg.VisionModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, images and documents pass through undescribed")
	}
	enricher := enrich.New(cfg.EnrichTimeout, slog.Default(), enrichOpts...)

	// Outbound router
	rt := router.New(db, db, router.Config{
		Limit:   cfg.RouterRateLimit,
		Window:  cfg.RouterRateWindow,
		Timeout: cfg.RouterTimeout,
	}, slog.Default())

	// Scheduler and concatenation engine. Dead-lettered flushes release
	// their claimed unit and are announced on the bus.
	var engine *concat.Engine
	sched := scheduler.New(slog.Default(), scheduler.Options{
		OnDeadLetter: func(dl scheduler.DeadLetter) {
			if engine != nil && dl.Job.Kind == concat.JobKind {
				if u, ok := engine.Abandon(dl.Job.ID); ok {
					slog.Error("flush failed permanently",
						"key", u.Key.String(), "event_id", u.EventID, "fragments", len(u.Originals))
				}
			}
			if err := hermesClient.Publish(hermes.SubjectConcatDeadLetter, hermes.DeadLetter{
				JobID:    dl.Job.ID,
				Kind:     dl.Job.Kind,
				Key:      dl.Job.Key,
				Attempts: dl.Job.Attempt,
				Error:    dl.Error,
				At:       dl.FailedAt,
			}); err != nil {
				slog.Warn("failed to publish dead letter", "job_id", dl.Job.ID, "error", err)
			}
		},
	})
	defer sched.Stop()

	sink := processor.NewFlushSink(db, enricher, rt, hermesClient, slog.Default())
	engine = concat.New(groups, sched, sink, concat.Config{
		Window:       cfg.ConcatWindow,
		MaxFragments: cfg.ConcatMaxFragments,
	}, slog.Default())

	if n, err := engine.Recover(ctx); err != nil {
		slog.Warn("startup group recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("recovered pending groups", "count", n)
	}

	// Processor, the ingestion pipeline
	proc := processor.New(db, normalizer.Default(nil), engine, hermesClient, slog.Default())

	if err := hermesClient.Subscribe(hermes.SubjectIngressPrefix+"*", proc.HandleIngress); err != nil {
		slog.Error("failed to subscribe to bus ingress", "error", err)
		os.Exit(1)
	}

	// Maintenance
	sw, err := sweeper.New(sweeper.Config{
		Schedule:      cfg.SweepSchedule,
		DeadLetterTTL: cfg.DeadLetterTTL,
		LimiterIdle:   2 * cfg.RouterRateWindow,
	}, engine, sched, rt, slog.Default())
	if err != nil {
		slog.Error("invalid sweeper config", "error", err)
		os.Exit(1)
	}
	sw.Start()

	// HTTP API
	if cfg.APIToken == "" {
		slog.Warn("CONDUIT_API_TOKEN not set, admin routes are locked")
	}
	srv := api.NewServer(cfg.Port, api.Config{
		APIToken:    cfg.APIToken,
		VerifyToken: cfg.CloudAPIVerifyToken,
		AppSecret:   cfg.CloudAPIAppSecret,
	}, api.Deps{
		Ingest:    proc,
		Concat:    engine,
		Holds:     db,
		CallLogs:  db,
		Jobs:      sched,
		Connected: hermesClient.Connected,
	}, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("conduit ready", "port", cfg.Port, "concat_window", cfg.ConcatWindow)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	sw.Stop(shutdownCtx)
	cancel()
	slog.Info("conduit stopped")
}
