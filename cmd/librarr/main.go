// Package main wires together the librarr download service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/api"
	"github.com/JeremiahM37/librarr/internal/clock/system"
	"github.com/JeremiahM37/librarr/internal/config"
	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/id/uuid"
	"github.com/JeremiahM37/librarr/internal/jobstore"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/logging"
	"github.com/JeremiahM37/librarr/internal/scheduler"
	"github.com/JeremiahM37/librarr/internal/search"
	"github.com/JeremiahM37/librarr/internal/sources"
	"github.com/JeremiahM37/librarr/internal/storage/memory"
	"github.com/JeremiahM37/librarr/internal/storage/postgres"
	"github.com/JeremiahM37/librarr/internal/telemetry"
	"github.com/JeremiahM37/librarr/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo librarr.JobRepository
	switch cfg.DB.Driver {
	case "postgres":
		pgRepo, err := postgres.NewJobRepo(ctx, postgres.JobRepoConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: cfg.ConnLifetime(),
		}, logger.Named("postgres"))
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgRepo.Close()
		repo = pgRepo
	default:
		logger.Warn("using in-memory job repository; jobs will not survive restarts")
		repo = memory.NewJobRepo()
	}

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger.Named("events"))}
	if len(cfg.Telemetry.WebhookURLs) > 0 {
		sinks = append(sinks, telemetry.NewWebhookSink(telemetry.WebhookConfig{
			URLs:    cfg.Telemetry.WebhookURLs,
			Secret:  cfg.Telemetry.WebhookSecret,
			Timeout: cfg.WebhookTimeout(),
		}, logger.Named("webhook")))
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pubsubSink, err := telemetry.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Warn("pubsub sink init failed, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, pubsubSink)
		}
	}
	emitter := telemetry.NewFanout(telemetry.EmitterConfig{
		BufferSize: cfg.Telemetry.BufferSize,
		Logger:     logger.Named("emitter"),
	}, sinks...)

	clock := system.New()
	idGen := uuid.New()

	store, err := jobstore.New(ctx, repo, clock, emitter, logger.Named("jobstore"), jobstore.Config{
		MaxRetries: cfg.Job.MaxRetries,
	})
	if err != nil {
		logger.Fatal("job store init failed", zap.Error(err))
	}

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		OpenFor:          cfg.CircuitOpenFor(),
	}, clock, emitter)

	// Concrete source plugins are registered here per deployment.
	registry := sources.NewRegistry(logger.Named("sources"))

	sched := scheduler.New(scheduler.Config{
		BackoffBase:  cfg.RetryBackoff(),
		PollInterval: cfg.SchedulerPollInterval(),
	}, store, clock, logger.Named("scheduler"))
	sourceWorker := worker.NewSourceWorker(registry, store, sched, tracker, logger.Named("worker"))
	sched.RegisterWorker(worker.RetryKindSource, sourceWorker)

	orchestrator := search.NewOrchestrator(search.Config{
		MainTimeout:      cfg.SearchTimeout(),
		AudiobookTimeout: cfg.AudiobookSearchTimeout(),
	}, registry, tracker, logger.Named("search"))

	apiServer := api.NewServer(store, sched, orchestrator, registry, tracker,
		sourceWorker, idGen, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("retry scheduler started",
			zap.Duration("poll_interval", cfg.SchedulerPollInterval()))
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Error("emitter shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
