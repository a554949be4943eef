package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/config"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/jobs"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/observability"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/secrets"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logLevel, _ := config.Lookup("LOG_LEVEL")
	baseLogger, err := observability.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("provisioner")

	secretProject, _ := config.Lookup("API_SECRETS_PROJECT_ID")
	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(secretProject),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	project := strings.TrimSpace(cfg.PubSub.ProjectID)
	if project == "" {
		logger.Fatal("ESIM_PUBSUB_PROJECT_ID is required for the provisioner")
	}

	upstream, err := esimaccess.New(esimaccess.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		AccessCode: cfg.Upstream.AccessCode,
		Timeout:    cfg.Upstream.Timeout,
		RatePerSec: cfg.Upstream.RatePerSec,
		Burst:      cfg.Upstream.Burst,
		UserAgent:  "myumrahesim-provisioner",
	})
	if err != nil {
		logger.Fatal("failed to initialise upstream client", zap.Error(err))
	}

	events := observability.EventLogger(logger)

	profiles, err := services.NewProfileService(services.ProfileServiceDeps{
		Upstream:     upstream,
		PendingCodes: cfg.Upstream.PendingCodes,
		Logger:       events,
	})
	if err != nil {
		logger.Fatal("failed to initialise profile service", zap.Error(err))
	}
	watcher, err := services.NewProvisioningWatcher(services.ProvisioningWatcherDeps{
		Profiles: profiles,
		Attempts: cfg.Provisioning.PollAttempts,
		Interval: cfg.Provisioning.PollInterval,
		Logger:   events,
	})
	if err != nil {
		logger.Fatal("failed to initialise provisioning watcher", zap.Error(err))
	}

	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	resultTopic := client.Topic(cfg.PubSub.ResultTopic)
	defer resultTopic.Stop()
	results, err := jobs.NewPubSubPublisher(resultTopic)
	if err != nil {
		logger.Fatal("failed to initialise result publisher", zap.Error(err))
	}

	worker, err := services.NewProvisioningWorker(services.ProvisioningWorkerDeps{
		Watcher: watcher,
		Results: results,
		Logger:  events,
	})
	if err != nil {
		logger.Fatal("failed to initialise provisioning worker", zap.Error(err))
	}

	consumer, err := jobs.NewConsumer(client.Subscription(cfg.PubSub.Subscription), worker.Handle, events)
	if err != nil {
		logger.Fatal("failed to initialise consumer", zap.Error(err))
	}

	logger.Info("provisioner receiving",
		zap.String("subscription", cfg.PubSub.Subscription),
		zap.String("resultTopic", cfg.PubSub.ResultTopic),
		zap.Int("pollAttempts", cfg.Provisioning.PollAttempts),
		zap.Duration("pollInterval", cfg.Provisioning.PollInterval),
	)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.Error(err))
		return
	}
	logger.Info("provisioner stopped")
}
