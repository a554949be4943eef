package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/handlers"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/auth"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/config"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/idempotency"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/jobs"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/observability"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/secrets"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/repositories"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	logLevel, _ := config.Lookup("LOG_LEVEL")
	baseLogger, err := observability.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	secretProject, _ := config.Lookup("API_SECRETS_PROJECT_ID")
	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(secretProject),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	upstream, err := esimaccess.New(esimaccess.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		AccessCode: cfg.Upstream.AccessCode,
		Timeout:    cfg.Upstream.Timeout,
		RatePerSec: cfg.Upstream.RatePerSec,
		Burst:      cfg.Upstream.Burst,
		UserAgent:  "myumrahesim-api",
	})
	if err != nil {
		logger.Fatal("failed to initialise upstream client", zap.Error(err))
	}

	events := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(logger.Named(name))
	}

	pricing, err := services.NewPriceComputer(cfg.Catalog.Margin)
	if err != nil {
		logger.Fatal("invalid catalog margin", zap.Error(err))
	}
	if pricing.BelowCost() {
		logger.Warn("catalog margin is below 1.0; retail prices will undercut wholesale", zap.Float64("margin", cfg.Catalog.Margin))
	}
	normalizer, err := services.NewPackageNormalizer(services.PackageNormalizerDeps{
		Pricing:         pricing,
		DisplayCurrency: cfg.Catalog.DisplayCurrency,
		Logger:          events("catalog"),
	})
	if err != nil {
		logger.Fatal("failed to initialise package normalizer", zap.Error(err))
	}
	catalogFetcher, err := services.NewUpstreamCatalogFetcher(upstream, normalizer, events("catalog"))
	if err != nil {
		logger.Fatal("failed to initialise catalog fetcher", zap.Error(err))
	}

	var (
		snapshotStore repositories.SnapshotStore
		redisClient   *redis.Client
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		store, err := repositories.NewRedisSnapshotStore(redisClient, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Fatal("failed to initialise snapshot store", zap.Error(err))
		}
		snapshotStore = store
	} else {
		logger.Info("redis not configured; catalog cache is per instance")
	}

	cache, err := services.NewCatalogCache(services.CatalogCacheDeps{
		Fetcher:      catalogFetcher,
		Store:        snapshotStore,
		TTL:          cfg.Catalog.TTL,
		FetchTimeout: cfg.Catalog.FetchTimeout,
		Logger:       events("catalog"),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog cache", zap.Error(err))
	}
	catalogService, err := services.NewCatalogService(services.CatalogServiceDeps{
		Cache:         cache,
		DefaultMarket: cfg.Catalog.DefaultMarket,
		Logger:        events("catalog"),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}

	var publisher services.ProvisioningPublisher
	if project := strings.TrimSpace(cfg.PubSub.ProjectID); project != "" {
		pubsubClient, err := pubsub.NewClient(ctx, project)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(cfg.PubSub.RequestTopic)
		defer topic.Stop()
		jobPublisher, err := jobs.NewPubSubPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise provisioning publisher", zap.Error(err))
		}
		publisher = jobPublisher
	} else {
		logger.Info("pubsub not configured; provisioning jobs will not be published")
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Upstream:            upstream,
		Packages:            catalogService,
		RequireKnownPackage: cfg.Catalog.RequireKnownPackage,
		DefaultMarket:       cfg.Catalog.DefaultMarket,
		Publisher:           publisher,
		Logger:              events("orders"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	profileService, err := services.NewProfileService(services.ProfileServiceDeps{
		Upstream:     upstream,
		PendingCodes: cfg.Upstream.PendingCodes,
		Logger:       events("profiles"),
	})
	if err != nil {
		logger.Fatal("failed to initialise profile service", zap.Error(err))
	}
	accountService, err := services.NewAccountService(services.AccountServiceDeps{
		Upstream: upstream,
		Logger:   events("account"),
	})
	if err != nil {
		logger.Fatal("failed to initialise account service", zap.Error(err))
	}

	checks := []repositories.DependencyCheck{{
		Name:     "upstream",
		Optional: true,
		Check: func(ctx context.Context) error {
			_, err := upstream.QueryBalance(ctx)
			return err
		},
	}}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Optional: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}

	var (
		idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
		firestoreClient  *firestore.Client
	)
	if project := strings.TrimSpace(cfg.Firestore.ProjectID); project != "" {
		firestoreClient, err = firestore.NewClient(ctx, project)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			if err := firestoreClient.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		store, err := idempotency.NewFirestoreStore(firestoreClient)
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		idempotencyStore = store
		checks = append(checks, repositories.DependencyCheck{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := firestoreClient.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	} else {
		logger.Warn("firestore not configured; idempotency keys are kept in memory per instance")
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	markets := cfg.Catalog.WarmMarkets
	if len(markets) == 0 {
		markets = []string{cfg.Catalog.DefaultMarket}
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Catalog:          cache,
		Markets:          markets,
		Build:            buildInfoFromEnv(cfg, startedAt),
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize)
		}()
	}

	idempotencyMiddleware := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithKeyFallback(handlers.TransactionIDKey),
		idempotency.WithLogger(events("idempotency")),
	)

	jwksURL := cfg.Security.OIDC.JWKSURL
	if jwksURL == "" {
		jwksURL = auth.GoogleCertsURL
	}
	oidc := auth.NewOIDCValidator(
		auth.NewJWKSCache(jwksURL,
			auth.WithJWKSHTTPClient(&http.Client{Timeout: 5 * time.Second}),
			auth.WithJWKSLogger(auth.EventFunc(events("auth"))),
		),
		auth.WithOIDCLogger(auth.EventFunc(events("auth"))),
	)
	if cfg.Security.OIDC.Audience == "" {
		logger.Warn("oidc audience not configured; internal routes will reject all requests")
	}

	catalogHandlers := handlers.NewCatalogHandlers(catalogService)
	orderHandlers := handlers.NewOrderHandlers(orderService, profileService)
	internalHandlers := handlers.NewInternalHandlers(catalogService, accountService)
	healthHandlers := handlers.NewHealthHandlers(handlers.WithHealthSystemService(systemService))

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(catalogHandlers.Routes, handlers.RateLimit(cfg.RateLimits.PublicPerMinute, nil)),
		handlers.WithOrderRoutes(orderHandlers.Routes(idempotencyMiddleware), handlers.RateLimit(cfg.RateLimits.OrderPerMinute, nil)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(oidc.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)),
	)

	go warmCatalog(logger.Named("catalog"), catalogService, markets, cfg.Catalog.FetchTimeout)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("esim api listening", zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func warmCatalog(logger *zap.Logger, catalog services.CatalogService, markets []string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	if err := catalog.Warm(ctx, markets...); err != nil {
		logger.Warn("catalog warm-up incomplete", zap.Strings("markets", markets), zap.Error(err))
		return
	}
	logger.Info("catalog warmed", zap.Strings("markets", markets))
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func traceProjectID(cfg config.Config) string {
	for _, id := range []string{cfg.Firestore.ProjectID, cfg.PubSub.ProjectID, cfg.Secrets.ProjectID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}
