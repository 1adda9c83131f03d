package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/di"
	"github.com/kirana-mart/api/internal/handlers"
	"github.com/kirana-mart/api/internal/platform/auth"
	"github.com/kirana-mart/api/internal/platform/config"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/platform/idempotency"
	"github.com/kirana-mart/api/internal/platform/observability"
	firestoreRepo "github.com/kirana-mart/api/internal/repositories/firestore"
)

const idempotencyCollection = "idempotencyKeys"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	meter := otel.Meter("github.com/kirana-mart/api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	adapters, err := newAdapters(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise adapters", zap.Error(err))
	}
	defer adapters.close(logger)

	healthRepo, err := newHealthRepository(firestoreProvider, fetcher, adapters)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, registry, di.Infrastructure{
		Events:   adapters.events,
		Invoices: adapters.invoices,
		Gateway:  adapters.gateway,
		Locker:   adapters.locker,
		Meter:    meter,
		Build:    buildInfo,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	if cfg.Wallet.MigrateOnStart {
		report, err := svc.Wallet.MigrateLegacyWallets(ctx)
		if err != nil {
			logger.Error("legacy wallet migration failed", zap.Error(err))
		} else {
			logger.Info("legacy wallet migration finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("migrated", report.Migrated),
				zap.Int("failed", report.Failed),
			)
		}
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithDefaultLocale(cfg.Checkout.Locale))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, idempotencyCollection)
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore, idempotency.Options{
		Header: cfg.Idempotency.Header,
		TTL:    cfg.Idempotency.TTL,
	})

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		idempotency.RunCleanup(backgroundCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()
	if cfg.Cleanup.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := svc.Cleanup.Run(backgroundCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("order cleanup scheduler stopped", zap.Error(err))
			}
		}()
	}

	projectID := traceProjectID(cfg)
	currency := cfg.Checkout.Currency
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer(logger.Named("http")),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(svc.System),
		)),
		handlers.WithAuthenticator(authenticator),
		handlers.WithIdempotency(idempotencyMiddleware),
		handlers.WithOrderRateLimit(orderRateLimit(envValues)),
		handlers.WithCartRoutes(handlers.NewCartHandlers(svc.Cart, currency).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(svc.Checkout, currency, "").Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(svc.Orders, currency).Routes),
		handlers.WithWalletRoutes(handlers.NewWalletHandlers(svc.Wallet, svc.TopUps).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(svc.Orders).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(svc.TopUps).Routes),
		handlers.WithInternalRoutes(handlers.NewMaintenanceHandlers(svc.Cleanup, svc.Wallet).Routes),
	}
	if mw := buildWebhookMiddleware(logger.Named("auth"), meter, cfg); mw != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(mw))
	} else {
		logger.Warn("auth: webhook signing secrets not configured; webhook routes are unauthenticated")
	}
	if mw := buildOIDCMiddleware(logger.Named("auth"), meter, cfg); mw != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(mw))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("kirana-mart api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopBackground()
	background.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
