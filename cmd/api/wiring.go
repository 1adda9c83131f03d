package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirana-mart/api/internal/payments"
	"github.com/kirana-mart/api/internal/platform/auth"
	"github.com/kirana-mart/api/internal/platform/config"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/platform/jobs"
	"github.com/kirana-mart/api/internal/platform/lock"
	"github.com/kirana-mart/api/internal/platform/observability"
	"github.com/kirana-mart/api/internal/platform/secrets"
	platformstorage "github.com/kirana-mart/api/internal/platform/storage"
	"github.com/kirana-mart/api/internal/repositories"
	"github.com/kirana-mart/api/internal/services"
)

const (
	webhookSecretName     = "payments"
	secretHealthReference = "secret://healthz"

	defaultOrderRateLimit  = 10
	defaultOrderRateWindow = time.Minute
)

// adapters holds the clients behind the service layer's outbound ports. Each port stays nil when
// its backing resource is not configured.
type adapters struct {
	redis   *redis.Client
	pubsub  *pubsub.Client
	topic   *pubsub.Topic
	storage *gcs.Client

	events   services.OrderEventPublisher
	invoices services.InvoiceExporter
	gateway  payments.TopUpGateway
	locker   services.Locker
	lockPing func(context.Context) error
}

func newAdapters(ctx context.Context, cfg config.Config, logger *zap.Logger) (*adapters, error) {
	a := &adapters{}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		locker, err := lock.NewRedisLocker(a.redis)
		if err != nil {
			return nil, fmt.Errorf("redis locker: %w", err)
		}
		a.locker, a.lockPing = locker, locker.Ping
	} else {
		logger.Warn("redis not configured; cleanup sweeps use a process-local lock")
		locker := lock.NewMemoryLocker()
		a.locker, a.lockPing = locker, locker.Ping
	}

	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.pubsub = client
		a.topic = client.Topic(topicName)
		publisher, err := jobs.NewPubSubOrderEventPublisher(a.topic)
		if err != nil {
			return nil, fmt.Errorf("order event publisher: %w", err)
		}
		a.events = publisher
	}

	if bucket := strings.TrimSpace(cfg.Storage.InvoicesBucket); bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		a.storage = client
		exporter, err := platformstorage.NewInvoiceExporter(client, bucket, cfg.Checkout.Currency)
		if err != nil {
			return nil, fmt.Errorf("invoice exporter: %w", err)
		}
		a.invoices = exporter
	}

	if apiKey := strings.TrimSpace(cfg.PSP.StripeAPIKey); apiKey != "" {
		gateway, err := payments.NewStripeTopUpGateway(payments.StripeGatewayConfig{
			APIKey: apiKey,
			Logger: observability.EventLogger(logger.Named("payments")),
			Clock:  time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe gateway: %w", err)
		}
		a.gateway = gateway
	} else {
		logger.Warn("stripe api key not configured; wallet top-ups are disabled")
	}

	return a, nil
}

func (a *adapters) close(logger *zap.Logger) {
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, a *adapters) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			_, err = client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				if err := fetcher.Ping(ctx); err != nil {
					return err
				}
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if a != nil && a.lockPing != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "lock",
			Timeout:  500 * time.Millisecond,
			Optional: true,
			Check:    a.lockPing,
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// buildWebhookMiddleware verifies provider callbacks against Security.HMAC.Secrets, falling back
// to Webhooks.SigningSecret for the payments secret.
func buildWebhookMiddleware(logger *zap.Logger, meter metric.Meter, cfg config.Config) func(http.Handler) http.Handler {
	keyed := make(map[string]string, len(cfg.Security.HMAC.Secrets)+1)
	for name, secret := range cfg.Security.HMAC.Secrets {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" && secret != "" {
			keyed[name] = secret
		}
	}
	if _, ok := keyed[webhookSecretName]; !ok && strings.TrimSpace(cfg.Webhooks.SigningSecret) != "" {
		keyed[webhookSecretName] = cfg.Webhooks.SigningSecret
	}
	if len(keyed) == 0 {
		return nil
	}

	verifier := auth.NewWebhookVerifier(staticSecretProvider(keyed), auth.NewMemoryNonceStore(), auth.WebhookOptions{
		SignatureHeader: cfg.Security.HMAC.SignatureHeader,
		TimestampHeader: cfg.Security.HMAC.TimestampHeader,
		NonceHeader:     cfg.Security.HMAC.NonceHeader,
		ClockSkew:       cfg.Security.HMAC.ClockSkew,
		NonceTTL:        cfg.Security.HMAC.NonceTTL,
		Logger:          logger,
		Meter:           meter,
	})
	return verifier.RequireSignature(webhookSecretName)
}

func staticSecretProvider(keyed map[string]string) auth.SecretProvider {
	return func(_ context.Context, name string) (string, error) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return "", errors.New("auth: secret name required")
		}
		if secret, ok := keyed[key]; ok && secret != "" {
			return secret, nil
		}
		return "", fmt.Errorf("auth: secret %q not configured", key)
	}
}

func buildOIDCMiddleware(logger *zap.Logger, meter metric.Meter, cfg config.Config) func(http.Handler) http.Handler {
	jwksURL := strings.TrimSpace(cfg.Security.OIDC.JWKSURL)
	if jwksURL == "" {
		logger.Warn("auth: OIDC JWKS url not configured; internal routes are unauthenticated")
		return nil
	}
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(jwksURL, &http.Client{Timeout: 5 * time.Second})
	return auth.NewOIDCValidator(cache, logger, meter).RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func orderRateLimit(env map[string]string) (int, time.Duration) {
	limit := defaultOrderRateLimit
	if raw := strings.TrimSpace(env["API_CHECKOUT_RATE_LIMIT"]); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	window := defaultOrderRateWindow
	if raw := strings.TrimSpace(env["API_CHECKOUT_RATE_WINDOW"]); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			window = v
		}
	}
	return limit, window
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := secrets.Options{
		Environment:    envLabel,
		DefaultProject: defaultProject,
		ProjectMap:     lowerKeys(parseKeyValueList(lookup("API_SECRET_PROJECT_IDS"))),
		VersionPins:    secretVersionPins(lookup("API_SECRET_VERSION_PINS")),
		FallbackPath:   fallbackPath,
		Logger:         logger.Named("secrets"),
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts.ClientOptions = append(opts.ClientOptions, option.WithCredentialsFile(credentialsFile))
	}
	return secrets.NewFetcher(ctx, opts)
}

// requiredSecretNames lists secrets whose absence must stop startup.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.TopUpSigningSecret"}
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	for _, key := range sortedKeys(parseKeyValueList(env["API_SECURITY_HMAC_SECRETS"])) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(key)))
	}
	return uniqueStrings(required)
}

// secretVersionPins parses "name=version" pairs; names may carry a secret:// or sm:// prefix.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		ref = strings.TrimPrefix(strings.TrimPrefix(ref, "secret://"), "sm://")
		if ref = strings.Trim(ref, "/"); ref != "" {
			pins[ref] = version
		}
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func lowerKeys(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[strings.ToLower(k)] = v
	}
	return out
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
