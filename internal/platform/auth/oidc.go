package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/platform/httpx"
)

const (
	defaultJWKSTTL     = 15 * time.Minute
	iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"
)

var errKeyNotFound = errors.New("auth: signing key not found")

// ServiceIdentity describes the caller of an internal endpoint, typically Cloud Scheduler.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience []string
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores a verified service caller on the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the service caller, if any.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// JWKSCache fetches and caches a JSON Web Key Set, refreshing on expiry or on an unknown kid.
type JWKSCache struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	keys    jose.JSONWebKeySet
	expires time.Time
}

// NewJWKSCache constructs a cache for the key set at url.
func NewJWKSCache(url string, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{url: strings.TrimSpace(url), client: client, ttl: defaultJWKSTTL, now: time.Now}
}

// Key returns the verification key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Before(c.expires) {
		if key, ok := lookupKey(c.keys, kid); ok {
			return key, nil
		}
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := lookupKey(c.keys, kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	if c.url == "" {
		return errors.New("auth: jwks url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: fetch jwks: unexpected status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("auth: decode jwks: %w", err)
	}
	c.keys = set
	c.expires = c.now().Add(cacheLifetime(resp.Header.Get("Cache-Control"), c.ttl))
	return nil
}

func lookupKey(set jose.JSONWebKeySet, kid string) (any, bool) {
	for _, key := range set.Keys {
		if kid == "" || key.KeyID == kid {
			if key.IsPublic() {
				return key.Key, true
			}
			return key.Public().Key, true
		}
	}
	return nil, false
}

func cacheLifetime(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// KeyProvider resolves token verification keys.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (any, error)
}

// OIDCValidator guards internal endpoints with Google-signed OIDC tokens.
type OIDCValidator struct {
	keys    KeyProvider
	logger  *zap.Logger
	metrics verificationRecorder
}

// NewOIDCValidator constructs a validator. meter may be nil.
func NewOIDCValidator(keys KeyProvider, logger *zap.Logger, meter metric.Meter) *OIDCValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OIDCValidator{
		keys:    keys,
		logger:  logger.Named("oidc"),
		metrics: newVerificationRecorder("oidc", meter, logger),
	}
}

// RequireOIDC requires an RS256 token whose audience matches and whose issuer is one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			allowedIssuers[iss] = struct{}{}
		}
	}
	audience = strings.TrimSpace(audience)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			fail := func(status int, code, reason string) {
				v.metrics.record(ctx, false, reason, time.Since(start))
				v.logger.Warn("oidc verification failed", zap.String("reason", reason), zap.String("path", r.URL.Path))
				httpx.WriteError(ctx, w, httpx.NewError(code, "service token verification failed", status))
			}

			if v == nil || v.keys == nil || audience == "" || len(allowedIssuers) == 0 {
				fail(http.StatusServiceUnavailable, "verification_unavailable", "not_configured")
				return
			}
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				raw = strings.TrimSpace(r.Header.Get(iapAssertionHeader))
			}
			if raw == "" {
				fail(http.StatusUnauthorized, "unauthenticated", "token_missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				return v.keys.Key(ctx, kid)
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					fail(http.StatusServiceUnavailable, "verification_unavailable", "jwks_timeout")
					return
				}
				fail(http.StatusUnauthorized, "invalid_token", "token_invalid")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowedIssuers[issuer]; !ok {
				fail(http.StatusUnauthorized, "invalid_token", "issuer_mismatch")
				return
			}
			audiences := audienceClaim(claims["aud"])
			if !containsString(audiences, audience) {
				fail(http.StatusUnauthorized, "invalid_token", "audience_mismatch")
				return
			}

			identity := &ServiceIdentity{
				Subject:  claimAsString(claims, "sub"),
				Email:    claimAsString(claims, "email"),
				Issuer:   issuer,
				Audience: audiences,
			}
			v.metrics.record(ctx, true, "ok", time.Since(start))
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func audienceClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
