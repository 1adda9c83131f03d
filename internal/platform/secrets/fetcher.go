// Package secrets resolves secret:// references against Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCacheTTL = 10 * time.Minute

// AccessClient is the slice of the Secret Manager client the fetcher uses.
type AccessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Options configures a Fetcher.
type Options struct {
	// Environment selects the project from ProjectMap, e.g. "prod".
	Environment    string
	DefaultProject string
	ProjectMap     map[string]string
	// VersionPins maps a secret name to a fixed version instead of "latest".
	VersionPins map[string]string
	// FallbackPath is a KEY=VALUE file consulted when Secret Manager refuses or is unreachable.
	FallbackPath  string
	CacheTTL      time.Duration
	Logger        *zap.Logger
	Meter         metric.Meter
	Client        AccessClient
	ClientOptions []option.ClientOption
}

// Fetcher resolves and caches secret values.
type Fetcher struct {
	client    AccessClient
	ownClient bool
	project   string
	pins      map[string]string
	ttl       time.Duration
	logger    *zap.Logger
	lookups   metric.Int64Counter
	now       func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	expires time.Time
}

// NewFetcher builds a Fetcher, dialling Secret Manager unless a client is supplied.
func NewFetcher(ctx context.Context, opts Options) (*Fetcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("kirana-mart/secrets")
	}
	lookups, err := meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret lookups by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: lookup counter: %w", err)
	}

	project := strings.TrimSpace(opts.ProjectMap[strings.ToLower(opts.Environment)])
	if project == "" {
		project = strings.TrimSpace(opts.DefaultProject)
	}
	f := &Fetcher{
		client:       opts.Client,
		project:      project,
		pins:         opts.VersionPins,
		ttl:          opts.CacheTTL,
		logger:       logger,
		lookups:      lookups,
		now:          time.Now,
		fallbackPath: strings.TrimSpace(opts.FallbackPath),
		cache:        make(map[string]cached),
	}
	if f.ttl <= 0 {
		f.ttl = defaultCacheTTL
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, opts.ClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		f.client = client
		f.ownClient = true
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownClient {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret lets a Fetcher act as the config loader's secret resolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref, which looks like secret://name or
// secret://name?version=3&project=other.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	name, project, version, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if project == "" {
		project = f.project
	}
	if version == "" {
		version = f.pins[name]
	}
	if version == "" {
		version = "latest"
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project configured for %q", name)
	}
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)

	f.mu.Lock()
	if entry, ok := f.cache[resource]; ok && f.now().Before(entry.expires) {
		f.mu.Unlock()
		f.count(ctx, "cache")
		return entry.value, nil
	}
	f.mu.Unlock()

	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if fallbackWorthy(err) {
			if value, ok := f.lookupFallback(name); ok {
				f.logger.Warn("secret manager unavailable, using local fallback", zap.String("secret", name), zap.Error(err))
				f.count(ctx, "fallback")
				return value, nil
			}
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	value := string(resp.GetPayload().GetData())
	f.mu.Lock()
	f.cache[resource] = cached{value: value, expires: f.now().Add(f.ttl)}
	f.mu.Unlock()
	f.count(ctx, "remote")
	return value, nil
}

// Invalidate drops every cached version of the named secret.
func (f *Fetcher) Invalidate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	marker := "/secrets/" + name + "/versions/"
	for resource := range f.cache {
		if strings.Contains(resource, marker) {
			delete(f.cache, resource)
		}
	}
}

// Ping checks that the Secret Manager client can be used.
func (f *Fetcher) Ping(context.Context) error {
	if f == nil || f.client == nil {
		return errors.New("secrets: fetcher not initialised")
	}
	return nil
}

func (f *Fetcher) count(ctx context.Context, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) lookupFallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimPrefix(strings.TrimSpace(key), "secret://")
			f.fallback[key] = strings.TrimSpace(value)
		}
	})
	value, ok := f.fallback[name]
	return value, ok
}

func fallbackWorthy(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func parseReference(ref string) (name, project, version string, err error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return "", "", "", fmt.Errorf("secrets: invalid reference %q", ref)
	}
	name = strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", "", "", fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return name, strings.TrimSpace(query.Get("project")), strings.TrimSpace(query.Get("version")), nil
}
