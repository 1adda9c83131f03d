package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretManager() *fakeSecretManager {
	return &fakeSecretManager{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if err := f.errs[req.GetName()]; err != nil {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (f *fakeSecretManager) Close() error { return nil }

func newTestFetcher(t *testing.T, client AccessClient, opts Options) *Fetcher {
	t.Helper()
	opts.Client = client
	opts.Meter = noop.NewMeterProvider().Meter("test")
	fetcher, err := NewFetcher(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return fetcher
}

func TestResolveCachesRemoteValue(t *testing.T) {
	client := newFakeSecretManager()
	resource := "projects/kirana-prod/secrets/stripe-api-key/versions/latest"
	client.values[resource] = "sk_live"
	fetcher := newTestFetcher(t, client, Options{Environment: "prod", ProjectMap: map[string]string{"prod": "kirana-prod"}})

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://stripe-api-key")
		if err != nil || got != "sk_live" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}

	fetcher.Invalidate("stripe-api-key")
	if _, err := fetcher.ResolveSecret(context.Background(), "sm://stripe-api-key"); err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if client.calls[resource] != 2 {
		t.Fatalf("expected refetch after invalidation, got %d", client.calls[resource])
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	client := newFakeSecretManager()
	client.values["projects/other/secrets/hmac/versions/3"] = "v3"
	client.values["projects/kirana/secrets/topup/versions/7"] = "v7"
	fetcher := newTestFetcher(t, client, Options{DefaultProject: "kirana", VersionPins: map[string]string{"topup": "7"}})

	if got, err := fetcher.Resolve(context.Background(), "secret://hmac?version=3&project=other"); err != nil || got != "v3" {
		t.Fatalf("explicit version: %q %v", got, err)
	}
	if got, err := fetcher.Resolve(context.Background(), "secret://topup"); err != nil || got != "v7" {
		t.Fatalf("pinned version: %q %v", got, err)
	}
}

func TestResolveFallsBackToLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte("# local\nsecret://stripe-api-key=sk_test\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	client := newFakeSecretManager()
	client.errs["projects/kirana/secrets/stripe-api-key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	client.errs["projects/kirana/secrets/missing/versions/latest"] = status.Error(codes.Unavailable, "down")
	fetcher := newTestFetcher(t, client, Options{DefaultProject: "kirana", FallbackPath: path})

	if got, err := fetcher.Resolve(context.Background(), "secret://stripe-api-key"); err != nil || got != "sk_test" {
		t.Fatalf("expected fallback value, got %q %v", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatalf("expected error when neither source has the secret")
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	fetcher := newTestFetcher(t, newFakeSecretManager(), Options{DefaultProject: "kirana"})
	for _, ref := range []string{"", "https://x", "secret://"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}
