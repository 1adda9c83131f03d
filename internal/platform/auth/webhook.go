package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 10 * time.Minute
	maxSignedBodyBytes     = 1 << 20
)

// SecretProvider resolves the shared secret for a named webhook integration.
type SecretProvider func(ctx context.Context, name string) (string, error)

// NonceStore remembers nonces until expiry. UseNonce reports false for a replay.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}
	key := scope + "::" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// WebhookVerifier authenticates signed server-to-server callbacks. The signature is an
// HMAC-SHA256 over method, path, timestamp, nonce and the hex SHA-256 of the body, one per line.
type WebhookVerifier struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	metrics verificationRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// WebhookOptions overrides verifier defaults. Zero values keep the default.
type WebhookOptions struct {
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
	Logger          *zap.Logger
	Meter           metric.Meter
	Clock           func() time.Time
}

// NewWebhookVerifier builds a verifier over the given secret provider and nonce store.
func NewWebhookVerifier(secrets SecretProvider, nonces NonceStore, opts WebhookOptions) *WebhookVerifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &WebhookVerifier{
		secrets:         secrets,
		nonces:          nonces,
		logger:          logger.Named("webhook"),
		metrics:         newVerificationRecorder("hmac", opts.Meter, logger),
		now:             opts.Clock,
		signatureHeader: firstNonEmpty(opts.SignatureHeader, defaultSignatureHeader),
		timestampHeader: firstNonEmpty(opts.TimestampHeader, defaultTimestampHeader),
		nonceHeader:     firstNonEmpty(opts.NonceHeader, defaultNonceHeader),
		clockSkew:       opts.ClockSkew,
		nonceTTL:        opts.NonceTTL,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.clockSkew <= 0 {
		v.clockSkew = defaultClockSkew
	}
	if v.nonceTTL <= 0 {
		v.nonceTTL = defaultNonceTTL
	}
	return v
}

type webhookFailure struct {
	status int
	code   string
	reason string
}

// RequireSignature rejects requests whose signature does not verify against the named secret.
func (v *WebhookVerifier) RequireSignature(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			if failure := v.verify(ctx, r, secretName); failure != nil {
				v.metrics.record(ctx, false, failure.reason, v.now().Sub(start))
				v.logger.Warn("webhook verification failed",
					zap.String("secret", secretName),
					zap.String("reason", failure.reason),
					zap.String("path", r.URL.Path))
				httpx.WriteError(ctx, w, httpx.NewError(failure.code, "webhook signature verification failed", failure.status))
				return
			}
			v.metrics.record(ctx, true, "ok", v.now().Sub(start))
			next.ServeHTTP(w, r)
		})
	}
}

func (v *WebhookVerifier) verify(ctx context.Context, r *http.Request, secretName string) *webhookFailure {
	unavailable := func(reason string) *webhookFailure {
		return &webhookFailure{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: reason}
	}
	rejected := func(reason string) *webhookFailure {
		return &webhookFailure{status: http.StatusUnauthorized, code: "invalid_signature", reason: reason}
	}

	if secretName == "" || v.secrets == nil {
		return unavailable("secret_not_configured")
	}
	secret, err := v.secrets(ctx, secretName)
	if err != nil || secret == "" {
		return unavailable("secret_unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if rawSignature == "" || rawTimestamp == "" || nonce == "" {
		return rejected("headers_missing")
	}
	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return rejected("timestamp_invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return rejected("timestamp_skew")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return &webhookFailure{status: http.StatusBadRequest, code: "invalid_body", reason: "body_unreadable"}
	}
	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return rejected("signature_encoding")
	}
	if !hmac.Equal(signature, SignWebhook(secret, r.Method, r.URL.EscapedPath(), rawTimestamp, nonce, body)) {
		return rejected("signature_mismatch")
	}

	if v.nonces == nil {
		return unavailable("nonce_store_unavailable")
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, v.now().Add(v.nonceTTL))
	if err != nil {
		return unavailable("nonce_store_error")
	}
	if !stored {
		return rejected("nonce_replay")
	}
	return nil
}

// SignWebhook computes the raw signature a sender attaches to a webhook request.
func SignWebhook(secret, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
