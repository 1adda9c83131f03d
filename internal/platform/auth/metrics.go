package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const authMetricNamespace = "kirana-mart/auth"

// verificationRecorder counts verification outcomes per kind (oidc, hmac) and reason.
type verificationRecorder struct {
	kind     string
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

func newVerificationRecorder(kind string, meter metric.Meter, logger *zap.Logger) verificationRecorder {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(authMetricNamespace)
	}
	rec := verificationRecorder{kind: kind}
	var err error
	if rec.count, err = meter.Int64Counter("auth.verifications",
		metric.WithDescription("Request verification outcomes")); err != nil {
		logger.Warn("auth: verification counter unavailable", zap.Error(err))
	}
	if rec.duration, err = meter.Float64Histogram("auth.verification.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent verifying a request")); err != nil {
		logger.Warn("auth: verification histogram unavailable", zap.Error(err))
	}
	return rec
}

func (r verificationRecorder) record(ctx context.Context, success bool, reason string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", r.kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	if r.count != nil {
		r.count.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}
