package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kirana-mart/api/internal/repositories"
)

const (
	cleanupLockKey          = "locks:cleanup:orders-sweep"
	defaultCleanupInterval  = 5 * time.Minute
	defaultCleanupBatchSize = 100
	defaultCleanupLockTTL   = 2 * time.Minute
	cleanupMetricNamespace  = "kirana-mart/cleanup"
)

// Locker grants a lease on key across replicas. Acquired is false when another holder owns it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// CleanupSchedulerDeps wires the sweep collaborators.
type CleanupSchedulerDeps struct {
	Orders    repositories.OrderRepository
	Service   OrderService
	Locker    Locker
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	Meter     metric.Meter
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type cleanupScheduler struct {
	orders    repositories.OrderRepository
	service   OrderService
	locker    Locker
	interval  time.Duration
	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)

	running sync.Mutex

	cancelled metric.Int64Counter
	failed    metric.Int64Counter
	restocked metric.Int64Counter
}

// NewCleanupScheduler constructs the sweep that auto-cancels unpaid orders and retries restocks.
func NewCleanupScheduler(deps CleanupSchedulerDeps) (CleanupScheduler, error) {
	if deps.Orders == nil {
		return nil, errors.New("cleanup scheduler: order repository is required")
	}
	if deps.Service == nil {
		return nil, errors.New("cleanup scheduler: order service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultCleanupBatchSize
	}
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultCleanupLockTTL
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(cleanupMetricNamespace)
	}
	cancelled, err := meter.Int64Counter("cleanup.orders.cancelled",
		metric.WithDescription("Pending orders auto-cancelled by the cleanup sweep"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("cleanup.orders.failed",
		metric.WithDescription("Orders the cleanup sweep could not cancel"))
	if err != nil {
		return nil, err
	}
	restocked, err := meter.Int64Counter("cleanup.items.restocked",
		metric.WithDescription("Cancelled items whose stock restore was retried successfully"))
	if err != nil {
		return nil, err
	}

	return &cleanupScheduler{
		orders:    deps.Orders,
		service:   deps.Service,
		locker:    deps.Locker,
		interval:  interval,
		batchSize: batch,
		lockTTL:   ttl,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
		cancelled: cancelled,
		failed:    failed,
		restocked: restocked,
	}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *cleanupScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger(ctx, "cleanup.sweep.failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep cancels expired pending orders and retries outstanding restocks. Per-order failures are
// logged and counted; the sweep carries on.
func (s *cleanupScheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if !s.running.TryLock() {
		report.Skipped = true
		return report, nil
	}
	defer s.running.Unlock()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, cleanupLockKey, s.lockTTL)
		if err != nil {
			return report, err
		}
		if !acquired {
			report.Skipped = true
			s.logger(ctx, "cleanup.sweep.skipped", map[string]any{"reason": "lock held"})
			return report, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger(ctx, "cleanup.lock.release.failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	expired, err := s.orders.ListExpiredPending(ctx, repositories.ExpiredPendingQuery{
		Before: s.now(),
		Limit:  s.batchSize,
	})
	if err != nil {
		return report, err
	}
	for _, order := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		if _, err := s.service.CancelExpired(ctx, order.ID); err != nil {
			if errors.Is(err, ErrOrderAlreadyCancelled) || errors.Is(err, ErrOrderInvalidState) {
				continue
			}
			report.Failed++
			s.failed.Add(ctx, 1)
			s.logger(ctx, "cleanup.order.cancel.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		report.Cancelled++
		s.cancelled.Add(ctx, 1)
	}

	pending, err := s.orders.ListPendingRestock(ctx, s.batchSize)
	if err != nil {
		return report, err
	}
	for _, order := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := s.service.RetryRestock(ctx, order.ID)
		report.Restocked += n
		if n > 0 {
			s.restocked.Add(ctx, int64(n))
		}
		if err != nil {
			s.logger(ctx, "cleanup.order.restock.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.logger(ctx, "cleanup.sweep.completed", map[string]any{
		"examined":  report.Examined,
		"cancelled": report.Cancelled,
		"failed":    report.Failed,
		"restocked": report.Restocked,
	})
	return report, nil
}
