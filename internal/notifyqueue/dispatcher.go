package notifyqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/metrics"
	"alertflow/internal/state"
)

const defaultLease = time.Minute

// DispatchStore is the store view the dispatcher needs.
type DispatchStore interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.AlertNotification, error)
	LeaseNotification(ctx context.Context, notificationID string, now, until time.Time) (bool, error)
	GetAlert(ctx context.Context, alertID string) (domain.AlertInstance, error)
	CancelPendingNotifications(ctx context.Context, alertID string, now time.Time) (int64, error)
}

// DispatcherOptions tunes dispatch batches.
// Params: batch size, fallback lease, clock, logger, and metrics.
// Returns: dispatcher settings; zero values fall back to defaults.
type DispatcherOptions struct {
	BatchSize int
	Lease     time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher hands due notifications to delivery workers.
type Dispatcher struct {
	store     DispatchStore
	producer  Producer
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	lease     time.Duration
}

// NewDispatcher creates due-notification dispatcher.
// Params: store, job producer, and options.
// Returns: dispatcher ready for DispatchDue or Run.
func NewDispatcher(store DispatchStore, producer Producer, opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	return &Dispatcher{
		store:     store,
		producer:  producer,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		batchSize: opts.BatchSize,
		lease:     opts.Lease,
	}
}

// DispatchDue leases and enqueues one batch of due notifications.
// Params: context.
// Returns: number of enqueued jobs; per-row failures are logged, store listing failure is returned.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.clock.Now()
	due, err := d.store.DueNotifications(ctx, now, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch due notifications: %w", err)
	}

	dispatched := 0
	for _, notification := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		ok, err := d.dispatchOne(ctx, notification, now)
		if err != nil {
			d.logger.Warn("notification dispatch failed",
				"notification_id", notification.ID,
				"alert_id", notification.AlertID,
				"channel", notification.Channel,
				"error", err.Error(),
			)
			d.metrics.NotificationDispatched(false)
			continue
		}
		if ok {
			dispatched++
			d.metrics.NotificationDispatched(true)
		}
	}
	return dispatched, nil
}

// dispatchOne leases one row and enqueues its job.
// A lost lease is skipped without error; rows of a missing or inactive alert are cancelled.
func (d *Dispatcher) dispatchOne(ctx context.Context, notification domain.AlertNotification, now time.Time) (bool, error) {
	alert, err := d.store.GetAlert(ctx, notification.AlertID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return false, err
	}
	if err != nil || !alert.Status.Active() {
		return false, d.cancelStale(ctx, notification, now)
	}

	lease := notification.Throttle()
	if lease <= 0 {
		lease = d.lease
	}
	leased, err := d.store.LeaseNotification(ctx, notification.ID, now, now.Add(lease))
	if err != nil {
		return false, err
	}
	if !leased {
		return false, nil
	}

	notification.Attempts++
	job := NewJob(notification, alert, now)
	if err := d.producer.Enqueue(ctx, job); err != nil {
		return false, err
	}
	d.logger.Debug("notification dispatched", "job_id", job.ID, "notification_id", notification.ID, "attempt", job.Attempt)
	return true, nil
}

// cancelStale cancels pending rows left behind when post-commit cancellation failed.
func (d *Dispatcher) cancelStale(ctx context.Context, notification domain.AlertNotification, now time.Time) error {
	cancelled, err := d.store.CancelPendingNotifications(ctx, notification.AlertID, now)
	if err != nil {
		return fmt.Errorf("cancel stale notifications of alert %s: %w", notification.AlertID, err)
	}
	d.logger.Info("stale notifications cancelled", "alert_id", notification.AlertID, "count", cancelled)
	return nil
}

// Run dispatches on a fixed interval until ctx is cancelled.
// Params: context and poll interval.
// Returns: nil after cancellation.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchDue(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch cycle failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
