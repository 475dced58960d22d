package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/metrics"
)

// Deliverer sends one job over a concrete channel.
// Params: context and job.
// Returns: request/response snapshots stored for audit, and delivery error.
type Deliverer interface {
	Deliver(ctx context.Context, job Job) (request, response []byte, err error)
}

// DeliveryStore records attempt outcomes.
type DeliveryStore interface {
	MarkNotificationSent(ctx context.Context, notificationID string, request, response []byte, now time.Time) error
	MarkNotificationFailed(ctx context.Context, notificationID string, request, response []byte, now time.Time, maxAttempts int) error
}

// DeliveryOptions tunes the delivery handler.
type DeliveryOptions struct {
	MaxAttempts int
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// NewDeliveryHandler builds the worker handler that sends jobs and records outcomes.
// Params: store, deliverers keyed by channel ("*" matches any channel), and options.
// Returns: handler; transient send failures are rescheduled through the store and acked,
// permanent failures close the row and return a permanent error, store failures are returned for redelivery.
func NewDeliveryHandler(store DeliveryStore, deliverers map[string]Deliverer, opts DeliveryOptions) Handler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(ctx context.Context, job Job) error {
		deliverer, ok := deliverers[job.Channel]
		if !ok {
			deliverer, ok = deliverers["*"]
		}
		if !ok {
			if err := store.MarkNotificationFailed(ctx, job.NotificationID, nil, nil, opts.Clock.Now(), 1); err != nil {
				return fmt.Errorf("record unroutable notification %s: %w", job.NotificationID, err)
			}
			opts.Metrics.NotificationDelivered(job.Channel, "failed")
			return MarkPermanent(fmt.Errorf("no deliverer for channel %q", job.Channel))
		}

		request, response, sendErr := deliverer.Deliver(ctx, job)
		now := opts.Clock.Now()
		if sendErr == nil {
			if err := store.MarkNotificationSent(ctx, job.NotificationID, request, response, now); err != nil {
				return fmt.Errorf("record sent notification %s: %w", job.NotificationID, err)
			}
			opts.Metrics.NotificationDelivered(job.Channel, "sent")
			return nil
		}

		maxAttempts := opts.MaxAttempts
		if IsPermanent(sendErr) {
			maxAttempts = 1
		}
		if err := store.MarkNotificationFailed(ctx, job.NotificationID, request, response, now, maxAttempts); err != nil {
			return fmt.Errorf("record failed notification %s: %w", job.NotificationID, err)
		}
		if IsPermanent(sendErr) || (maxAttempts > 0 && job.Attempt >= maxAttempts) {
			opts.Metrics.NotificationDelivered(job.Channel, "failed")
			return MarkPermanent(sendErr)
		}
		opts.Metrics.NotificationDelivered(job.Channel, "retry")
		opts.Logger.Warn("notification delivery will retry",
			"notification_id", job.NotificationID,
			"channel", job.Channel,
			"attempt", job.Attempt,
			"error", sendErr.Error(),
		)
		return nil
	}
}

// LogDeliverer writes jobs to the log instead of an external channel.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver logs the job and reports success.
func (d LogDeliverer) Deliver(_ context.Context, job Job) ([]byte, []byte, error) {
	request, err := json.Marshal(job)
	if err != nil {
		return nil, nil, MarkPermanent(fmt.Errorf("marshal job: %w", err))
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"channel", job.Channel,
		"target", strings.TrimSpace(job.Target),
		"alert_id", job.AlertID,
		"title", job.Alert.Title,
		"severity", job.Alert.Severity,
		"attempt", job.Attempt,
	)
	return request, []byte(`{"status":"logged"}`), nil
}
