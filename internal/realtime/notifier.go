package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/metrics"
)

const defaultPublishTimeout = 2 * time.Second

// Sink delivers one encoded update to subscribers of a routing key.
type Sink interface {
	Name() string
	Send(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// Options tunes notifier behavior.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Notifier fans alert updates out to every configured sink.
// Params: sinks and options.
// Returns: fire-and-forget publisher; failures are logged and counted only.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates change notifier.
func NewNotifier(sinks []Sink, opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Notifier{
		sinks:   sinks,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Publish sends one update to every sink.
// Params: caller context (its cancellation is ignored) and update.
// Returns: nothing; the caller transition is already committed.
func (n *Notifier) Publish(ctx context.Context, update domain.AlertUpdate) {
	if n == nil || len(n.sinks) == 0 {
		return
	}
	if update.RoutingKey == "" {
		update.RoutingKey = "tenant." + update.TenantID
	}
	body, err := json.Marshal(update)
	if err != nil {
		n.logger.Error("encode alert update failed", "alert_id", update.AlertID, "error", err.Error())
		return
	}

	base := context.WithoutCancel(ctx)
	for _, sink := range n.sinks {
		sendCtx, cancel := context.WithTimeout(base, n.timeout)
		err := sink.Send(sendCtx, update.RoutingKey, body)
		cancel()
		if err != nil {
			n.metrics.PublishFailure(sink.Name())
			n.logger.Warn("alert update publish failed",
				"publisher", sink.Name(),
				"alert_id", update.AlertID,
				"routing_key", update.RoutingKey,
				"error", err.Error(),
			)
		}
	}
}

// Close closes every sink.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	var errs []error
	for _, sink := range n.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
