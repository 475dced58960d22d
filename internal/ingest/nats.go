package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/permanent"

	"github.com/nats-io/nats.go"
)

const ingestStreamMaxAge = 24 * time.Hour

// NATSSubscriber consumes event payloads via a JetStream queue consumer.
// Params: NATS connection, queue subscription, and batch processor.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc        *nats.Conn
	subs      []*nats.Subscription
	processor BatchProcessor
	logger    *slog.Logger
	nackDelay time.Duration
	timeout   time.Duration
}

// NewNATSSubscriber creates JetStream queue consumers for event ingestion.
// Params: ingest NATS config, processor, per-message timeout, and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, processor BatchProcessor, timeout time.Duration, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertflow-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		processor: processor,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		timeout:   timeout,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.onMessage, subOpts...)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

func (s *NATSSubscriber) onMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	err := s.handle(message.Data)
	switch {
	case err == nil:
		s.ackMessage(message, "processed")
	case permanent.Is(err):
		s.logger.Warn("nats ingest dropped message", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "invalid")
	default:
		s.logger.Error("nats ingest processing failed", "subject", message.Subject, "error", err.Error())
		s.nackMessage(message)
	}
}

// handle decodes and processes one message body.
// Params: raw JSON object or array.
// Returns: permanent error for undecodable payloads, plain error for retryable failures.
func (s *NATSSubscriber) handle(body []byte) error {
	events, err := domain.DecodeEvents(body)
	if err != nil {
		return permanent.Mark(err)
	}
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	response, err := s.processor.ProcessBatch(ctx, events)
	if err != nil {
		return err
	}
	for _, result := range response.Results {
		if result.Action == domain.ActionError {
			s.logger.Warn("nats ingest event failed", "dedupe_key", result.DedupeKey, "error", result.Error)
		}
	}
	return nil
}

func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (s *NATSSubscriber) nackMessage(message *nats.Msg) {
	var err error
	if s.nackDelay > 0 {
		err = message.NakWithDelay(s.nackDelay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscriptions and closes connection.
func (s *NATSSubscriber) Close() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.nc.Close()
	return errors.Join(errs...)
}

// ensureStream creates the ingest stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   ingestStreamMaxAge,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
