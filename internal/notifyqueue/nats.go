package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alertflow/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	jobStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge = 7 * 24 * time.Hour
	msgIDHeader     = "Nats-Msg-Id"
)

// NATSProducer publishes delivery jobs into a JetStream work queue.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for delivery jobs.
// Params: dispatch config with url, stream, and subject.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.DispatchConfig) (*NATSProducer, error) {
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one job; the job id doubles as JetStream dedup id.
// Params: context and job payload.
// Returns: marshal or publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(msgIDHeader, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes delivery jobs through a durable queue-group consumer.
// Params: NATS connection, subscription, and dead-letter settings.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	sub       *nats.Subscription
	logger    *slog.Logger
	handler   Handler
	worker    config.WorkerConfig
	nackDelay time.Duration
}

// NewNATSWorker starts queue consumer for delivery jobs.
// Params: dispatch config (worker section included), logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.DispatchConfig, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:        nc,
		js:        js,
		logger:    logger,
		handler:   handler,
		worker:    cfg.Worker,
		nackDelay: time.Duration(cfg.Worker.NackDelayMS) * time.Millisecond,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.Worker.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.Worker.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.Worker.MaxDeliver),
		nats.MaxAckPending(cfg.Worker.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.Worker.DeliverGroup, worker.handleMessage, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe delivery %q/%q: %w", cfg.Subject, cfg.Worker.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handleMessage runs handler for one message and settles it.
// Undecodable payloads are acked; permanent or exhausted failures go to the DLQ.
func (w *NATSWorker) handleMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.warn("delivery job decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}
	if w.handler == nil {
		_ = message.Ack()
		return
	}

	err := w.handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}
	w.error("delivery job failed", "job_id", job.ID, "notification_id", job.NotificationID, "channel", job.Channel, "error", err.Error())

	attempts := deliveryAttempts(message)
	reason := classify(err, attempts, w.worker.MaxDeliver)
	if reason == "" {
		w.nak(message)
		return
	}
	if w.worker.DLQ {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.error("delivery dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

func (w *NATSWorker) warn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}

func (w *NATSWorker) error(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// classify maps a handler failure to a dead-letter reason.
// Params: handler error, delivery count, and consumer max deliver.
// Returns: reason, or empty string when the message should be redelivered.
func classify(err error, attempts uint64, maxDeliver int) DLQReason {
	switch {
	case IsPermanent(err):
		return DLQReasonPermanentError
	case isMaxDeliverExceeded(attempts, maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openJetStream opens connection and ensures job and dead-letter streams exist.
// Params: dispatch config.
// Returns: NATS connection, JetStream context, and setup error.
func openJetStream(cfg config.DispatchConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertflow-dispatch"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect dispatch nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for dispatch: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, jobStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.Worker.DLQ {
		if err := ensureStream(js, cfg.Worker.DLQStream, cfg.Worker.DLQSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed job metadata to the dead-letter subject.
// Params: message, decoded job, failure reason/cause, and attempt counter.
// Returns: publish error when DLQ publish fails.
func (w *NATSWorker) publishDLQ(
	ctx context.Context,
	message *nats.Msg,
	job Job,
	reason DLQReason,
	cause error,
	attempts uint64,
) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      strings.TrimSpace(errorString(cause)),
		Attempts:   attempts,
		MaxDeliver: w.worker.MaxDeliver,
		FailedAt:   time.Now().UTC(),
	}
	if message != nil {
		entry.Subject = message.Subject
		if message.Header != nil {
			entry.OriginalMsgID = strings.TrimSpace(message.Header.Get(msgIDHeader))
		}
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal delivery dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.worker.DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(msgIDHeader, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery dlq entry: %w", err)
	}
	return nil
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
