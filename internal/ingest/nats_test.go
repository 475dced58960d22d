package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/logging"
	"alertflow/internal/permanent"
	"alertflow/test/testutil"
)

type syncProcessor struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *syncProcessor) ProcessBatch(_ context.Context, events []domain.Event) (domain.BatchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return domain.BatchResponse{}, p.err
	}
	p.events = append(p.events, events...)
	return domain.BatchResponse{Processed: len(events)}, nil
}

func (p *syncProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestNATSSubscriberHandleClassifiesErrors(t *testing.T) {
	t.Parallel()

	processor := &syncProcessor{}
	subscriber := &NATSSubscriber{processor: processor, logger: logging.Discard(), timeout: time.Second}

	if err := subscriber.handle([]byte("not json")); !permanent.Is(err) {
		t.Fatalf("expected permanent decode error, got %v", err)
	}
	if err := subscriber.handle([]byte(testEventJSON("T1"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processor.count() != 1 {
		t.Fatalf("expected processed event")
	}

	processor.err = ErrUnavailable
	err := subscriber.handle([]byte(testEventJSON("T2")))
	if err == nil || permanent.Is(err) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestNATSSubscriberConsumesBatch(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	cfg := config.NATSIngestConfig{
		Enabled:       true,
		URL:           []string{url},
		Subject:       "alertflow.test.events",
		Stream:        "ALERTFLOW_TEST_EVENTS",
		ConsumerName:  "alertflow-test-ingest",
		DeliverGroup:  "alertflow-test-ingest",
		Workers:       2,
		AckWaitSec:    5,
		NackDelayMS:   10,
		MaxDeliver:    -1,
		MaxAckPending: 64,
	}
	processor := &syncProcessor{}
	subscriber, err := NewNATSSubscriber(cfg, processor, time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	defer func() { _ = subscriber.Close() }()

	nc := testutil.Connect(t, url)
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	batch, _ := json.Marshal([]map[string]string{
		{"source": "zabbix", "triggerid": "T1"},
		{"source": "zabbix", "triggerid": "T2"},
	})
	if _, err := js.Publish(cfg.Subject, batch); err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if _, err := js.Publish(cfg.Subject, []byte("garbage")); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for processor.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 processed events, got %d", processor.count())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
