package notifyqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/state"
	"alertflow/test/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dispatchStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingProducer struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (p *recordingProducer) Enqueue(_ context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) snapshot() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Job(nil), p.jobs...)
}

func seedAlert(t *testing.T, store *state.GormStore, id string, status domain.AlertStatus) domain.AlertInstance {
	t.Helper()
	alert := domain.AlertInstance{
		ID:          id,
		TenantID:    "acme",
		DedupeKey:   "zabbix:" + id,
		Title:       "CPU high",
		Severity:    domain.SeverityHigh,
		Status:      status,
		FirstSeenAt: dispatchStart,
		LastSeenAt:  dispatchStart,
	}
	require.NoError(t, store.WithinTx(context.Background(), func(tx state.AlertTx) error {
		return tx.InsertAlert(context.Background(), &alert)
	}))
	return alert
}

func seedNotification(t *testing.T, store *state.GormStore, id, alertID string, due time.Time, throttleSec int) {
	t.Helper()
	require.NoError(t, store.InsertNotifications(context.Background(), []domain.AlertNotification{{
		ID:              id,
		AlertID:         alertID,
		TenantID:        "acme",
		StepID:          "p1/1",
		Channel:         "email",
		Target:          "ops@example.com",
		ThrottleSeconds: throttleSec,
		Status:          domain.NotificationPending,
		NextAttemptAt:   due,
	}}))
}

func TestDispatchDueLeasesAndEnqueuesOnce(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)
	clk := clock.NewManual(dispatchStart)
	producer := &recordingProducer{}
	dispatcher := NewDispatcher(store, producer, DispatcherOptions{Clock: clk})

	seedAlert(t, store, "a1", domain.AlertStatusOpen)
	seedNotification(t, store, "n-now", "a1", dispatchStart, 60)
	seedNotification(t, store, "n-later", "a1", dispatchStart.Add(5*time.Minute), 60)

	count, err := dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	jobs := producer.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "n-now", jobs[0].NotificationID)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, BuildJobID("n-now", 1), jobs[0].ID)
	assert.Equal(t, "CPU high", jobs[0].Alert.Title)
	assert.Equal(t, "ops@example.com", jobs[0].Target)

	count, err = dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "leased row must not be dispatched again within the lease")

	clk.Advance(61 * time.Second)
	count, err = dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	jobs = producer.snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, jobs[1].Attempt)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)
}

func TestDispatchDueSkipsInactiveAlert(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)
	producer := &recordingProducer{}
	dispatcher := NewDispatcher(store, producer, DispatcherOptions{Clock: clock.NewManual(dispatchStart)})

	seedAlert(t, store, "a-resolved", domain.AlertStatusResolved)
	seedNotification(t, store, "n1", "a-resolved", dispatchStart, 0)

	count, err := dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, producer.snapshot())

	rows, err := store.ListNotifications(context.Background(), "a-resolved")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Attempts)
	assert.Equal(t, domain.NotificationCancelled, rows[0].Status)

	due, err := store.DueNotifications(context.Background(), dispatchStart.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "cancelled row must leave the due queue")
}

func TestDispatchDueCancelsOrphanedNotifications(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)
	producer := &recordingProducer{}
	dispatcher := NewDispatcher(store, producer, DispatcherOptions{Clock: clock.NewManual(dispatchStart)})

	seedNotification(t, store, "n-orphan", "a-missing", dispatchStart, 0)

	count, err := dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, producer.snapshot())

	rows, err := store.ListNotifications(context.Background(), "a-missing")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.NotificationCancelled, rows[0].Status)
}

func TestDispatchDueProducerFailureKeepsLease(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)
	clk := clock.NewManual(dispatchStart)
	producer := &recordingProducer{err: errors.New("nats down")}
	dispatcher := NewDispatcher(store, producer, DispatcherOptions{Clock: clk, Lease: 30 * time.Second})

	seedAlert(t, store, "a1", domain.AlertStatusOpen)
	seedNotification(t, store, "n1", "a1", dispatchStart, 0)

	count, err := dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	producer.mu.Lock()
	producer.err = nil
	producer.mu.Unlock()

	count, err = dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed enqueue retries only after lease expiry")

	clk.Advance(31 * time.Second)
	count, err = dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, producer.snapshot()[0].Attempt)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)
	dispatcher := NewDispatcher(store, &recordingProducer{}, DispatcherOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}
