package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/ingest"
	"alertflow/internal/lifecycle"
	"alertflow/internal/logging"
	"alertflow/internal/maintenance"
	"alertflow/internal/state"
	"alertflow/test/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var processorStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func zabbixRule() domain.AlertRule {
	return domain.AlertRule{
		ID:              "zbx-cpu",
		TenantID:        "acme",
		Source:          "zabbix",
		Enabled:         true,
		Matchers:        domain.Matchers{"hostid": {"H1", "H2"}},
		DedupeTemplate:  "{{source}}:{{triggerid}}",
		DefaultSeverity: domain.SeverityWarning,
		AutoResolve:     true,
	}
}

type processorHarness struct {
	store     *state.GormStore
	clock     *clock.Manual
	processor *Processor
}

func newProcessorHarness(t *testing.T, workers int) processorHarness {
	t.Helper()

	store := testutil.NewStore(t)
	require.NoError(t, store.UpsertRule(context.Background(), zabbixRule()))

	clk := clock.NewManual(processorStart)
	controller := lifecycle.NewController(store, lifecycle.Options{Clock: clk, Logger: logging.Discard()})
	processor := NewProcessor(store, controller, ProcessorOptions{
		Workers:     workers,
		Maintenance: maintenance.NewChecker(store),
		Clock:       clk,
		Logger:      logging.Discard(),
	})
	return processorHarness{store: store, clock: clk, processor: processor}
}

func TestProcessBatchLifecycle(t *testing.T) {
	t.Parallel()

	h := newProcessorHarness(t, 1)
	ctx := context.Background()

	response, err := h.processor.ProcessBatch(ctx, []domain.Event{
		{Source: "zabbix", TriggerID: "T1", HostID: "H1", Status: "PROBLEM (4)", Severity: "4", TriggerName: "CPU high"},
		{Source: "zabbix", TriggerID: "T1", HostID: "H1", Status: "PROBLEM", Severity: "high", TriggerName: "CPU high"},
		{Source: "zabbix", TriggerID: "T2", HostID: "H9"},
		{Source: "prometheus", TriggerID: "T3"},
		{Source: " "},
	})
	require.NoError(t, err)
	require.Equal(t, 5, response.Processed)
	require.Len(t, response.Results, 5)

	assert.Equal(t, domain.ActionOpened, response.Results[0].Action)
	assert.Equal(t, "zabbix:T1", response.Results[0].DedupeKey)
	assert.NotEmpty(t, response.Results[0].AlertID)
	assert.Equal(t, domain.ActionRefreshed, response.Results[1].Action)
	assert.Equal(t, response.Results[0].AlertID, response.Results[1].AlertID)
	assert.Equal(t, domain.ActionSkippedNoMatch, response.Results[2].Action)
	assert.Equal(t, domain.ActionSkippedNoRule, response.Results[3].Action)
	assert.Equal(t, domain.ActionError, response.Results[4].Action)
	assert.NotEmpty(t, response.Results[4].Error)

	alert, err := h.store.GetAlert(ctx, response.Results[0].AlertID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, alert.Severity)
	assert.Equal(t, "CPU high", alert.Title)

	h.clock.Advance(time.Minute)
	response, err = h.processor.ProcessBatch(ctx, []domain.Event{
		{Source: "zabbix", TriggerID: "T1", HostID: "H1", Status: "OK (0)"},
		{Source: "zabbix", TriggerID: "T1", HostID: "H1", Value: "0"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAutoResolved, response.Results[0].Action)
	assert.Equal(t, domain.ActionOKNoOpenAlert, response.Results[1].Action)
}

func TestProcessBatchAppliesSameKeyEventsInOrder(t *testing.T) {
	t.Parallel()

	h := newProcessorHarness(t, 8)
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		trigger := fmt.Sprintf("T%d", round)
		other := fmt.Sprintf("U%d", round)
		response, err := h.processor.ProcessBatch(ctx, []domain.Event{
			{Source: "zabbix", TriggerID: trigger, HostID: "H1", Status: "PROBLEM (4)"},
			{Source: "zabbix", TriggerID: other, HostID: "H2", Status: "PROBLEM (4)"},
			{Source: "zabbix", TriggerID: trigger, HostID: "H1", Status: "OK (3)"},
		})
		require.NoError(t, err)
		require.Len(t, response.Results, 3)

		require.Equal(t, domain.ActionOpened, response.Results[0].Action, "round %d", round)
		require.Equal(t, domain.ActionOpened, response.Results[1].Action, "round %d", round)
		require.Equal(t, domain.ActionAutoResolved, response.Results[2].Action, "round %d", round)
		require.Equal(t, response.Results[0].AlertID, response.Results[2].AlertID)

		alert, err := h.store.GetAlert(ctx, response.Results[0].AlertID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertStatusResolved, alert.Status, "round %d", round)
	}
}

func TestProcessBatchSerializesKeyGroups(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string][]string{}
	applier := applierFunc(func(_ context.Context, in lifecycle.Input) (lifecycle.Outcome, error) {
		if in.Event.Status == "PROBLEM" {
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		seen[in.DedupeKey] = append(seen[in.DedupeKey], in.Event.Status)
		mu.Unlock()
		return lifecycle.Outcome{Action: domain.ActionRefreshed}, nil
	})
	processor := NewProcessor(staticRules{zabbixRule()}, applier, ProcessorOptions{Workers: 4, Logger: logging.Discard()})

	events := make([]domain.Event, 0, 12)
	for _, status := range []string{"PROBLEM", "UPDATE", "OK"} {
		for _, trigger := range []string{"T1", "T2", "T3", "T4"} {
			events = append(events, domain.Event{Source: "zabbix", TriggerID: trigger, HostID: "H1", Status: status})
		}
	}
	response, err := processor.ProcessBatch(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, response.Results, len(events))

	require.Len(t, seen, 4)
	for key, statuses := range seen {
		assert.Equal(t, []string{"PROBLEM", "UPDATE", "OK"}, statuses, key)
	}
}

func TestProcessBatchSuppressedByMaintenance(t *testing.T) {
	t.Parallel()

	h := newProcessorHarness(t, 2)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertMaintenanceWindow(ctx, domain.MaintenanceWindow{
		ID:       "mw-h1",
		TenantID: "acme",
		Enabled:  true,
		HostID:   "H1",
		StartsAt: processorStart.Add(-time.Hour),
		EndsAt:   processorStart.Add(time.Hour),
	}))

	response, err := h.processor.ProcessBatch(ctx, []domain.Event{
		{Source: "zabbix", TriggerID: "T1", HostID: "H1"},
		{Source: "zabbix", TriggerID: "T2", HostID: "H2"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenedSuppressed, response.Results[0].Action)
	assert.Equal(t, domain.ActionOpened, response.Results[1].Action)

	alert, err := h.store.GetAlert(ctx, response.Results[0].AlertID)
	require.NoError(t, err)
	assert.True(t, alert.Suppressed)
}

func TestProcessBatchNotConfigured(t *testing.T) {
	t.Parallel()

	var processor *Processor
	_, err := processor.ProcessBatch(context.Background(), []domain.Event{{Source: "zabbix"}})
	assert.ErrorIs(t, err, ingest.ErrUnavailable)

	processor = NewProcessor(failingRules{}, applierFunc(nil), ProcessorOptions{Logger: logging.Discard()})
	_, err = processor.ProcessBatch(context.Background(), []domain.Event{{Source: "zabbix"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorContains(t, err, "database is locked")
}

func TestProcessBatchDeadlineMarksUnstartedEvents(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	applier := applierFunc(func(ctx context.Context, in lifecycle.Input) (lifecycle.Outcome, error) {
		calls.Add(1)
		<-release
		return lifecycle.Outcome{Action: domain.ActionOpened, AlertID: "a-" + in.DedupeKey}, ctx.Err()
	})
	rules := staticRules{zabbixRule()}
	processor := NewProcessor(rules, applier, ProcessorOptions{
		Workers:      1,
		BatchTimeout: 20 * time.Millisecond,
		Logger:       logging.Discard(),
	})

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	response, err := processor.ProcessBatch(context.Background(), []domain.Event{
		{Source: "zabbix", TriggerID: "T1", HostID: "H1"},
		{Source: "zabbix", TriggerID: "T2", HostID: "H1"},
		{Source: "zabbix", TriggerID: "T3", HostID: "H1"},
	})
	require.NoError(t, err)
	require.Len(t, response.Results, 3)

	assert.Equal(t, domain.ActionOpened, response.Results[0].Action)
	for _, result := range response.Results[1:] {
		assert.Equal(t, domain.ActionError, result.Action)
		assert.Equal(t, deadlineMessage, result.Error)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSourcesOfDeduplicates(t *testing.T) {
	t.Parallel()

	sources := sourcesOf([]domain.Event{{Source: "a"}, {Source: ""}, {Source: "b"}, {Source: "a"}})
	assert.Equal(t, []string{"a", "b"}, sources)
}

type applierFunc func(ctx context.Context, in lifecycle.Input) (lifecycle.Outcome, error)

func (f applierFunc) Apply(ctx context.Context, in lifecycle.Input) (lifecycle.Outcome, error) {
	return f(ctx, in)
}

type staticRules []domain.AlertRule

func (r staticRules) ListEnabledRules(context.Context, []string) ([]domain.AlertRule, error) {
	return r, nil
}

type failingRules struct{}

func (failingRules) ListEnabledRules(context.Context, []string) ([]domain.AlertRule, error) {
	return nil, errors.New("database is locked")
}
