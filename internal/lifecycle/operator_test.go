package lifecycle

import (
	"context"
	"testing"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcknowledgeTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	opened, err := h.controller.Apply(ctx, problemInput(zabbixRule(), startTime))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	acked, err := h.controller.Acknowledge(ctx, opened.AlertID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusAck, acked.Status)
	assert.True(t, acked.AcknowledgedAt.Equal(startTime.Add(time.Minute)))

	_, err = h.controller.Acknowledge(ctx, opened.AlertID, "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.controller.Acknowledge(ctx, "missing", "bob")
	require.ErrorIs(t, err, state.ErrNotFound)

	events, err := h.store.ListAlertEvents(ctx, opened.AlertID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeManualAck, events[1].Type)
	assert.Equal(t, "acknowledged by alice", events[1].Message)
}

func TestManualResolveCancelsNotificationsAndFreesKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	rule := zabbixRule()

	opened, err := h.controller.Apply(ctx, problemInput(rule, startTime))
	require.NoError(t, err)
	require.NoError(t, h.store.InsertNotifications(ctx, []domain.AlertNotification{
		{ID: "n1", AlertID: opened.AlertID, Channel: "chat", Status: domain.NotificationPending, NextAttemptAt: startTime.Add(time.Hour)},
	}))

	resolved, err := h.controller.Resolve(ctx, opened.AlertID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusResolved, resolved.Status)

	notifications, err := h.store.ListNotifications(ctx, opened.AlertID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.NotificationCancelled, notifications[0].Status)

	_, err = h.controller.Resolve(ctx, opened.AlertID, "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)

	reopened, err := h.controller.Apply(ctx, problemInput(rule, startTime.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpened, reopened.Action)
	assert.NotEqual(t, opened.AlertID, reopened.AlertID)

	assert.Contains(t, h.publisher.actions(), domain.ActionManuallyResolved)
}
