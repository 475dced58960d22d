package escalation

import (
	"context"
	"fmt"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/metrics"
	"alertflow/internal/state"

	"github.com/google/uuid"
)

// Materializer expands an escalation policy into scheduled notification rows.
// Params: store with step lookup and notification insert.
// Returns: plan writer; it never contacts delivery channels.
type Materializer struct {
	store   state.EscalationStore
	metrics *metrics.Metrics
	newID   func() string
}

// NewMaterializer creates escalation materializer.
func NewMaterializer(store state.EscalationStore, m *metrics.Metrics) *Materializer {
	return &Materializer{store: store, metrics: m, newID: uuid.NewString}
}

// Materialize schedules one pending notification per enabled policy step.
// Params: freshly opened alert, policy id, and open instant.
// Returns: number of scheduled notifications; zero steps is not an error.
func (m *Materializer) Materialize(ctx context.Context, alert domain.AlertInstance, policyID string, now time.Time) (int, error) {
	if policyID == "" {
		return 0, nil
	}
	steps, err := m.store.EnabledSteps(ctx, policyID)
	if err != nil {
		return 0, fmt.Errorf("load policy %s steps: %w", policyID, err)
	}
	if len(steps) == 0 {
		return 0, nil
	}

	notifications := make([]domain.AlertNotification, 0, len(steps))
	for _, step := range steps {
		notifications = append(notifications, domain.AlertNotification{
			ID:              m.newID(),
			AlertID:         alert.ID,
			TenantID:        alert.TenantID,
			StepID:          step.ID,
			Channel:         step.Channel,
			Target:          step.Target,
			ThrottleSeconds: step.ThrottleSeconds,
			Status:          domain.NotificationPending,
			NextAttemptAt:   now.Add(time.Duration(step.DelaySeconds) * time.Second),
		})
	}
	if err := m.store.InsertNotifications(ctx, notifications); err != nil {
		return 0, fmt.Errorf("schedule notifications for alert %s: %w", alert.ID, err)
	}
	m.metrics.NotificationsMaterialized(len(notifications))
	return len(notifications), nil
}
