package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"alertflow/internal/domain"
	"alertflow/internal/state"
)

// ErrInvalidTransition means the alert status does not allow the requested operator action.
var ErrInvalidTransition = errors.New("invalid status transition")

// Acknowledge moves an open alert to ack.
// Params: alert id and operator name recorded in the audit message.
// Returns: updated alert, state.ErrNotFound, or ErrInvalidTransition.
func (c *Controller) Acknowledge(ctx context.Context, alertID, actor string) (domain.AlertInstance, error) {
	return c.operate(ctx, alertID, func(alert *domain.AlertInstance) (domain.EventType, domain.Action, error) {
		if alert.Status != domain.AlertStatusOpen {
			return "", "", fmt.Errorf("acknowledge %s alert: %w", alert.Status, ErrInvalidTransition)
		}
		now := c.clock.Now()
		alert.Status = domain.AlertStatusAck
		alert.AcknowledgedAt = &now
		return domain.EventTypeManualAck, domain.ActionAcknowledged, nil
	}, actor)
}

// Resolve moves an open or acknowledged alert to resolved and cancels pending notifications.
// Params: alert id and operator name.
// Returns: updated alert, state.ErrNotFound, or ErrInvalidTransition.
func (c *Controller) Resolve(ctx context.Context, alertID, actor string) (domain.AlertInstance, error) {
	return c.operate(ctx, alertID, func(alert *domain.AlertInstance) (domain.EventType, domain.Action, error) {
		if !alert.Status.Active() {
			return "", "", fmt.Errorf("resolve %s alert: %w", alert.Status, ErrInvalidTransition)
		}
		now := c.clock.Now()
		alert.Status = domain.AlertStatusResolved
		alert.ResolvedAt = &now
		return domain.EventTypeManualResolve, domain.ActionManuallyResolved, nil
	}, actor)
}

type transition func(alert *domain.AlertInstance) (domain.EventType, domain.Action, error)

func (c *Controller) operate(ctx context.Context, alertID string, apply transition, actor string) (domain.AlertInstance, error) {
	current, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.AlertInstance{}, err
	}

	unlock := c.locks.Lock(lockKey(current.TenantID, current.DedupeKey))
	defer unlock()

	var (
		updated domain.AlertInstance
		action  domain.Action
	)
	err = c.store.WithinTx(ctx, func(tx state.AlertTx) error {
		alert, err := tx.LoadAlert(ctx, alertID)
		if err != nil {
			return err
		}
		prior := alert.Status
		eventType, act, err := apply(&alert)
		if err != nil {
			return err
		}
		alert.UpdatedAt = c.clock.Now()
		if err := tx.UpdateAlert(ctx, &alert, prior); err != nil {
			return err
		}
		message := string(act)
		if actor = strings.TrimSpace(actor); actor != "" {
			message += " by " + actor
		}
		if err := tx.AppendEvent(ctx, c.auditEvent(alert, eventType, prior, message, nil, c.clock.Now())); err != nil {
			return err
		}
		updated, action = alert, act
		return nil
	})
	if err != nil {
		return domain.AlertInstance{}, err
	}

	c.afterCommit(ctx, "", c.clock.Now(), committed{
		outcome: Outcome{Action: action, AlertID: updated.ID},
		alert:   updated,
		publish: true,
		cancel:  updated.Status == domain.AlertStatusResolved,
	})
	return updated, nil
}
