package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/metrics"
	"alertflow/internal/state"

	"github.com/google/uuid"
)

// Escalator schedules notifications for a newly opened alert.
type Escalator interface {
	Materialize(ctx context.Context, alert domain.AlertInstance, policyID string, now time.Time) (int, error)
}

// Publisher broadcasts alert changes; it must not block on delivery failures.
type Publisher interface {
	Publish(ctx context.Context, update domain.AlertUpdate)
}

// Input is one evaluated event ready for the lifecycle decision.
// Params: matched rule, event, rendered key, normalized severity/title, recovery flag, and suppressing window.
// Returns: value consumed by Controller.Apply.
type Input struct {
	Rule      domain.AlertRule
	Event     domain.Event
	DedupeKey string
	Severity  domain.Severity
	Title     string
	Recovery  bool
	WindowID  string
	Now       time.Time
}

// Outcome is the lifecycle result of one event.
type Outcome struct {
	Action  domain.Action
	AlertID string
}

// Options carries optional collaborators of Controller.
type Options struct {
	Escalator Escalator
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Controller owns alert state transitions.
// Params: transactional store plus post-commit escalator and publisher.
// Returns: per-key serialized state machine.
type Controller struct {
	store     state.AlertStore
	escalator Escalator
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	locks     *keyLocks
	newID     func() string
}

// committed describes side effects to run once the transaction is durable.
type committed struct {
	outcome  Outcome
	alert    domain.AlertInstance
	publish  bool
	escalate bool
	cancel   bool
}

// NewController creates lifecycle controller.
func NewController(store state.AlertStore, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Controller{
		store:     store,
		escalator: opts.Escalator,
		publisher: opts.Publisher,
		logger:    logger,
		metrics:   opts.Metrics,
		clock:     clk,
		locks:     newKeyLocks(),
		newID:     uuid.NewString,
	}
}

// Apply runs exactly one of recovery, refresh, or create for the event key.
// Params: evaluated event input.
// Returns: outcome with action and alert id, or persistence error.
func (c *Controller) Apply(ctx context.Context, in Input) (Outcome, error) {
	if in.DedupeKey == "" {
		return Outcome{Action: domain.ActionError}, errors.New("empty dedupe key")
	}
	if in.Now.IsZero() {
		in.Now = c.clock.Now()
	}

	unlock := c.locks.Lock(lockKey(in.Rule.TenantID, in.DedupeKey))
	defer unlock()

	result, err := c.decide(ctx, in)
	if errors.Is(err, state.ErrConflict) {
		// Another writer created the active row; the retry takes the refresh path.
		c.metrics.ConflictRetry()
		c.logger.Debug("lifecycle conflict, retrying", "tenant", in.Rule.TenantID, "dedupe_key", in.DedupeKey)
		result, err = c.decide(ctx, in)
	}
	if err != nil {
		return Outcome{Action: domain.ActionError}, fmt.Errorf("apply %q: %w", in.DedupeKey, err)
	}

	c.afterCommit(ctx, in.Rule.PolicyID(), in.Now, result)
	return result.outcome, nil
}

func (c *Controller) decide(ctx context.Context, in Input) (committed, error) {
	var result committed
	err := c.store.WithinTx(ctx, func(tx state.AlertTx) error {
		result = committed{}
		existing, err := tx.FindActiveAlert(ctx, in.Rule.TenantID, in.DedupeKey)
		found := err == nil
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("find active alert: %w", err)
		}

		switch {
		case in.Recovery:
			return c.recover(ctx, tx, in, existing, found, &result)
		case found:
			return c.refresh(ctx, tx, in, existing, &result)
		default:
			return c.open(ctx, tx, in, &result)
		}
	})
	return result, err
}

func (c *Controller) recover(
	ctx context.Context,
	tx state.AlertTx,
	in Input,
	existing domain.AlertInstance,
	found bool,
	result *committed,
) error {
	if !found {
		result.outcome = Outcome{Action: domain.ActionOKNoOpenAlert}
		return nil
	}
	if !in.Rule.AutoResolve {
		result.outcome = Outcome{Action: domain.ActionOKAutoResolveDisabled, AlertID: existing.ID}
		return nil
	}

	prior := existing.Status
	resolvedAt := in.Now
	existing.Status = domain.AlertStatusResolved
	existing.ResolvedAt = &resolvedAt
	existing.Payload = in.Event.Payload()
	existing.UpdatedAt = in.Now
	if err := tx.UpdateAlert(ctx, &existing, prior); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, c.auditEvent(existing, domain.EventTypeAutoResolve, prior, "resolved by recovery event", in.Event.Payload(), in.Now)); err != nil {
		return err
	}

	*result = committed{
		outcome: Outcome{Action: domain.ActionAutoResolved, AlertID: existing.ID},
		alert:   existing,
		publish: true,
		cancel:  true,
	}
	return nil
}

func (c *Controller) refresh(
	ctx context.Context,
	tx state.AlertTx,
	in Input,
	existing domain.AlertInstance,
	result *committed,
) error {
	prior := existing.Status
	existing.LastSeenAt = in.Now
	existing.Payload = in.Event.Payload()
	if in.Severity != "" {
		existing.Severity = in.Severity
	}
	if in.Title != "" {
		existing.Title = in.Title
	}
	applySuppression(&existing, in.WindowID)
	existing.UpdatedAt = in.Now

	if err := tx.UpdateAlert(ctx, &existing, prior); err != nil {
		return err
	}

	eventType, action := domain.EventTypeRefresh, domain.ActionRefreshed
	message := "refreshed by problem event"
	if existing.Suppressed {
		eventType, action = domain.EventTypeRefreshSuppressed, domain.ActionRefreshedSuppressed
		message = "refreshed during maintenance window " + in.WindowID
	}
	if err := tx.AppendEvent(ctx, c.auditEvent(existing, eventType, prior, message, existing.Payload, in.Now)); err != nil {
		return err
	}

	*result = committed{
		outcome: Outcome{Action: action, AlertID: existing.ID},
		alert:   existing,
		publish: true,
	}
	return nil
}

func (c *Controller) open(ctx context.Context, tx state.AlertTx, in Input, result *committed) error {
	connectionID := in.Event.ConnectionID
	if connectionID == "" {
		connectionID = in.Rule.ConnectionID
	}
	alert := domain.AlertInstance{
		ID:           c.newID(),
		TenantID:     in.Rule.TenantID,
		DedupeKey:    in.DedupeKey,
		RuleID:       in.Rule.ID,
		Title:        in.Title,
		Severity:     in.Severity,
		Status:       domain.AlertStatusOpen,
		ConnectionID: connectionID,
		DashboardID:  in.Event.DashboardID,
		FirstSeenAt:  in.Now,
		LastSeenAt:   in.Now,
		Payload:      in.Event.Payload(),
	}
	if alert.Title == "" {
		alert.Title = in.DedupeKey
	}
	applySuppression(&alert, in.WindowID)

	if err := tx.InsertAlert(ctx, &alert); err != nil {
		return err
	}

	eventType, action := domain.EventTypeOpen, domain.ActionOpened
	message := "opened by problem event"
	if alert.Suppressed {
		eventType, action = domain.EventTypeOpenSuppressed, domain.ActionOpenedSuppressed
		message = "opened during maintenance window " + in.WindowID
	}
	if err := tx.AppendEvent(ctx, c.auditEvent(alert, eventType, "", message, alert.Payload, in.Now)); err != nil {
		return err
	}

	*result = committed{
		outcome:  Outcome{Action: action, AlertID: alert.ID},
		alert:    alert,
		publish:  true,
		escalate: !alert.Suppressed && in.Rule.PolicyID() != "",
	}
	return nil
}

// afterCommit runs side effects that may fail without touching committed state.
func (c *Controller) afterCommit(ctx context.Context, policyID string, now time.Time, result committed) {
	if result.cancel {
		cancelled, err := c.store.CancelPendingNotifications(ctx, result.alert.ID, now)
		if err != nil {
			c.logger.Warn("cancel pending notifications failed", "alert_id", result.alert.ID, "error", err)
		} else if cancelled > 0 {
			c.logger.Debug("pending notifications cancelled", "alert_id", result.alert.ID, "count", cancelled)
		}
	}
	if result.escalate && c.escalator != nil {
		if _, err := c.escalator.Materialize(ctx, result.alert, policyID, now); err != nil {
			c.logger.Error("escalation materialization failed", "alert_id", result.alert.ID, "policy_id", policyID, "error", err)
		}
	}
	if result.publish && c.publisher != nil {
		c.publisher.Publish(ctx, domain.NewAlertUpdate(result.alert, result.outcome.Action, now))
	}
}

func (c *Controller) auditEvent(
	alert domain.AlertInstance,
	eventType domain.EventType,
	prior domain.AlertStatus,
	message string,
	payload []byte,
	at time.Time,
) *domain.AlertEvent {
	return &domain.AlertEvent{
		ID:          c.newID(),
		AlertID:     alert.ID,
		TenantID:    alert.TenantID,
		Type:        eventType,
		PriorStatus: prior,
		NewStatus:   alert.Status,
		Message:     message,
		Payload:     payload,
		CreatedAt:   at,
	}
}

func applySuppression(alert *domain.AlertInstance, windowID string) {
	if windowID == "" {
		alert.Suppressed = false
		alert.MaintenanceWindowID = nil
		return
	}
	id := windowID
	alert.Suppressed = true
	alert.MaintenanceWindowID = &id
}
