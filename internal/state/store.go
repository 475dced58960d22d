package state

import (
	"context"
	"errors"
	"time"

	"alertflow/internal/domain"
)

var (
	// ErrNotFound indicates absent alert, rule, or notification row.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique-key violation or a lost conditional update.
	ErrConflict = errors.New("state conflict")
)

// AlertTx is the transactional view used by the lifecycle controller.
// Params: every call runs inside one store transaction.
// Returns: alert row and audit operations.
type AlertTx interface {
	FindActiveAlert(ctx context.Context, tenantID, dedupeKey string) (domain.AlertInstance, error)
	LoadAlert(ctx context.Context, alertID string) (domain.AlertInstance, error)
	InsertAlert(ctx context.Context, alert *domain.AlertInstance) error
	UpdateAlert(ctx context.Context, alert *domain.AlertInstance, priorStatus domain.AlertStatus) error
	AppendEvent(ctx context.Context, event *domain.AlertEvent) error
}

// RuleStore lists matching configuration.
type RuleStore interface {
	ListEnabledRules(ctx context.Context, sources []string) ([]domain.AlertRule, error)
}

// AlertStore provides transactional alert persistence.
type AlertStore interface {
	WithinTx(ctx context.Context, fn func(tx AlertTx) error) error
	GetAlert(ctx context.Context, alertID string) (domain.AlertInstance, error)
	ListAlertEvents(ctx context.Context, alertID string) ([]domain.AlertEvent, error)
	CancelPendingNotifications(ctx context.Context, alertID string, now time.Time) (int64, error)
}

// EscalationStore reads policy steps and writes scheduled notifications.
type EscalationStore interface {
	EnabledSteps(ctx context.Context, policyID string) ([]domain.EscalationStep, error)
	InsertNotifications(ctx context.Context, notifications []domain.AlertNotification) error
}

// NotificationStore is the delivery-worker contract.
type NotificationStore interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.AlertNotification, error)
	LeaseNotification(ctx context.Context, notificationID string, now, until time.Time) (bool, error)
	MarkNotificationSent(ctx context.Context, notificationID string, request, response []byte, now time.Time) error
	MarkNotificationFailed(ctx context.Context, notificationID string, request, response []byte, now time.Time, maxAttempts int) error
	ListNotifications(ctx context.Context, alertID string) ([]domain.AlertNotification, error)
}

// SeedStore upserts configuration rows loaded from TOML.
type SeedStore interface {
	UpsertRule(ctx context.Context, rule domain.AlertRule) error
	UpsertPolicy(ctx context.Context, policy domain.EscalationPolicy) error
	UpsertMaintenanceWindow(ctx context.Context, window domain.MaintenanceWindow) error
}

// Store provides every persistence operation of the engine.
// Params: relational backend.
// Returns: backend persistence behavior.
type Store interface {
	RuleStore
	AlertStore
	EscalationStore
	NotificationStore
	SeedStore
	ActiveMaintenanceWindows(ctx context.Context, tenantID string, at time.Time) ([]domain.MaintenanceWindow, error)
	Ping(ctx context.Context) error
	Close() error
}
