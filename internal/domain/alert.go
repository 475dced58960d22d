package domain

import (
	"strings"
	"time"
)

// AlertStatus is the lifecycle status of one deduplicated alert.
type AlertStatus string

const (
	// AlertStatusOpen marks a newly raised or refreshed alert.
	AlertStatusOpen AlertStatus = "open"
	// AlertStatusAck marks an alert acknowledged by an operator.
	AlertStatusAck AlertStatus = "ack"
	// AlertStatusResolved is terminal.
	AlertStatusResolved AlertStatus = "resolved"
)

// Active reports whether status participates in deduplication.
func (s AlertStatus) Active() bool {
	return s == AlertStatusOpen || s == AlertStatusAck
}

// Severity is the closed five-level alert severity scale.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityAverage  Severity = "average"
	SeverityHigh     Severity = "high"
	SeverityDisaster Severity = "disaster"
)

// EventType identifies one audit trail transition.
type EventType string

const (
	EventTypeOpen              EventType = "OPEN"
	EventTypeOpenSuppressed    EventType = "OPEN_SUPPRESSED"
	EventTypeRefresh           EventType = "REFRESH"
	EventTypeRefreshSuppressed EventType = "REFRESH_SUPPRESSED"
	EventTypeAutoResolve       EventType = "AUTO_RESOLVE"
	EventTypeManualAck         EventType = "MANUAL_ACK"
	EventTypeManualResolve     EventType = "MANUAL_RESOLVE"
)

// NotificationStatus is the delivery state of one scheduled notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

// AlertRule is tenant-scoped matching configuration.
// Params: source, matchers, dedupe template, severity default, resolve flags, and escalation link.
// Returns: one rule candidate for the matcher.
type AlertRule struct {
	ID                 string            `gorm:"column:id;primaryKey" json:"id"`
	TenantID           string            `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Source             string            `gorm:"column:source;not null;index" json:"source"`
	Position           int               `gorm:"column:position;not null;default:0" json:"position"`
	Enabled            bool              `gorm:"column:enabled;not null" json:"enabled"`
	Matchers           Matchers          `gorm:"column:matchers;type:text" json:"matchers"`
	DedupeTemplate     string            `gorm:"column:dedupe_template;not null" json:"dedupe_template"`
	DefaultSeverity    Severity          `gorm:"column:default_severity" json:"default_severity"`
	AutoResolve        bool              `gorm:"column:auto_resolve;not null" json:"auto_resolve"`
	ResolveOnMissing   bool              `gorm:"column:resolve_on_missing;not null" json:"resolve_on_missing"`
	EscalationPolicyID *string           `gorm:"column:escalation_policy_id" json:"escalation_policy_id,omitempty"`
	ConnectionID       string            `gorm:"column:connection_id" json:"connection_id,omitempty"`
	Recovery           RecoveryPredicate `gorm:"column:recovery;type:text" json:"recovery"`
	CreatedAt          time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds AlertRule to its table.
func (AlertRule) TableName() string { return "alert_rules" }

// PolicyID returns the escalation policy id or empty string.
func (r AlertRule) PolicyID() string {
	if r.EscalationPolicyID == nil {
		return ""
	}
	return strings.TrimSpace(*r.EscalationPolicyID)
}

// AlertInstance is the deduplicated alert record.
type AlertInstance struct {
	ID                  string      `gorm:"column:id;primaryKey" json:"id"`
	TenantID            string      `gorm:"column:tenant_id;not null" json:"tenant_id"`
	DedupeKey           string      `gorm:"column:dedupe_key;not null" json:"dedupe_key"`
	RuleID              string      `gorm:"column:rule_id" json:"rule_id"`
	Title               string      `gorm:"column:title" json:"title"`
	Severity            Severity    `gorm:"column:severity" json:"severity"`
	Status              AlertStatus `gorm:"column:status;not null" json:"status"`
	Suppressed          bool        `gorm:"column:suppressed;not null" json:"suppressed"`
	MaintenanceWindowID *string     `gorm:"column:maintenance_window_id" json:"maintenance_window_id,omitempty"`
	ConnectionID        string      `gorm:"column:connection_id" json:"connection_id,omitempty"`
	DashboardID         string      `gorm:"column:dashboard_id" json:"dashboard_id,omitempty"`
	FirstSeenAt         time.Time   `gorm:"column:first_seen_at" json:"first_seen_at"`
	LastSeenAt          time.Time   `gorm:"column:last_seen_at" json:"last_seen_at"`
	AcknowledgedAt      *time.Time  `gorm:"column:acknowledged_at" json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time  `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	Payload             []byte      `gorm:"column:payload" json:"-"`
	CreatedAt           time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds AlertInstance to its table.
func (AlertInstance) TableName() string { return "alert_instances" }

// WindowID returns suppressing maintenance window id or empty string.
func (a AlertInstance) WindowID() string {
	if a.MaintenanceWindowID == nil {
		return ""
	}
	return *a.MaintenanceWindowID
}

// AlertEvent is one immutable audit record.
type AlertEvent struct {
	ID          string      `gorm:"column:id;primaryKey" json:"id"`
	AlertID     string      `gorm:"column:alert_id;not null;index" json:"alert_id"`
	TenantID    string      `gorm:"column:tenant_id" json:"tenant_id"`
	Type        EventType   `gorm:"column:event_type;not null" json:"event_type"`
	PriorStatus AlertStatus `gorm:"column:prior_status" json:"prior_status,omitempty"`
	NewStatus   AlertStatus `gorm:"column:new_status;not null" json:"new_status"`
	Message     string      `gorm:"column:message" json:"message"`
	Payload     []byte      `gorm:"column:payload" json:"-"`
	CreatedAt   time.Time   `gorm:"column:created_at" json:"created_at"`
}

// TableName binds AlertEvent to its table.
func (AlertEvent) TableName() string { return "alert_events" }

// EscalationPolicy is an ordered notification plan.
type EscalationPolicy struct {
	ID        string           `gorm:"column:id;primaryKey" json:"id"`
	TenantID  string           `gorm:"column:tenant_id;not null" json:"tenant_id"`
	Name      string           `gorm:"column:name" json:"name"`
	Steps     []EscalationStep `gorm:"foreignKey:PolicyID" json:"steps"`
	CreatedAt time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds EscalationPolicy to its table.
func (EscalationPolicy) TableName() string { return "escalation_policies" }

// EscalationStep is one delayed notification step.
type EscalationStep struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	PolicyID        string    `gorm:"column:policy_id;not null;index" json:"policy_id"`
	StepOrder       int       `gorm:"column:step_order;not null" json:"step_order"`
	Channel         string    `gorm:"column:channel;not null" json:"channel"`
	DelaySeconds    int       `gorm:"column:delay_seconds;not null" json:"delay_seconds"`
	ThrottleSeconds int       `gorm:"column:throttle_seconds;not null" json:"throttle_seconds"`
	Target          string    `gorm:"column:target;type:text" json:"target"`
	Enabled         bool      `gorm:"column:enabled;not null" json:"enabled"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName binds EscalationStep to its table.
func (EscalationStep) TableName() string { return "escalation_steps" }

// AlertNotification is one scheduled delivery attempt row per (alert, step).
type AlertNotification struct {
	ID              string             `gorm:"column:id;primaryKey" json:"id"`
	AlertID         string             `gorm:"column:alert_id;not null;index" json:"alert_id"`
	TenantID        string             `gorm:"column:tenant_id" json:"tenant_id"`
	StepID          string             `gorm:"column:step_id" json:"step_id"`
	Channel         string             `gorm:"column:channel;not null" json:"channel"`
	Target          string             `gorm:"column:target;type:text" json:"target"`
	ThrottleSeconds int                `gorm:"column:throttle_seconds;not null" json:"throttle_seconds"`
	Status          NotificationStatus `gorm:"column:status;not null" json:"status"`
	NextAttemptAt   time.Time          `gorm:"column:next_attempt_at;not null" json:"next_attempt_at"`
	Attempts        int                `gorm:"column:attempts;not null" json:"attempts"`
	LastRequest     []byte             `gorm:"column:last_request" json:"-"`
	LastResponse    []byte             `gorm:"column:last_response" json:"-"`
	CreatedAt       time.Time          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds AlertNotification to its table.
func (AlertNotification) TableName() string { return "alert_notifications" }

// Throttle returns per-step retry spacing.
func (n AlertNotification) Throttle() time.Duration {
	return time.Duration(n.ThrottleSeconds) * time.Second
}

// MaintenanceWindow is a tenant-scoped suppression window.
// Params: time range and optional scope fields; empty scope field matches anything.
// Returns: window candidate for suppression checks.
type MaintenanceWindow struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	TenantID     string    `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	Name         string    `gorm:"column:name" json:"name"`
	StartsAt     time.Time `gorm:"column:starts_at;not null" json:"starts_at"`
	EndsAt       time.Time `gorm:"column:ends_at;not null" json:"ends_at"`
	Enabled      bool      `gorm:"column:enabled;not null" json:"enabled"`
	ConnectionID string    `gorm:"column:connection_id" json:"connection_id,omitempty"`
	DashboardID  string    `gorm:"column:dashboard_id" json:"dashboard_id,omitempty"`
	TriggerID    string    `gorm:"column:trigger_id" json:"trigger_id,omitempty"`
	HostID       string    `gorm:"column:host_id" json:"host_id,omitempty"`
	HostGroupID  string    `gorm:"column:host_group_id" json:"host_group_id,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds MaintenanceWindow to its table.
func (MaintenanceWindow) TableName() string { return "maintenance_windows" }

// ActiveAt reports whether window covers instant t (start inclusive, end exclusive).
func (w MaintenanceWindow) ActiveAt(t time.Time) bool {
	return w.Enabled && !t.Before(w.StartsAt) && t.Before(w.EndsAt)
}

// Covers reports whether every scope field set on the window equals the scope value.
func (w MaintenanceWindow) Covers(scope MaintenanceScope) bool {
	pairs := [][2]string{
		{w.ConnectionID, scope.ConnectionID},
		{w.DashboardID, scope.DashboardID},
		{w.TriggerID, scope.TriggerID},
		{w.HostID, scope.HostID},
		{w.HostGroupID, scope.HostGroupID},
	}
	for _, pair := range pairs {
		if pair[0] == "" {
			continue
		}
		if pair[0] != pair[1] {
			return false
		}
	}
	return true
}

// MaintenanceScope carries identifying fields of one alert for window lookup.
type MaintenanceScope struct {
	ConnectionID string
	DashboardID  string
	TriggerID    string
	HostID       string
	HostGroupID  string
}
