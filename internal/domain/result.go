package domain

import "time"

// Action is the per-event pipeline outcome.
type Action string

const (
	ActionOpened                Action = "opened"
	ActionOpenedSuppressed      Action = "opened_suppressed"
	ActionRefreshed             Action = "refreshed"
	ActionRefreshedSuppressed   Action = "refreshed_suppressed"
	ActionAutoResolved          Action = "auto_resolved"
	ActionOKNoOpenAlert         Action = "ok_no_open_alert"
	ActionOKAutoResolveDisabled Action = "ok_auto_resolve_disabled"
	ActionSkippedNoRule         Action = "skipped_no_rule"
	ActionSkippedNoMatch        Action = "skipped_no_match"
	ActionError                 Action = "error"
	ActionAcknowledged          Action = "acknowledged"
	ActionManuallyResolved      Action = "manually_resolved"
)

// Result is one entry of the ingest response.
type Result struct {
	DedupeKey string `json:"dedupe_key"`
	Action    Action `json:"action"`
	AlertID   string `json:"alert_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchResponse is the ingest endpoint response body.
type BatchResponse struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// AlertUpdate is the realtime change message published after a transition.
type AlertUpdate struct {
	AlertID    string      `json:"alert_id"`
	TenantID   string      `json:"tenant_id"`
	RuleID     string      `json:"rule_id"`
	Status     AlertStatus `json:"status"`
	Severity   Severity    `json:"severity"`
	Title      string      `json:"title"`
	Action     Action      `json:"action"`
	Suppressed bool        `json:"suppressed"`
	RoutingKey string      `json:"routing_key,omitempty"`
	At         time.Time   `json:"at"`
}

// RoutingKeyFor builds the realtime routing key for one alert.
// Params: alert instance with optional dashboard id.
// Returns: dashboard-scoped key when present, tenant-scoped key otherwise.
func RoutingKeyFor(alert AlertInstance) string {
	if alert.DashboardID != "" {
		return "dashboard." + alert.DashboardID
	}
	return "tenant." + alert.TenantID
}

// NewAlertUpdate builds an update message from alert state.
func NewAlertUpdate(alert AlertInstance, action Action, at time.Time) AlertUpdate {
	return AlertUpdate{
		AlertID:    alert.ID,
		TenantID:   alert.TenantID,
		RuleID:     alert.RuleID,
		Status:     alert.Status,
		Severity:   alert.Severity,
		Title:      alert.Title,
		Action:     action,
		Suppressed: alert.Suppressed,
		RoutingKey: RoutingKeyFor(alert),
		At:         at,
	}
}
