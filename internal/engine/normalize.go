package engine

import (
	"regexp"
	"strings"

	"alertflow/internal/domain"
)

var trailingParenthetical = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

var severityWords = map[string]domain.Severity{
	"0":              domain.SeverityInfo,
	"1":              domain.SeverityInfo,
	"2":              domain.SeverityWarning,
	"3":              domain.SeverityAverage,
	"4":              domain.SeverityHigh,
	"5":              domain.SeverityDisaster,
	"info":           domain.SeverityInfo,
	"information":    domain.SeverityInfo,
	"informational":  domain.SeverityInfo,
	"not_classified": domain.SeverityInfo,
	"not classified": domain.SeverityInfo,
	"notice":         domain.SeverityInfo,
	"warning":        domain.SeverityWarning,
	"warn":           domain.SeverityWarning,
	"average":        domain.SeverityAverage,
	"medium":         domain.SeverityAverage,
	"minor":          domain.SeverityAverage,
	"high":           domain.SeverityHigh,
	"major":          domain.SeverityHigh,
	"error":          domain.SeverityHigh,
	"disaster":       domain.SeverityDisaster,
	"critical":       domain.SeverityDisaster,
	"fatal":          domain.SeverityDisaster,
	"emergency":      domain.SeverityDisaster,
}

// NormalizeSeverity maps raw severity input onto the five-level scale.
// Params: raw severity string (numeric 0..5 or word).
// Returns: normalized severity; unknown input maps to high.
func NormalizeSeverity(raw string) domain.Severity {
	key := strings.ToLower(strings.TrimSpace(raw))
	if severity, ok := severityWords[key]; ok {
		return severity
	}
	return domain.SeverityHigh
}

// EventSeverity picks event severity or falls back to rule default.
// Params: matched rule and event.
// Returns: normalized severity.
func EventSeverity(rule domain.AlertRule, event domain.Event) domain.Severity {
	if strings.TrimSpace(event.Severity) != "" {
		return NormalizeSeverity(event.Severity)
	}
	return NormalizeSeverity(string(rule.DefaultSeverity))
}

// CleanStatus strips a trailing parenthetical suffix and case-folds the status.
// Params: raw status like "PROBLEM (4)".
// Returns: upper-case status like "PROBLEM".
func CleanStatus(raw string) string {
	return strings.ToUpper(strings.TrimSpace(trailingParenthetical.ReplaceAllString(raw, "")))
}

// IsRecovery reports whether an event is a recovery under the rule recovery predicate.
// Params: matched rule and event.
// Returns: true for OK/RESOLVED-like statuses or zero value when allowed.
func IsRecovery(rule domain.AlertRule, event domain.Event) bool {
	status := CleanStatus(event.Status)
	if status != "" {
		for _, word := range rule.Recovery.StatusWords() {
			if status == CleanStatus(word) {
				return true
			}
		}
	}
	return rule.Recovery.ZeroValueEnabled() && event.Value == "0"
}

// ResolveTitle picks a human title for the alert.
// Params: event and rendered dedupe key.
// Returns: title, trigger name, name, description, or dedupe key in that order.
func ResolveTitle(event domain.Event, dedupeKey string) string {
	for _, candidate := range []string{event.Title, event.TriggerName, event.Name, event.Description} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return dedupeKey
}
