package engine

import (
	"strings"

	"alertflow/internal/domain"
)

// RenderDedupeKey renders the rule dedupe template against one event.
// Params: matched rule and event.
// Returns: key with every {{name}} token substituted literally.
func RenderDedupeKey(rule domain.AlertRule, event domain.Event) string {
	template := rule.DedupeTemplate
	var builder strings.Builder
	builder.Grow(len(template) + 16)

	cursor := 0
	for cursor < len(template) {
		open := strings.Index(template[cursor:], "{{")
		if open < 0 {
			builder.WriteString(template[cursor:])
			break
		}
		open += cursor
		closeAt := strings.Index(template[open+2:], "}}")
		if closeAt < 0 {
			builder.WriteString(template[cursor:])
			break
		}
		closeAt += open + 2

		builder.WriteString(template[cursor:open])
		builder.WriteString(resolveToken(strings.TrimSpace(template[open+2:closeAt]), rule, event))
		cursor = closeAt + 2
	}
	return builder.String()
}

// resolveToken maps one template token to its value.
// Params: token name, rule, and event.
// Returns: substitution value or empty string when field is absent.
func resolveToken(name string, rule domain.AlertRule, event domain.Event) string {
	switch name {
	case domain.FieldSource:
		if event.Source != "" {
			return event.Source
		}
		return rule.Source
	case "rule_id":
		return rule.ID
	default:
		value, _ := event.Field(name)
		return value
	}
}
