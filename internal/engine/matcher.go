package engine

import (
	"errors"

	"alertflow/internal/domain"
)

var (
	// ErrNoRuleForSource means no enabled rule exists for the event source.
	ErrNoRuleForSource = errors.New("no rule for source")
	// ErrNoMatchingRule means rules exist for the source but none matched.
	ErrNoMatchingRule = errors.New("no matching rule")
)

// MatchRule checks whether one rule applies to one event.
// Params: rule candidate and incoming event.
// Returns: true when source, connection scope, and every matcher agree.
func MatchRule(rule domain.AlertRule, event domain.Event) bool {
	if rule.Source != event.Source {
		return false
	}
	if rule.ConnectionID != "" && event.ConnectionID != "" && rule.ConnectionID != event.ConnectionID {
		return false
	}

	for field, allowed := range rule.Matchers {
		value, ok := event.Field(field)
		if !ok {
			return false
		}
		if !allowed.Contains(value) {
			return false
		}
	}
	return true
}

// RuleIndex groups enabled rules by source preserving stored order.
// Params: rules loaded once per batch.
// Returns: first-match lookup structure.
type RuleIndex struct {
	bySource map[string][]domain.AlertRule
}

// NewRuleIndex builds an index over rules already sorted by stored order.
// Params: rule list; disabled rules are skipped.
// Returns: source-keyed index.
func NewRuleIndex(rules []domain.AlertRule) *RuleIndex {
	index := &RuleIndex{bySource: make(map[string][]domain.AlertRule)}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		index.bySource[rule.Source] = append(index.bySource[rule.Source], rule)
	}
	return index
}

// Select returns the first rule in stored order that matches the event.
// Params: incoming event.
// Returns: matched rule, ErrNoRuleForSource, or ErrNoMatchingRule.
func (i *RuleIndex) Select(event domain.Event) (domain.AlertRule, error) {
	candidates := i.bySource[event.Source]
	if len(candidates) == 0 {
		return domain.AlertRule{}, ErrNoRuleForSource
	}
	for _, rule := range candidates {
		if MatchRule(rule, event) {
			return rule, nil
		}
	}
	return domain.AlertRule{}, ErrNoMatchingRule
}

// Len returns number of indexed rules.
func (i *RuleIndex) Len() int {
	total := 0
	for _, rules := range i.bySource {
		total += len(rules)
	}
	return total
}

// SelectRule picks the first matching rule from an unindexed list.
func SelectRule(rules []domain.AlertRule, event domain.Event) (domain.AlertRule, error) {
	return NewRuleIndex(rules).Select(event)
}
