package engine

import (
	"testing"

	"alertflow/internal/domain"
)

func TestNormalizeSeverity(t *testing.T) {
	t.Parallel()

	cases := map[string]domain.Severity{
		"0":         domain.SeverityInfo,
		"1":         domain.SeverityInfo,
		"2":         domain.SeverityWarning,
		"3":         domain.SeverityAverage,
		"4":         domain.SeverityHigh,
		"5":         domain.SeverityDisaster,
		"Warning":   domain.SeverityWarning,
		" critical": domain.SeverityDisaster,
		"":          domain.SeverityHigh,
		"7":         domain.SeverityHigh,
		"bogus":     domain.SeverityHigh,
	}
	for raw, want := range cases {
		if got := NormalizeSeverity(raw); got != want {
			t.Fatalf("severity %q: expected %q, got %q", raw, want, got)
		}
	}
}

func TestEventSeverityFallsBackToRuleDefault(t *testing.T) {
	t.Parallel()

	rule := domain.AlertRule{DefaultSeverity: "warning"}
	if got := EventSeverity(rule, domain.Event{}); got != domain.SeverityWarning {
		t.Fatalf("expected rule default, got %q", got)
	}
	if got := EventSeverity(rule, domain.Event{Severity: "5"}); got != domain.SeverityDisaster {
		t.Fatalf("expected event severity, got %q", got)
	}
}

func TestIsRecovery(t *testing.T) {
	t.Parallel()

	disabled := false
	defaultRule := domain.AlertRule{}
	strictRule := domain.AlertRule{Recovery: domain.RecoveryPredicate{Statuses: []string{"UP"}, ZeroValue: &disabled}}

	cases := []struct {
		name  string
		rule  domain.AlertRule
		event domain.Event
		want  bool
	}{
		{name: "ok with counter", rule: defaultRule, event: domain.Event{Status: "OK (3)"}, want: true},
		{name: "resolved lower case", rule: defaultRule, event: domain.Event{Status: "resolved"}, want: true},
		{name: "problem", rule: defaultRule, event: domain.Event{Status: "PROBLEM (4)"}, want: false},
		{name: "zero value", rule: defaultRule, event: domain.Event{Value: "0"}, want: true},
		{name: "non zero value", rule: defaultRule, event: domain.Event{Value: "0.0"}, want: false},
		{name: "zero value disabled", rule: strictRule, event: domain.Event{Value: "0"}, want: false},
		{name: "custom status", rule: strictRule, event: domain.Event{Status: "up"}, want: true},
		{name: "default word not in custom list", rule: strictRule, event: domain.Event{Status: "OK"}, want: false},
	}
	for _, tc := range cases {
		if got := IsRecovery(tc.rule, tc.event); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestResolveTitlePriority(t *testing.T) {
	t.Parallel()

	if got := ResolveTitle(domain.Event{Title: "T", TriggerName: "TN"}, "k"); got != "T" {
		t.Fatalf("expected explicit title, got %q", got)
	}
	if got := ResolveTitle(domain.Event{TriggerName: "CPU high", Description: "d"}, "k"); got != "CPU high" {
		t.Fatalf("expected trigger name, got %q", got)
	}
	if got := ResolveTitle(domain.Event{Description: "disk"}, "k"); got != "disk" {
		t.Fatalf("expected description, got %q", got)
	}
	if got := ResolveTitle(domain.Event{}, "zabbix:T1"); got != "zabbix:T1" {
		t.Fatalf("expected dedupe key fallback, got %q", got)
	}
}
