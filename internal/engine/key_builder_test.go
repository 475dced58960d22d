package engine

import (
	"testing"

	"alertflow/internal/domain"
)

func TestRenderDedupeKey(t *testing.T) {
	t.Parallel()

	rule := domain.AlertRule{ID: "r1", Source: "zabbix"}
	event := domain.Event{Source: "zabbix", TriggerID: "T1", Extra: map[string]string{"region": "eu"}}

	cases := []struct {
		name     string
		template string
		event    domain.Event
		want     string
	}{
		{name: "source and trigger", template: "{{source}}:{{triggerid}}", event: event, want: "zabbix:T1"},
		{name: "rule id", template: "{{rule_id}}/{{ region }}", event: event, want: "r1/eu"},
		{name: "missing field renders empty", template: "{{source}}:{{hostid}}", event: event, want: "zabbix:"},
		{name: "source fallback to rule", template: "{{source}}", event: domain.Event{}, want: "zabbix"},
		{name: "literal text only", template: "static-key", event: event, want: "static-key"},
		{name: "unclosed token kept literal", template: "a:{{source", event: event, want: "a:{{source"},
		{name: "no escaping", template: "{{region}}{{region}}", event: domain.Event{Extra: map[string]string{"region": "{{x}}"}}, want: "{{x}}{{x}}"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rule := rule
			rule.DedupeTemplate = tc.template
			if got := RenderDedupeKey(rule, tc.event); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRenderDedupeKeyDeterministic(t *testing.T) {
	t.Parallel()

	rule := domain.AlertRule{ID: "r1", Source: "zabbix", DedupeTemplate: "{{source}}:{{triggerid}}"}
	first := RenderDedupeKey(rule, domain.Event{Source: "zabbix", TriggerID: "T1", Status: "PROBLEM"})
	second := RenderDedupeKey(rule, domain.Event{Source: "zabbix", TriggerID: "T1", Status: "OK"})
	if first != second {
		t.Fatalf("expected same key for same identity, got %q and %q", first, second)
	}
	other := RenderDedupeKey(rule, domain.Event{Source: "zabbix", TriggerID: "T2"})
	if other == first {
		t.Fatalf("expected different keys for different triggers")
	}
}
