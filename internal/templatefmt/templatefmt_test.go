package templatefmt

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	minute := 90 * time.Second
	cases := []struct {
		value any
		want  string
	}{
		{value: 42 * time.Second, want: "42.0s"},
		{value: &minute, want: "1.5m"},
		{value: -2 * time.Hour, want: "2.0h"},
		{value: (*time.Duration)(nil), want: "0.0s"},
		{value: "not a duration", want: "0.0s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.value); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestRenderMessageTemplate(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseMessageTemplate("msg", `{{upper .Severity}} {{escape .Title}} {{json .Tags}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := Render(tmpl, map[string]any{
		"Severity": "high",
		"Title":    "disk <sda>",
		"Tags":     []string{"a"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != `HIGH disk &lt;sda&gt; ["a"]` {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := Render(tmpl, map[string]any{"Severity": "high"}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestParseMessageTemplateRejectsUnknownFunction(t *testing.T) {
	t.Parallel()

	if _, err := ParseMessageTemplate("bad", `{{nope .Title}}`); err == nil {
		t.Fatalf("expected parse error")
	}
}
