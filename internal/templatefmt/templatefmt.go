package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared message template helpers.
// Params: none.
// Returns: helper map used by config validation and delivery rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
		"escape":      html.EscapeString,
		"upper":       strings.ToUpper,
	}
}

// ParseMessageTemplate parses one delivery message template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error; unknown keys fail at render time.
func ParseMessageTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes a compiled template and trims surrounding whitespace.
func Render(tmpl *template.Template, data any) (string, error) {
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(out.String()), nil
}

// FormatDuration renders an alert age in compact form with one decimal.
// Params: time.Duration or *time.Duration; other values render as zero.
// Returns: string like "42.0s", "3.5m", or "1.2h".
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed != nil {
			duration = *typed
		}
	}
	if duration < 0 {
		duration = -duration
	}

	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value as JSON for embedding into a message.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
