package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Known event field names used by matchers, templates, and scope lookups.
const (
	FieldSource       = "source"
	FieldSeverity     = "severity"
	FieldStatus       = "status"
	FieldValue        = "value"
	FieldTitle        = "title"
	FieldTriggerName  = "trigger_name"
	FieldName         = "name"
	FieldDescription  = "description"
	FieldConnectionID = "connection_id"
	FieldDashboardID  = "dashboard_id"
	FieldTriggerID    = "triggerid"
	FieldHostID       = "hostid"
	FieldHostGroupID  = "groupid"
)

// fieldAliases maps accepted spellings onto canonical known field names.
var fieldAliases = map[string]string{
	"trigger_id":    FieldTriggerID,
	"host_id":       FieldHostID,
	"host_group_id": FieldHostGroupID,
	"hostgroupid":   FieldHostGroupID,
	"connectionid":  FieldConnectionID,
	"dashboardid":   FieldDashboardID,
}

// Event is one normalized monitoring event.
// Params: typed known fields plus string-keyed extension bag for source-specific attributes.
// Returns: validated event used by matcher, key renderer, and lifecycle controller.
type Event struct {
	Source       string
	Severity     string
	Status       string
	Value        string
	Title        string
	TriggerName  string
	Name         string
	Description  string
	ConnectionID string
	DashboardID  string
	TriggerID    string
	HostID       string
	HostGroupID  string

	// Extra holds every non-known field coerced to string.
	Extra map[string]string
	// Raw keeps original payload bytes for the alert snapshot.
	Raw json.RawMessage
}

// UnmarshalJSON decodes one event object into known fields and extension bag.
// Params: JSON object bytes.
// Returns: decode error for non-object payloads.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("event must be a JSON object")
	}

	next := Event{Raw: append(json.RawMessage(nil), raw...)}
	for _, key := range fieldOrder(fields) {
		value := fields[key]
		text, ok, err := coerceJSONValue(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if !ok {
			continue
		}
		next.set(key, text)
	}
	*e = next
	return nil
}

// MarshalJSON renders the original payload when present, otherwise a flat field map.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(e.Fields())
}

// Payload returns bytes stored as the alert payload snapshot.
// Params: none.
// Returns: raw payload or synthesized JSON object.
func (e Event) Payload() []byte {
	body, err := e.MarshalJSON()
	if err != nil {
		return nil
	}
	return body
}

// Field resolves one field by name across known fields and extension bag.
// Params: field name (aliases accepted).
// Returns: field value and presence flag.
func (e Event) Field(name string) (string, bool) {
	canonical := canonicalField(name)
	var value string
	switch canonical {
	case FieldSource:
		value = e.Source
	case FieldSeverity:
		value = e.Severity
	case FieldStatus:
		value = e.Status
	case FieldValue:
		value = e.Value
	case FieldTitle:
		value = e.Title
	case FieldTriggerName:
		value = e.TriggerName
	case FieldName:
		value = e.Name
	case FieldDescription:
		value = e.Description
	case FieldConnectionID:
		value = e.ConnectionID
	case FieldDashboardID:
		value = e.DashboardID
	case FieldTriggerID:
		value = e.TriggerID
	case FieldHostID:
		value = e.HostID
	case FieldHostGroupID:
		value = e.HostGroupID
	default:
		extra, ok := e.Extra[name]
		return extra, ok
	}
	return value, value != ""
}

// Fields returns a flat copy of all non-empty fields.
func (e Event) Fields() map[string]string {
	out := make(map[string]string, len(e.Extra)+8)
	for key, value := range e.Extra {
		out[key] = value
	}
	known := []string{
		FieldSource, FieldSeverity, FieldStatus, FieldValue, FieldTitle, FieldTriggerName,
		FieldName, FieldDescription, FieldConnectionID, FieldDashboardID,
		FieldTriggerID, FieldHostID, FieldHostGroupID,
	}
	for _, key := range known {
		if value, ok := e.Field(key); ok {
			out[key] = value
		}
	}
	return out
}

// Validate checks the required part of event contract.
// Params: decoded event.
// Returns: validation error when source is absent.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required")
	}
	return nil
}

func (e *Event) set(key, value string) {
	switch canonicalField(key) {
	case FieldSource:
		e.Source = strings.TrimSpace(value)
	case FieldSeverity:
		e.Severity = value
	case FieldStatus:
		e.Status = value
	case FieldValue:
		e.Value = value
	case FieldTitle:
		e.Title = value
	case FieldTriggerName:
		e.TriggerName = value
	case FieldName:
		e.Name = value
	case FieldDescription:
		e.Description = value
	case FieldConnectionID:
		e.ConnectionID = value
	case FieldDashboardID:
		e.DashboardID = value
	case FieldTriggerID:
		e.TriggerID = value
	case FieldHostID:
		e.HostID = value
	case FieldHostGroupID:
		e.HostGroupID = value
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]string)
		}
		e.Extra[key] = value
	}
}

// fieldOrder lists aliases before canonical names, each sorted, so a canonical key
// wins over its alias and the result does not depend on map iteration.
func fieldOrder(fields map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		_, iAlias := fieldAliases[keys[i]]
		_, jAlias := fieldAliases[keys[j]]
		if iAlias != jAlias {
			return iAlias
		}
		return keys[i] < keys[j]
	})
	return keys
}

func canonicalField(name string) string {
	if alias, ok := fieldAliases[name]; ok {
		return alias
	}
	return name
}

// coerceJSONValue converts one JSON value into matcher-comparable string.
// Params: raw JSON token.
// Returns: string form, presence flag (false for null), and decode error.
func coerceJSONValue(raw json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false, nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", false, err
		}
		return text, true, nil
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return "", false, err
		}
		return compact.String(), true, nil
	default:
		// numbers and booleans keep their literal JSON text
		return string(trimmed), true, nil
	}
}

// DecodeEvents decodes one event object or an array of event objects.
// Params: raw JSON body.
// Returns: decoded events (not yet validated) or decode error.
func DecodeEvents(raw []byte) ([]Event, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	var events []Event
	if payload[0] == '[' {
		if err := decoder.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode event batch: %w", err)
		}
		if len(events) == 0 {
			return nil, errors.New("event batch must contain at least one event")
		}
	} else {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = []Event{event}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	return events, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
