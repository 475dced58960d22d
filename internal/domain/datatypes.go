package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// MatchValues is an allow-list for one matcher field.
// A scalar matcher is stored as a one-element list.
type MatchValues []string

// UnmarshalJSON accepts a scalar or an array of scalars.
func (m *MatchValues) UnmarshalJSON(raw []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		text, ok, err := coerceJSONValue(raw)
		if err != nil {
			return err
		}
		if !ok {
			*m = nil
			return nil
		}
		*m = MatchValues{text}
		return nil
	}
	out := make(MatchValues, 0, len(list))
	for _, item := range list {
		text, ok, err := coerceJSONValue(item)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, text)
		}
	}
	*m = out
	return nil
}

// Contains reports membership using exact string comparison.
func (m MatchValues) Contains(value string) bool {
	for _, candidate := range m {
		if candidate == value {
			return true
		}
	}
	return false
}

// Matchers maps event field names to allowed values.
type Matchers map[string]MatchValues

// Value stores matchers as JSON text.
func (m Matchers) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(body), nil
}

// Scan loads matchers from JSON text.
func (m *Matchers) Scan(value interface{}) error {
	body, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		*m = Matchers{}
		return nil
	}
	return json.Unmarshal(body, m)
}

// RecoveryPredicate decides which events count as recovery for one rule.
// Params: accepted status words and zero-value toggle (nil means enabled).
// Returns: per-rule recovery configuration.
type RecoveryPredicate struct {
	Statuses  []string `json:"statuses,omitempty"`
	ZeroValue *bool    `json:"zero_value,omitempty"`
}

var defaultRecoveryStatuses = []string{"OK", "RESOLVED"}

// StatusWords returns configured recovery status words or defaults.
func (p RecoveryPredicate) StatusWords() []string {
	if len(p.Statuses) == 0 {
		return defaultRecoveryStatuses
	}
	return p.Statuses
}

// ZeroValueEnabled reports whether value "0" marks a recovery.
func (p RecoveryPredicate) ZeroValueEnabled() bool {
	return p.ZeroValue == nil || *p.ZeroValue
}

// Value stores predicate as JSON text.
func (p RecoveryPredicate) Value() (driver.Value, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(body), nil
}

// Scan loads predicate from JSON text.
func (p *RecoveryPredicate) Scan(value interface{}) error {
	body, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		*p = RecoveryPredicate{}
		return nil
	}
	return json.Unmarshal(body, p)
}

func scanBytes(value interface{}) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
