package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"alertflow/internal/domain"
)

// RuleConfig is one `[rule.<id>]` seed table.
// Params: tenant, source, matchers, dedupe template, and lifecycle flags.
// Returns: rule definition upserted on startup.
// Position orders rules of one source; equal positions fall back to id since TOML tables are unordered.
type RuleConfig struct {
	ID               string                 `toml:"-"`
	Tenant           string                 `toml:"tenant"`
	Source           string                 `toml:"source"`
	Position         int                    `toml:"position"`
	Enabled          *bool                  `toml:"enabled"`
	Match            map[string]interface{} `toml:"match"`
	DedupeKey        string                 `toml:"dedupe_key"`
	Severity         string                 `toml:"severity"`
	AutoResolve      *bool                  `toml:"auto_resolve"`
	ResolveOnMissing bool                   `toml:"resolve_on_missing"`
	Policy           string                 `toml:"policy"`
	ConnectionID     string                 `toml:"connection_id"`
	Recovery         RecoveryConfig         `toml:"recovery"`
}

// RecoveryConfig overrides the rule recovery predicate.
type RecoveryConfig struct {
	Statuses  []string `toml:"statuses"`
	ZeroValue *bool    `toml:"zero_value"`
}

// PolicyConfig is one `[policy.<id>]` seed table with its ordered steps.
type PolicyConfig struct {
	ID     string       `toml:"-"`
	Tenant string       `toml:"tenant"`
	Name   string       `toml:"name"`
	Step   []StepConfig `toml:"step"`
}

// StepConfig is one `[[policy.<id>.step]]` entry.
// Params: order, channel, delay, throttle, and channel-specific target.
// Returns: escalation step definition.
type StepConfig struct {
	Order       int         `toml:"order"`
	Channel     string      `toml:"channel"`
	DelaySec    int         `toml:"delay_sec"`
	ThrottleSec int         `toml:"throttle_sec"`
	Target      interface{} `toml:"target"`
	Enabled     *bool       `toml:"enabled"`
}

// MaintenanceConfig is one `[maintenance.<id>]` seed table.
type MaintenanceConfig struct {
	ID           string    `toml:"-"`
	Tenant       string    `toml:"tenant"`
	Name         string    `toml:"name"`
	StartsAt     time.Time `toml:"starts_at"`
	EndsAt       time.Time `toml:"ends_at"`
	Enabled      *bool     `toml:"enabled"`
	ConnectionID string    `toml:"connection_id"`
	DashboardID  string    `toml:"dashboard_id"`
	TriggerID    string    `toml:"trigger_id"`
	HostID       string    `toml:"host_id"`
	HostGroupID  string    `toml:"host_group_id"`
}

// Matchers converts TOML match values into the domain allow-list model.
// Params: scalar or array values per field.
// Returns: matchers or error for unsupported value kinds.
func (r RuleConfig) Matchers() (domain.Matchers, error) {
	out := make(domain.Matchers, len(r.Match))
	for field, raw := range r.Match {
		values, err := matchValues(raw)
		if err != nil {
			return nil, fmt.Errorf("match.%s: %w", field, err)
		}
		out[field] = values
	}
	return out, nil
}

// ToDomain converts one validated rule seed.
// Params: none.
// Returns: domain rule ready for upsert.
func (r RuleConfig) ToDomain() (domain.AlertRule, error) {
	matchers, err := r.Matchers()
	if err != nil {
		return domain.AlertRule{}, err
	}
	rule := domain.AlertRule{
		ID:               r.ID,
		TenantID:         strings.TrimSpace(r.Tenant),
		Source:           strings.TrimSpace(r.Source),
		Position:         r.Position,
		Enabled:          boolOr(r.Enabled, true),
		Matchers:         matchers,
		DedupeTemplate:   r.DedupeKey,
		DefaultSeverity:  domain.Severity(strings.ToLower(strings.TrimSpace(r.Severity))),
		AutoResolve:      boolOr(r.AutoResolve, true),
		ResolveOnMissing: r.ResolveOnMissing,
		ConnectionID:     strings.TrimSpace(r.ConnectionID),
		Recovery: domain.RecoveryPredicate{
			Statuses:  append([]string(nil), r.Recovery.Statuses...),
			ZeroValue: r.Recovery.ZeroValue,
		},
	}
	if policy := strings.TrimSpace(r.Policy); policy != "" {
		rule.EscalationPolicyID = &policy
	}
	return rule, nil
}

// ToDomain converts one validated policy seed with steps sorted by order.
func (p PolicyConfig) ToDomain() (domain.EscalationPolicy, error) {
	policy := domain.EscalationPolicy{
		ID:       p.ID,
		TenantID: strings.TrimSpace(p.Tenant),
		Name:     strings.TrimSpace(p.Name),
	}
	for i, step := range p.Step {
		target, err := stepTarget(step.Target)
		if err != nil {
			return domain.EscalationPolicy{}, fmt.Errorf("step[%d].target: %w", i, err)
		}
		order := step.Order
		if order <= 0 {
			order = i + 1
		}
		policy.Steps = append(policy.Steps, domain.EscalationStep{
			ID:              p.ID + "/" + strconv.Itoa(order),
			PolicyID:        p.ID,
			StepOrder:       order,
			Channel:         strings.TrimSpace(step.Channel),
			DelaySeconds:    step.DelaySec,
			ThrottleSeconds: step.ThrottleSec,
			Target:          target,
			Enabled:         boolOr(step.Enabled, true),
		})
	}
	sort.SliceStable(policy.Steps, func(i, j int) bool {
		return policy.Steps[i].StepOrder < policy.Steps[j].StepOrder
	})
	return policy, nil
}

// ToDomain converts one maintenance window seed.
func (m MaintenanceConfig) ToDomain() domain.MaintenanceWindow {
	return domain.MaintenanceWindow{
		ID:           m.ID,
		TenantID:     strings.TrimSpace(m.Tenant),
		Name:         strings.TrimSpace(m.Name),
		StartsAt:     m.StartsAt.UTC(),
		EndsAt:       m.EndsAt.UTC(),
		Enabled:      boolOr(m.Enabled, true),
		ConnectionID: strings.TrimSpace(m.ConnectionID),
		DashboardID:  strings.TrimSpace(m.DashboardID),
		TriggerID:    strings.TrimSpace(m.TriggerID),
		HostID:       strings.TrimSpace(m.HostID),
		HostGroupID:  strings.TrimSpace(m.HostGroupID),
	}
}

func validateRule(rule RuleConfig) error {
	if !identifierPattern.MatchString(rule.ID) {
		return errors.New("id has unsupported characters")
	}
	if strings.TrimSpace(rule.Tenant) == "" {
		return errors.New("tenant is required")
	}
	if strings.TrimSpace(rule.Source) == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(rule.DedupeKey) == "" {
		return errors.New("dedupe_key is required")
	}
	switch domain.Severity(strings.ToLower(strings.TrimSpace(rule.Severity))) {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityAverage, domain.SeverityHigh, domain.SeverityDisaster:
	default:
		return fmt.Errorf("severity has unsupported value %q", rule.Severity)
	}
	if _, err := rule.Matchers(); err != nil {
		return err
	}
	return nil
}

func validatePolicy(policy PolicyConfig) error {
	if !identifierPattern.MatchString(policy.ID) {
		return errors.New("id has unsupported characters")
	}
	if strings.TrimSpace(policy.Tenant) == "" {
		return errors.New("tenant is required")
	}
	orders := make(map[int]struct{}, len(policy.Step))
	for i, step := range policy.Step {
		if strings.TrimSpace(step.Channel) == "" {
			return fmt.Errorf("step[%d].channel is required", i)
		}
		if step.DelaySec < 0 {
			return fmt.Errorf("step[%d].delay_sec must be >=0", i)
		}
		if step.ThrottleSec < 0 {
			return fmt.Errorf("step[%d].throttle_sec must be >=0", i)
		}
		if step.Order > 0 {
			if _, exists := orders[step.Order]; exists {
				return fmt.Errorf("step[%d].order %d is duplicated", i, step.Order)
			}
			orders[step.Order] = struct{}{}
		}
		if _, err := stepTarget(step.Target); err != nil {
			return fmt.Errorf("step[%d].target: %w", i, err)
		}
	}
	return nil
}

func validateMaintenance(window MaintenanceConfig) error {
	if !identifierPattern.MatchString(window.ID) {
		return errors.New("id has unsupported characters")
	}
	if strings.TrimSpace(window.Tenant) == "" {
		return errors.New("tenant is required")
	}
	if window.StartsAt.IsZero() || window.EndsAt.IsZero() {
		return errors.New("starts_at and ends_at are required")
	}
	if !window.EndsAt.After(window.StartsAt) {
		return errors.New("ends_at must be after starts_at")
	}
	return nil
}

// matchValues normalizes one TOML matcher value into an allow-list.
func matchValues(raw interface{}) (domain.MatchValues, error) {
	switch typed := raw.(type) {
	case []interface{}:
		out := make(domain.MatchValues, 0, len(typed))
		for _, item := range typed {
			text, err := scalarText(item)
			if err != nil {
				return nil, err
			}
			out = append(out, text)
		}
		return out, nil
	default:
		text, err := scalarText(typed)
		if err != nil {
			return nil, err
		}
		return domain.MatchValues{text}, nil
	}
}

func scalarText(raw interface{}) (string, error) {
	switch typed := raw.(type) {
	case string:
		return typed, nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(typed), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

// stepTarget keeps string targets verbatim and encodes tables as JSON.
func stepTarget(raw interface{}) (string, error) {
	switch typed := raw.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	case map[string]interface{}:
		body, err := json.Marshal(typed)
		if err != nil {
			return "", err
		}
		return string(body), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
