package maintenance

import (
	"context"
	"fmt"
	"time"

	"alertflow/internal/domain"
)

// WindowFinder loads enabled maintenance windows of one tenant active at one instant.
type WindowFinder interface {
	ActiveMaintenanceWindows(ctx context.Context, tenantID string, at time.Time) ([]domain.MaintenanceWindow, error)
}

// Checker decides whether an alert is currently covered by a maintenance window.
// Params: finder backed by the relational store.
// Returns: advisory suppression decision; alerts are still recorded.
type Checker struct {
	finder WindowFinder
}

// NewChecker creates maintenance checker.
func NewChecker(finder WindowFinder) *Checker {
	return &Checker{finder: finder}
}

// ScopeFromEvent extracts window scope fields from one event.
func ScopeFromEvent(event domain.Event) domain.MaintenanceScope {
	return domain.MaintenanceScope{
		ConnectionID: event.ConnectionID,
		DashboardID:  event.DashboardID,
		TriggerID:    event.TriggerID,
		HostID:       event.HostID,
		HostGroupID:  event.HostGroupID,
	}
}

// Check finds the first active window covering the scope.
// Params: tenant id, alert scope, and evaluation instant.
// Returns: window id and true when suppressed; empty id otherwise.
func (c *Checker) Check(ctx context.Context, tenantID string, scope domain.MaintenanceScope, now time.Time) (string, bool, error) {
	if c == nil || c.finder == nil {
		return "", false, nil
	}
	windows, err := c.finder.ActiveMaintenanceWindows(ctx, tenantID, now)
	if err != nil {
		return "", false, fmt.Errorf("load maintenance windows: %w", err)
	}
	for _, window := range windows {
		if window.TenantID != tenantID || !window.ActiveAt(now) {
			continue
		}
		if window.Covers(scope) {
			return window.ID, true, nil
		}
	}
	return "", false, nil
}
