package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/engine"
	"alertflow/internal/ingest"
	"alertflow/internal/lifecycle"
	"alertflow/internal/maintenance"
	"alertflow/internal/metrics"
	"alertflow/internal/state"

	"golang.org/x/sync/errgroup"
)

// ErrNotConfigured fails a whole batch when the engine has no usable store or rules.
var ErrNotConfigured = fmt.Errorf("engine not configured: %w", ingest.ErrUnavailable)

const deadlineMessage = "batch deadline exceeded"

// Applier runs the lifecycle decision for one evaluated event.
type Applier interface {
	Apply(ctx context.Context, in lifecycle.Input) (lifecycle.Outcome, error)
}

// ProcessorOptions carries tuning and optional collaborators of Processor.
type ProcessorOptions struct {
	Workers      int
	BatchTimeout time.Duration
	Maintenance  *maintenance.Checker
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Processor evaluates ingest batches through the matching and lifecycle pipeline.
// Params: rule source, lifecycle applier, and options.
// Returns: batch sink for HTTP and NATS ingest.
type Processor struct {
	rules        state.RuleStore
	lifecycle    Applier
	maintenance  *maintenance.Checker
	workers      int
	batchTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProcessor creates batch processor.
func NewProcessor(rules state.RuleStore, applier Applier, opts ProcessorOptions) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		rules:        rules,
		lifecycle:    applier,
		maintenance:  opts.Maintenance,
		workers:      opts.Workers,
		batchTimeout: opts.BatchTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// ProcessBatch runs every event of one batch and reports one result per event.
// Params: request context and decoded events.
// Returns: response in input order, or ErrNotConfigured for the whole call.
// Events sharing (tenant, dedupe key) are applied sequentially in input order;
// distinct keys run in parallel.
func (p *Processor) ProcessBatch(ctx context.Context, events []domain.Event) (domain.BatchResponse, error) {
	if p == nil || p.rules == nil || p.lifecycle == nil {
		return domain.BatchResponse{}, ErrNotConfigured
	}
	started := time.Now()
	defer func() { p.metrics.ObserveBatch(time.Since(started)) }()

	rules, err := p.rules.ListEnabledRules(ctx, sourcesOf(events))
	if err != nil {
		return domain.BatchResponse{}, fmt.Errorf("%w: load rules: %w", ErrNotConfigured, err)
	}
	index := engine.NewRuleIndex(rules)

	batchCtx := ctx
	if p.batchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.batchTimeout)
		defer cancel()
	}
	// Started events finish even when the batch deadline passes mid-flight.
	workCtx := context.WithoutCancel(ctx)

	results := make([]domain.Result, len(events))
	groups := make([][]evaluated, 0, len(events))
	groupOf := make(map[string]int, len(events))
	for i, event := range events {
		item, result, ok := p.evaluate(index, event)
		if !ok {
			results[i] = p.record(result)
			continue
		}
		item.position = i
		key := item.rule.TenantID + "\x00" + item.dedupeKey
		g, seen := groupOf[key]
		if !seen {
			g = len(groups)
			groupOf[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], item)
	}

	var group errgroup.Group
	group.SetLimit(p.workers)
	for _, items := range groups {
		if batchCtx.Err() != nil {
			p.expire(results, items)
			continue
		}
		items := items
		group.Go(func() error {
			for n, item := range items {
				if batchCtx.Err() != nil {
					p.expire(results, items[n:])
					return nil
				}
				results[item.position] = p.record(p.apply(workCtx, item))
			}
			return nil
		})
	}
	_ = group.Wait()

	return domain.BatchResponse{Processed: len(events), Results: results}, nil
}

// evaluated is one matched event waiting for its lifecycle decision.
type evaluated struct {
	position  int
	rule      domain.AlertRule
	event     domain.Event
	dedupeKey string
}

func (p *Processor) record(result domain.Result) domain.Result {
	p.metrics.ObserveAction(string(result.Action))
	return result
}

func (p *Processor) expire(results []domain.Result, items []evaluated) {
	for _, item := range items {
		results[item.position] = p.record(domain.Result{
			DedupeKey: item.dedupeKey,
			Action:    domain.ActionError,
			Error:     deadlineMessage,
		})
	}
}

// evaluate validates, matches and keys one event.
// Returns: the pending item, or a final result with ok=false.
func (p *Processor) evaluate(index *engine.RuleIndex, event domain.Event) (evaluated, domain.Result, bool) {
	if err := event.Validate(); err != nil {
		return evaluated{}, domain.Result{Action: domain.ActionError, Error: err.Error()}, false
	}

	rule, err := index.Select(event)
	switch {
	case errors.Is(err, engine.ErrNoRuleForSource):
		p.logger.Debug("event skipped", "source", event.Source, "action", domain.ActionSkippedNoRule)
		return evaluated{}, domain.Result{Action: domain.ActionSkippedNoRule}, false
	case errors.Is(err, engine.ErrNoMatchingRule):
		p.logger.Debug("event skipped", "source", event.Source, "action", domain.ActionSkippedNoMatch)
		return evaluated{}, domain.Result{Action: domain.ActionSkippedNoMatch}, false
	case err != nil:
		return evaluated{}, domain.Result{Action: domain.ActionError, Error: err.Error()}, false
	}

	dedupeKey := engine.RenderDedupeKey(rule, event)
	if strings.TrimSpace(dedupeKey) == "" {
		return evaluated{}, domain.Result{Action: domain.ActionError, Error: "empty dedupe key"}, false
	}
	return evaluated{rule: rule, event: event, dedupeKey: dedupeKey}, domain.Result{}, true
}

func (p *Processor) apply(ctx context.Context, item evaluated) domain.Result {
	rule, event, dedupeKey := item.rule, item.event, item.dedupeKey
	now := p.clock.Now()
	recovery := engine.IsRecovery(rule, event)
	input := lifecycle.Input{
		Rule:      rule,
		Event:     event,
		DedupeKey: dedupeKey,
		Severity:  engine.EventSeverity(rule, event),
		Title:     engine.ResolveTitle(event, dedupeKey),
		Recovery:  recovery,
		Now:       now,
	}
	if !recovery {
		windowID, suppressed, err := p.maintenance.Check(ctx, rule.TenantID, maintenance.ScopeFromEvent(event), now)
		if err != nil {
			p.logger.Error("maintenance check failed", "rule_id", rule.ID, "dedupe_key", dedupeKey, "error", err.Error())
			return domain.Result{DedupeKey: dedupeKey, Action: domain.ActionError, Error: err.Error()}
		}
		if suppressed {
			input.WindowID = windowID
		}
	}

	outcome, err := p.lifecycle.Apply(ctx, input)
	if err != nil {
		p.logger.Error("lifecycle apply failed", "rule_id", rule.ID, "dedupe_key", dedupeKey, "error", err.Error())
		return domain.Result{DedupeKey: dedupeKey, Action: domain.ActionError, Error: err.Error()}
	}
	p.logger.Debug("event processed", "rule_id", rule.ID, "dedupe_key", dedupeKey, "alert_id", outcome.AlertID, "action", outcome.Action)
	return domain.Result{DedupeKey: dedupeKey, Action: outcome.Action, AlertID: outcome.AlertID}
}

// sourcesOf returns distinct non-empty sources of a batch.
func sourcesOf(events []domain.Event) []string {
	seen := make(map[string]struct{}, len(events))
	sources := make([]string, 0, len(events))
	for _, event := range events {
		source := strings.TrimSpace(event.Source)
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		sources = append(sources, source)
	}
	return sources
}
