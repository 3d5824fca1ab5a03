package monitoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

// staleAfter skips latest samples older than the latest-hash retention, so
// rules stop matching series whose producer died.
const staleAfter = 24 * time.Hour

// Evaluator checks alert rules against stored metrics on a fixed cadence
// and owns the rule and alert lifecycles.
type Evaluator struct {
	cache    *store.RedisStore
	series   *tsdb.Store
	notifier *Notifier
	broker   *events.Broker
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvaluator wires the evaluation loop
func NewEvaluator(cache *store.RedisStore, series *tsdb.Store, notifier *Notifier, broker *events.Broker, cfg config.AlertingConfig) *Evaluator {
	interval := cfg.EvalInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Evaluator{
		cache:    cache,
		series:   series,
		notifier: notifier,
		broker:   broker,
		interval: interval,
		logger:   log.WithComponent("evaluator"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop
func (e *Evaluator) Start() {
	e.logger.Info().Dur("interval", e.interval).Msg("Alert evaluator started")
	go e.run()
}

// Stop halts the loop and waits for the tick in progress
func (e *Evaluator) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.logger.Info().Msg("Alert evaluator stopped")
}

func (e *Evaluator) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.interval)
			e.tick(ctx)
			cancel()
		}
	}
}

// tick evaluates every enabled rule once, sequentially and in a fixed order
func (e *Evaluator) tick(ctx context.Context) {
	rules, err := e.cache.ListRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list alert rules")
		return
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.evaluate(ctx, rule); err != nil {
			e.logger.Error().Err(err).Str("rule_id", rule.ID).Str("rule", rule.Name).Msg("Rule evaluation failed")
		}
	}
}

// evaluate checks one rule against the latest sample of every series it
// selects.
func (e *Evaluator) evaluate(ctx context.Context, rule *types.AlertRule) error {
	latest, err := e.series.LatestAll(ctx, rule.Metric)
	if err != nil {
		return err
	}

	selector := selectorLabels(rule)
	now := time.Now().UTC()

	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sample := latest[key]
		if now.Sub(sample.Timestamp) > staleAfter {
			continue
		}
		if !matchLabels(sample.Labels, selector) {
			continue
		}

		firing := satisfies(rule.Operator, sample.Value, rule.Threshold)
		if firing && rule.DurationSeconds > 0 {
			firing, err = e.heldFor(ctx, rule, sample.Labels, now)
			if err != nil {
				return err
			}
		}
		if !firing {
			continue // active alerts stay until an operator resolves them
		}
		if err := e.fire(ctx, rule, key, &sample, now); err != nil {
			return err
		}
	}
	return nil
}

// heldFor reports whether every 1m sample of the series satisfied the rule
// for the whole duration window, with at least one sample present.
func (e *Evaluator) heldFor(ctx context.Context, rule *types.AlertRule, labels map[string]string, now time.Time) (bool, error) {
	window := time.Duration(rule.DurationSeconds) * time.Second
	q, err := e.series.Query(ctx, tsdb.QueryOptions{
		Name:       rule.Metric,
		Resolution: tsdb.Res1m,
		From:       now.Add(-window),
		To:         now,
		Labels:     labels,
	})
	if err != nil {
		return false, err
	}

	seriesKey := store.LabelKey(labels)
	n := 0
	for q.Next(ctx) {
		sample := q.Sample()
		if store.LabelKey(sample.Labels) != seriesKey {
			continue // subset match caught a superset series
		}
		if !satisfies(rule.Operator, sample.Value, rule.Threshold) {
			return false, nil
		}
		n++
	}
	if err := q.Err(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// fire refreshes the alert already active for (rule, series) or creates a
// new one and enqueues its notifications.
func (e *Evaluator) fire(ctx context.Context, rule *types.AlertRule, labelKey string, sample *types.MetricSample, now time.Time) error {
	existingID, err := e.cache.GetActiveAlert(ctx, rule.ID, labelKey)
	if err != nil {
		return err
	}
	if existingID != "" {
		existing, err := e.cache.GetAlert(ctx, existingID)
		if err == nil && existing.Status != types.AlertStatusResolved {
			existing.Value = sample.Value
			existing.LastSeenAt = now
			return e.cache.PutAlert(ctx, existing)
		}
		if err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		// the index points at a resolved or vanished alert; fire fresh
	}

	alert := &types.Alert{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Metric:     rule.Metric,
		Value:      sample.Value,
		Threshold:  rule.Threshold,
		Operator:   rule.Operator,
		Severity:   rule.Severity,
		Labels:     sample.Labels,
		Status:     types.AlertStatusActive,
		Message:    alertMessage(rule, labelKey, sample.Value),
		FiredAt:    now,
		LastSeenAt: now,
	}
	if err := e.cache.PutAlert(ctx, alert); err != nil {
		return err
	}
	if err := e.cache.SetActiveAlert(ctx, rule.ID, labelKey, alert.ID); err != nil {
		return err
	}

	metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity)).Inc()
	e.broker.Publish(events.New(events.EventAlertFired, alert.Message, map[string]string{
		"alert_id": alert.ID,
		"rule_id":  rule.ID,
		"metric":   rule.Metric,
		"severity": string(rule.Severity),
	}))
	e.logger.Warn().
		Str("alert_id", alert.ID).
		Str("rule", rule.Name).
		Str("labels", labelKey).
		Float64("value", sample.Value).
		Msg("Alert fired")

	for _, ch := range rule.Channels {
		if _, err := e.notifier.Enqueue(ctx, alert, rule, types.NotificationChannel(ch)); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Str("channel", ch).Msg("Failed to enqueue notification")
		}
	}
	return nil
}

// Rule CRUD

// CreateRule validates and persists a new alert rule
func (e *Evaluator) CreateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.cache.PutRule(ctx, rule); err != nil {
		return nil, err
	}
	e.logger.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Str("metric", rule.Metric).Msg("Alert rule created")
	return rule, nil
}

// UpdateRule replaces an existing rule's definition, keeping its identity
func (e *Evaluator) UpdateRule(ctx context.Context, id string, rule *types.AlertRule) (*types.AlertRule, error) {
	existing, err := e.cache.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	if err := e.cache.PutRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule drops a rule and its active-alert index entries. Alerts the
// rule already fired stay for operators to resolve.
func (e *Evaluator) DeleteRule(ctx context.Context, id string) error {
	if _, err := e.cache.GetRule(ctx, id); err != nil {
		return err
	}
	if err := e.cache.DeleteRule(ctx, id); err != nil {
		return err
	}
	return e.cache.ClearActiveAlertsForRule(ctx, id)
}

// GetRule returns one rule
func (e *Evaluator) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	return e.cache.GetRule(ctx, id)
}

// ListRules returns all rules, oldest first
func (e *Evaluator) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	rules, err := e.cache.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

// Alert lifecycle

// GetAlert returns one alert
func (e *Evaluator) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	return e.cache.GetAlert(ctx, id)
}

// ListAlerts returns alerts filtered by severity and status, newest first.
// Empty filters match everything.
func (e *Evaluator) ListAlerts(ctx context.Context, severity types.AlertSeverity, status types.AlertStatus) ([]*types.Alert, error) {
	alerts, err := e.cache.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Alert, 0, len(alerts))
	for _, a := range alerts {
		if severity != "" && a.Severity != severity {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FiredAt.After(out[j].FiredAt)
	})
	return out, nil
}

// Acknowledge marks an active alert as seen by an operator
func (e *Evaluator) Acknowledge(ctx context.Context, id, by string) (*types.Alert, error) {
	alert, err := e.cache.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != types.AlertStatusActive {
		return nil, errdefs.Newf(errdefs.CodeConflict, "alert %s is %s, only active alerts can be acknowledged", id, alert.Status)
	}

	now := time.Now().UTC()
	alert.Status = types.AlertStatusAcknowledged
	alert.AckedAt = &now
	alert.AckedBy = by
	if err := e.cache.PutAlert(ctx, alert); err != nil {
		return nil, err
	}

	e.broker.Publish(events.New(events.EventAlertAcknowledged,
		fmt.Sprintf("alert %s acknowledged", alert.RuleName),
		map[string]string{"alert_id": alert.ID, "rule_id": alert.RuleID}))
	return alert, nil
}

// Resolve closes an alert with an operator note and clears the dedup index,
// letting the rule fire again. RESOLVED is terminal.
func (e *Evaluator) Resolve(ctx context.Context, id, note string) (*types.Alert, error) {
	alert, err := e.cache.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertStatusResolved {
		return nil, errdefs.Newf(errdefs.CodeConflict, "alert %s is already resolved", id)
	}

	now := time.Now().UTC()
	alert.Status = types.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.Resolution = note
	if err := e.cache.PutAlert(ctx, alert); err != nil {
		return nil, err
	}
	if err := e.cache.ClearActiveAlert(ctx, alert.RuleID, store.LabelKey(alert.Labels)); err != nil {
		return nil, err
	}

	e.broker.Publish(events.New(events.EventAlertResolved,
		fmt.Sprintf("alert %s resolved", alert.RuleName),
		map[string]string{"alert_id": alert.ID, "rule_id": alert.RuleID}))
	return alert, nil
}

// Helpers

var (
	operators = map[types.AlertOperator]bool{
		types.OperatorGreaterThan:  true,
		types.OperatorLessThan:     true,
		types.OperatorGreaterEqual: true,
		types.OperatorLessEqual:    true,
		types.OperatorEqual:        true,
		types.OperatorNotEqual:     true,
	}
	severities = map[types.AlertSeverity]bool{
		types.SeverityInfo:     true,
		types.SeverityWarning:  true,
		types.SeverityCritical: true,
	}
)

func validateRule(rule *types.AlertRule) error {
	if rule.Name == "" {
		return errdefs.Invalid("rule name is required")
	}
	if rule.Metric == "" {
		return errdefs.Invalid("rule metric is required")
	}
	if !operators[rule.Operator] {
		return errdefs.Invalidf("unknown operator %q", rule.Operator)
	}
	if !severities[rule.Severity] {
		return errdefs.Invalidf("unknown severity %q", rule.Severity)
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return errdefs.Invalid("threshold must be a finite number")
	}
	if rule.DurationSeconds < 0 {
		return errdefs.Invalid("duration cannot be negative")
	}
	for _, ch := range rule.Channels {
		if !knownChannel(types.NotificationChannel(ch)) {
			return errdefs.Invalidf("unknown notification channel %q", ch)
		}
	}
	return nil
}

// satisfies applies the rule operator
func satisfies(op types.AlertOperator, value, threshold float64) bool {
	switch op {
	case types.OperatorGreaterThan:
		return value > threshold
	case types.OperatorLessThan:
		return value < threshold
	case types.OperatorGreaterEqual:
		return value >= threshold
	case types.OperatorLessEqual:
		return value <= threshold
	case types.OperatorEqual:
		return value == threshold
	case types.OperatorNotEqual:
		return value != threshold
	default:
		return false
	}
}

// selectorLabels extracts the series selector from rule labels. Keys with a
// _target suffix address notification channels, not series labels.
func selectorLabels(rule *types.AlertRule) map[string]string {
	if len(rule.Labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(rule.Labels))
	for k, v := range rule.Labels {
		if strings.HasSuffix(k, "_target") {
			continue
		}
		out[k] = v
	}
	return out
}

// matchLabels reports whether have contains every key/value pair in want
func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func alertMessage(rule *types.AlertRule, labelKey string, value float64) string {
	subject := rule.Metric
	if labelKey != "{}" {
		subject += " " + labelKey
	}
	return fmt.Sprintf("%s is %.2f (threshold %s %.2f)", subject, value, rule.Operator, rule.Threshold)
}
