package monitoring

import (
	"context"
	"fmt"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
)

// Services the monitoring plugin publishes.
const (
	ServiceTSDB      = "monitoring.tsdb"
	ServiceEvaluator = "monitoring.evaluator"
	ServiceNotifier  = "monitoring.notifier"
)

// Plugin runs the metric store, rule evaluator, and notifier as one unit.
type Plugin struct {
	cache     *store.RedisStore
	series    *tsdb.Store
	broker    *events.Broker
	alerting  config.AlertingConfig
	notifiers config.NotifierConfig

	evaluator *Evaluator
	notifier  *Notifier
}

func NewPlugin(cache *store.RedisStore, series *tsdb.Store, broker *events.Broker, alerting config.AlertingConfig, notifiers config.NotifierConfig) *Plugin {
	return &Plugin{
		cache:     cache,
		series:    series,
		broker:    broker,
		alerting:  alerting,
		notifiers: notifiers,
	}
}

func (p *Plugin) Meta() plugin.Metadata {
	return plugin.Metadata{
		Name:        "monitoring",
		Version:     "1.0.0",
		Description: "time-series metrics, alert rules, and notification delivery",
	}
}

// ConfigSpec is nil: alerting and notifier settings live in their typed
// config sections, not a plugin block.
func (p *Plugin) ConfigSpec() any { return nil }

func (p *Plugin) Init(_ context.Context, host *plugin.Host, _ any) error {
	p.notifier = NewNotifier(p.cache, p.notifiers, p.broker)
	p.evaluator = NewEvaluator(p.cache, p.series, p.notifier, p.broker, p.alerting)

	host.Provide(ServiceTSDB, p.series)
	host.Provide(ServiceEvaluator, p.evaluator)
	host.Provide(ServiceNotifier, p.notifier)
	return nil
}

func (p *Plugin) Start(context.Context) error {
	p.notifier.Start() // before the evaluator so fired alerts drain right away
	p.evaluator.Start()
	return nil
}

func (p *Plugin) Stop(context.Context) error {
	p.evaluator.Stop()
	p.notifier.Stop()
	return nil
}

func (p *Plugin) Health(ctx context.Context) plugin.HealthStatus {
	if err := p.cache.Ping(ctx); err != nil {
		return plugin.HealthStatus{Detail: fmt.Sprintf("redis: %v", err)}
	}
	return plugin.HealthStatus{Healthy: true}
}
