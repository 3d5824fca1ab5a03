package docker

import (
	"context"
	"fmt"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/fleet"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/monitoring"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
)

// ServiceEngine is the container engine service name.
const ServiceEngine = "docker.engine"

// Plugin runs the container engine on top of the machines plugin's registry
// and executor. It owns the engine's machine-event subscription: updates
// invalidate the engine's machine cache and a removed machine drops its
// containers and samplers.
type Plugin struct {
	cache  *store.RedisStore
	broker *events.Broker
	cfg    config.MonitorConfig

	engine *Engine
	sub    events.Subscriber
	done   chan struct{}
}

func NewPlugin(cache *store.RedisStore, broker *events.Broker, cfg config.MonitorConfig) *Plugin {
	return &Plugin{cache: cache, broker: broker, cfg: cfg}
}

func (p *Plugin) Meta() plugin.Metadata {
	return plugin.Metadata{
		Name:         "docker",
		Version:      "1.0.0",
		Description:  "containers on remote machines through the docker CLI",
		Dependencies: []string{"machines", "monitoring"},
	}
}

func (p *Plugin) ConfigSpec() any { return nil }

func (p *Plugin) Init(_ context.Context, host *plugin.Host, _ any) error {
	remote, err := plugin.LookupAs[Remote](host, fleet.ServiceExecutor)
	if err != nil {
		return err
	}
	registry, err := plugin.LookupAs[*fleet.Registry](host, fleet.ServiceRegistry)
	if err != nil {
		return err
	}
	series, err := plugin.LookupAs[*tsdb.Store](host, monitoring.ServiceTSDB)
	if err != nil {
		return err
	}

	// A dead docker daemon is often a dead machine; have the fleet check
	// right away instead of waiting out the monitor interval.
	logger := log.WithComponent("docker-plugin")
	trigger := ProbeTrigger(func(machineID string) {
		if _, err := registry.ProbeNow(context.Background(), machineID); err != nil {
			logger.Debug().Err(err).Str("machine_id", machineID).Msg("Out-of-band probe failed")
		}
	})

	p.engine = NewEngine(remote, registry, p.cache, series, p.broker, p.cfg.StatsInterval(), trigger)
	host.Provide(ServiceEngine, p.engine)
	return nil
}

func (p *Plugin) Start(context.Context) error {
	p.sub = p.broker.Subscribe()
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for ev := range p.sub {
			p.engine.OnMachineEvent(ev)
		}
	}()
	p.engine.StartStats()
	return nil
}

func (p *Plugin) Stop(context.Context) error {
	p.engine.StopStats()
	p.broker.Unsubscribe(p.sub) // closes the channel, ending the dispatch loop
	<-p.done
	return nil
}

func (p *Plugin) Health(ctx context.Context) plugin.HealthStatus {
	if _, err := p.cache.CountContainersByState(ctx); err != nil {
		return plugin.HealthStatus{Detail: fmt.Sprintf("redis: %v", err)}
	}
	return plugin.HealthStatus{Healthy: true}
}
