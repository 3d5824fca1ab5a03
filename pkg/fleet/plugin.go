package fleet

import (
	"context"
	"fmt"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/keyvault"
	"github.com/cuemby/paddock/pkg/monitoring"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
)

// Services the machines plugin publishes.
const (
	ServiceRegistry = "machines.registry"
	ServiceMonitor  = "machines.monitor"
	ServiceExecutor = "machines.executor"
)

// Plugin runs the machine registry and its probe loop, and shares the SSH
// executor with the plugins that drive remote hosts.
type Plugin struct {
	db     store.Relational
	cache  *store.RedisStore
	remote Remote
	vault  *keyvault.Vault
	broker *events.Broker
	cfg    config.MonitorConfig

	registry *Registry
	monitor  *Monitor
}

func NewPlugin(db store.Relational, cache *store.RedisStore, remote Remote, vault *keyvault.Vault, broker *events.Broker, cfg config.MonitorConfig) *Plugin {
	return &Plugin{
		db:     db,
		cache:  cache,
		remote: remote,
		vault:  vault,
		broker: broker,
		cfg:    cfg,
	}
}

func (p *Plugin) Meta() plugin.Metadata {
	return plugin.Metadata{
		Name:         "machines",
		Version:      "1.0.0",
		Description:  "machine registry, health probing, and remote command execution",
		Dependencies: []string{"monitoring"},
	}
}

func (p *Plugin) ConfigSpec() any { return nil }

func (p *Plugin) Init(_ context.Context, host *plugin.Host, _ any) error {
	series, err := plugin.LookupAs[*tsdb.Store](host, monitoring.ServiceTSDB)
	if err != nil {
		return err
	}
	p.registry = NewRegistry(p.db, p.cache, p.remote, p.vault, series, p.broker, p.cfg)
	p.monitor = NewMonitor(p.registry, p.cfg)

	host.Provide(ServiceRegistry, p.registry)
	host.Provide(ServiceMonitor, p.monitor)
	host.Provide(ServiceExecutor, p.remote)
	return nil
}

func (p *Plugin) Start(context.Context) error {
	p.monitor.Start()
	return nil
}

func (p *Plugin) Stop(context.Context) error {
	p.monitor.Stop()
	p.registry.Close()
	return nil
}

func (p *Plugin) Health(ctx context.Context) plugin.HealthStatus {
	if _, err := p.db.ListMachines(ctx); err != nil {
		return plugin.HealthStatus{Detail: fmt.Sprintf("postgres: %v", err)}
	}
	return plugin.HealthStatus{Healthy: true}
}
