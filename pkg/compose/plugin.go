package compose

import (
	"context"
	"fmt"

	"github.com/cuemby/paddock/pkg/docker"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
)

// ServiceOrchestrator is the deployment orchestrator service name.
const ServiceOrchestrator = "compose.orchestrator"

// Plugin exposes multi-service deployments on top of the container engine.
type Plugin struct {
	db     store.Relational
	cache  *store.RedisStore
	broker *events.Broker

	orch *Orchestrator
}

func NewPlugin(db store.Relational, cache *store.RedisStore, broker *events.Broker) *Plugin {
	return &Plugin{db: db, cache: cache, broker: broker}
}

func (p *Plugin) Meta() plugin.Metadata {
	return plugin.Metadata{
		Name:         "compose",
		Version:      "1.0.0",
		Description:  "dependency-ordered multi-service deployments",
		Dependencies: []string{"docker"},
	}
}

func (p *Plugin) ConfigSpec() any { return nil }

func (p *Plugin) Init(_ context.Context, host *plugin.Host, _ any) error {
	engine, err := plugin.LookupAs[ContainerEngine](host, docker.ServiceEngine)
	if err != nil {
		return err
	}
	p.orch = NewOrchestrator(p.db, p.cache, engine, p.broker)
	host.Provide(ServiceOrchestrator, p.orch)
	return nil
}

// Start is a no-op: the orchestrator only works on demand.
func (p *Plugin) Start(context.Context) error { return nil }

func (p *Plugin) Stop(context.Context) error { return nil }

func (p *Plugin) Health(ctx context.Context) plugin.HealthStatus {
	if _, err := p.db.ListDeployments(ctx); err != nil {
		return plugin.HealthStatus{Detail: fmt.Sprintf("postgres: %v", err)}
	}
	return plugin.HealthStatus{Healthy: true}
}
