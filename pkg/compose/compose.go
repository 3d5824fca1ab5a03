package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/paddock/pkg/docker"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/types"
)

// rollbackTimeout bounds the cleanup pass after a failed deploy, detached
// from the caller's (possibly cancelled) context
const rollbackTimeout = 2 * time.Minute

// ContainerEngine is the docker engine slice the orchestrator drives
type ContainerEngine interface {
	Deploy(ctx context.Context, spec *types.ContainerSpec, meta *docker.DeployMeta) (*types.Container, error)
	Remove(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string, opts types.LogOptions) (string, error)
	EnsureNetwork(ctx context.Context, machineID, name string) error
	RemoveNetwork(ctx context.Context, machineID, name string) error
}

// Orchestrator deploys and manages multi-service deployments
type Orchestrator struct {
	db     store.Relational
	cache  *store.RedisStore
	engine ContainerEngine
	broker *events.Broker
	logger zerolog.Logger
}

// NewOrchestrator wires the compose orchestrator
func NewOrchestrator(db store.Relational, cache *store.RedisStore, engine ContainerEngine, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		db:     db,
		cache:  cache,
		engine: engine,
		broker: broker,
		logger: log.WithComponent("compose"),
	}
}

// serviceError names the service a deploy failure belongs to
type serviceError struct {
	service string
	err     error
}

func (e *serviceError) Error() string { return "service " + e.service + ": " + e.err.Error() }
func (e *serviceError) Unwrap() error { return e.err }

// Deploy validates the config, brings every service up in dependency order,
// and persists the record once all of them run. Services without a machine
// of their own land on defaultMachineID. Any failure tears down whatever was
// created and leaves no record behind.
func (o *Orchestrator) Deploy(ctx context.Context, cfg *types.ComposeConfig, defaultMachineID string) (*types.Deployment, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	machines, err := resolveMachines(cfg, defaultMachineID)
	if err != nil {
		return nil, err
	}

	if _, err := o.db.GetDeploymentByName(ctx, cfg.Name); err == nil {
		return nil, errdefs.NameConflict("deployment", cfg.Name)
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	id := uuid.NewString()
	resolved := resolvedConfig(cfg, machines)

	o.logger.Info().
		Str("deployment_id", id).
		Str("name", cfg.Name).
		Int("services", len(cfg.Services)).
		Msg("Deploying")

	containers, err := o.deployAll(ctx, id, resolved, machines)
	if err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("compose_deploy", "error").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	dep := &types.Deployment{
		ID:         id,
		Name:       cfg.Name,
		Config:     resolved,
		Status:     types.DeploymentStatusRunning,
		Containers: containers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.db.CreateDeployment(ctx, dep); err != nil {
		// The services run but the record cannot land; take them back down
		// rather than leak unmanaged containers.
		o.rollback(id, orderedIDs(resolved, containers), machineIDs(machines))
		metrics.DeployOperationsTotal.WithLabelValues("compose_deploy", "error").Inc()
		return nil, err
	}
	o.mirror(ctx, dep)

	metrics.DeployOperationsTotal.WithLabelValues("compose_deploy", "success").Inc()
	o.broker.Publish(events.New(events.EventDeploymentCreated,
		fmt.Sprintf("deployment %s running with %d services", dep.Name, len(containers)),
		map[string]string{"deployment_id": dep.ID, "name": dep.Name}))

	return dep, nil
}

// Teardown removes a deployment's containers in reverse creation order,
// then its networks, then the record. Without force the first failure
// aborts; with force failures are logged and teardown continues.
func (o *Orchestrator) Teardown(ctx context.Context, id string, force bool) error {
	dep, err := o.db.GetDeployment(ctx, id)
	if err != nil {
		return err
	}

	if err := o.teardownContainers(ctx, dep, force); err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("compose_teardown", "error").Inc()
		return err
	}

	network := networkName(dep.ID)
	for _, mid := range deploymentMachines(dep) {
		if err := o.engine.RemoveNetwork(ctx, mid, network); err != nil {
			if !force {
				metrics.DeployOperationsTotal.WithLabelValues("compose_teardown", "error").Inc()
				return err
			}
			o.logger.Warn().Err(err).Str("machine_id", mid).Str("network", network).Msg("Teardown continuing past network failure")
		}
	}

	if err := o.db.DeleteDeployment(ctx, dep.ID); err != nil {
		return err
	}
	if err := o.cache.DeleteDeploymentState(ctx, dep.ID); err != nil {
		o.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("Failed to drop deployment mirror")
	}

	metrics.DeployOperationsTotal.WithLabelValues("compose_teardown", "success").Inc()
	o.broker.Publish(events.New(events.EventDeploymentRemoved,
		fmt.Sprintf("deployment %s removed", dep.Name),
		map[string]string{"deployment_id": dep.ID, "name": dep.Name}))

	o.logger.Info().Str("deployment_id", dep.ID).Str("name", dep.Name).Msg("Deployment removed")
	return nil
}

// Update replaces a deployment's config: the new config is validated before
// the old containers come down, then services deploy under the same ID. A
// failed redeploy leaves the record in FAILED with the cause per service.
func (o *Orchestrator) Update(ctx context.Context, id string, cfg *types.ComposeConfig, defaultMachineID string) (*types.Deployment, error) {
	dep, err := o.db.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	machines, err := resolveMachines(cfg, defaultMachineID)
	if err != nil {
		return nil, err
	}
	if cfg.Name != dep.Name {
		if _, err := o.db.GetDeploymentByName(ctx, cfg.Name); err == nil {
			return nil, errdefs.NameConflict("deployment", cfg.Name)
		} else if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	// Old containers only come down once the new config is known-good
	if err := o.teardownContainers(ctx, dep, true); err != nil {
		return nil, err
	}

	// Networks on machines the new config no longer uses are stale
	network := networkName(dep.ID)
	stale := subtract(deploymentMachines(dep), machineIDs(machines))
	for _, mid := range stale {
		if err := o.engine.RemoveNetwork(ctx, mid, network); err != nil {
			o.logger.Warn().Err(err).Str("machine_id", mid).Msg("Could not remove stale network")
		}
	}

	resolved := resolvedConfig(cfg, machines)
	now := time.Now().UTC()

	containers, err := o.deployAll(ctx, id, resolved, machines)
	if err != nil {
		dep.Status = types.DeploymentStatusFailed
		dep.Containers = nil
		dep.Errors = errorsByService(err)
		dep.UpdatedAt = now
		if uerr := o.db.UpdateDeployment(ctx, dep); uerr != nil {
			o.logger.Error().Err(uerr).Str("deployment_id", dep.ID).Msg("Failed to record update failure")
		}
		o.mirror(ctx, dep)
		metrics.DeployOperationsTotal.WithLabelValues("compose_update", "error").Inc()
		return nil, err
	}

	dep.Name = cfg.Name
	dep.Config = resolved
	dep.Status = types.DeploymentStatusRunning
	dep.Containers = containers
	dep.Errors = nil
	dep.UpdatedAt = now
	if err := o.db.UpdateDeployment(ctx, dep); err != nil {
		return nil, err
	}
	o.mirror(ctx, dep)

	metrics.DeployOperationsTotal.WithLabelValues("compose_update", "success").Inc()
	o.broker.Publish(events.New(events.EventDeploymentUpdated,
		fmt.Sprintf("deployment %s updated", dep.Name),
		map[string]string{"deployment_id": dep.ID, "name": dep.Name}))

	return dep, nil
}

// Status recomputes the aggregate state from the tracked container records
// and persists it when it drifted.
func (o *Orchestrator) Status(ctx context.Context, id string) (*types.Deployment, error) {
	dep, err := o.db.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(dep.Containers) == 0 {
		return dep, nil // a failed update keeps its FAILED status
	}

	var running, stopped, broken int
	for _, cid := range dep.Containers {
		rec, err := o.cache.GetContainer(ctx, cid)
		if err != nil {
			if errdefs.IsNotFound(err) {
				broken++
				continue
			}
			return nil, err
		}
		switch rec.State {
		case types.ContainerStateRunning, types.ContainerStateRestarting:
			running++
		case types.ContainerStateCreated, types.ContainerStateExited, types.ContainerStatePaused:
			stopped++
		default:
			broken++
		}
	}

	var status types.DeploymentStatus
	switch {
	case running == len(dep.Containers):
		status = types.DeploymentStatusRunning
	case running > 0:
		status = types.DeploymentStatusPartial
	case broken > 0:
		status = types.DeploymentStatusFailed
	default:
		status = types.DeploymentStatusStopped
	}

	if status != dep.Status {
		dep.Status = status
		dep.UpdatedAt = time.Now().UTC()
		if err := o.db.UpdateDeployment(ctx, dep); err != nil {
			return nil, err
		}
		o.mirror(ctx, dep)
	}
	return dep, nil
}

// Logs merges per-service logs in creation order, each line prefixed with
// its service name.
func (o *Orchestrator) Logs(ctx context.Context, id string, opts types.LogOptions) (string, error) {
	dep, err := o.db.GetDeployment(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, svc := range creationOrder(dep.Config.Services) {
		cid := dep.Containers[svc]
		if cid == "" {
			continue
		}
		out, err := o.engine.Logs(ctx, cid, opts)
		if err != nil {
			fmt.Fprintf(&b, "%s | logs unavailable: %s\n", svc, err)
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintf(&b, "%s | %s\n", svc, line)
		}
	}
	return b.String(), nil
}

// Get returns the stored deployment record
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Deployment, error) {
	return o.db.GetDeployment(ctx, id)
}

// GetByName returns the stored deployment record by name
func (o *Orchestrator) GetByName(ctx context.Context, name string) (*types.Deployment, error) {
	return o.db.GetDeploymentByName(ctx, name)
}

// List returns all deployments, oldest first
func (o *Orchestrator) List(ctx context.Context) ([]*types.Deployment, error) {
	deployments, err := o.db.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(deployments, func(i, j int) bool {
		if deployments[i].CreatedAt.Equal(deployments[j].CreatedAt) {
			return deployments[i].Name < deployments[j].Name
		}
		return deployments[i].CreatedAt.Before(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// deployAll creates networks and walks the strata. On any failure everything
// created so far is rolled back and the first error returned.
func (o *Orchestrator) deployAll(ctx context.Context, id string, cfg *types.ComposeConfig, machines map[string]string) (map[string]string, error) {
	network := networkName(id)
	mids := machineIDs(machines)
	for _, mid := range mids {
		if err := o.engine.EnsureNetwork(ctx, mid, network); err != nil {
			o.rollback(id, nil, mids)
			return nil, err
		}
	}

	containers := make(map[string]string, len(cfg.Services))
	var created []string
	var mu sync.Mutex

	for _, stratum := range layers(cfg.Services) {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range stratum {
			name := name
			g.Go(func() error {
				spec, err := buildSpec(cfg, name, machines[name], network)
				if err != nil {
					return &serviceError{service: name, err: err}
				}
				c, err := o.engine.Deploy(gctx, spec, &docker.DeployMeta{DeploymentID: id, Service: name})
				if err != nil {
					return &serviceError{service: name, err: err}
				}
				mu.Lock()
				containers[name] = c.ID
				created = append(created, c.ID)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			o.rollback(id, created, mids)
			return nil, err
		}
	}
	return containers, nil
}

// teardownContainers removes the deployment's containers in reverse creation
// order. Containers already gone are fine; other failures abort unless force.
func (o *Orchestrator) teardownContainers(ctx context.Context, dep *types.Deployment, force bool) error {
	order := creationOrder(dep.Config.Services)
	for i := len(order) - 1; i >= 0; i-- {
		svc := order[i]
		cid := dep.Containers[svc]
		if cid == "" {
			continue
		}
		err := o.engine.Remove(ctx, cid, true)
		if err == nil || errdefs.IsNotFound(err) {
			continue
		}
		if !force {
			return fmt.Errorf("service %s: %w", svc, err)
		}
		o.logger.Warn().Err(err).Str("service", svc).Str("container_id", cid).Msg("Teardown continuing past failure")
	}
	return nil
}

// rollback takes down created containers in reverse order and removes the
// deployment networks, best effort, on a fresh context so a cancelled deploy
// still cleans up.
func (o *Orchestrator) rollback(id string, created []string, machineIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	for i := len(created) - 1; i >= 0; i-- {
		if err := o.engine.Remove(ctx, created[i], true); err != nil && !errdefs.IsNotFound(err) {
			o.logger.Warn().Err(err).Str("container_id", created[i]).Msg("Rollback could not remove container")
		}
	}
	network := networkName(id)
	for _, mid := range machineIDs {
		if err := o.engine.RemoveNetwork(ctx, mid, network); err != nil {
			o.logger.Warn().Err(err).Str("machine_id", mid).Str("network", network).Msg("Rollback could not remove network")
		}
	}
}

// mirror pushes the runtime view of a deployment into redis, best effort
func (o *Orchestrator) mirror(ctx context.Context, dep *types.Deployment) {
	if err := o.cache.PutDeploymentState(ctx, dep); err != nil {
		o.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("Failed to mirror deployment state")
	}
}

func networkName(deploymentID string) string {
	return "compose_" + deploymentID
}

// resolveMachines picks the machine for every service, falling back to the
// deployment default.
func resolveMachines(cfg *types.ComposeConfig, defaultMachineID string) (map[string]string, error) {
	out := make(map[string]string, len(cfg.Services))
	for name, svc := range cfg.Services {
		mid := svc.MachineID
		if mid == "" {
			mid = defaultMachineID
		}
		if mid == "" {
			return nil, errdefs.Invalidf("service %s names no machine and the deployment has no default", name)
		}
		out[name] = mid
	}
	return out, nil
}

// resolvedConfig copies the config with every service's machine pinned, so
// teardown and update know where containers live without re-resolution.
func resolvedConfig(cfg *types.ComposeConfig, machines map[string]string) *types.ComposeConfig {
	out := &types.ComposeConfig{
		Name:     cfg.Name,
		Services: make(map[string]*types.ComposeService, len(cfg.Services)),
	}
	for name, svc := range cfg.Services {
		cp := *svc
		cp.MachineID = machines[name]
		out.Services[name] = &cp
	}
	return out
}

// deploymentMachines lists the distinct machines a stored deployment uses
func deploymentMachines(dep *types.Deployment) []string {
	seen := make(map[string]bool)
	for _, svc := range dep.Config.Services {
		if svc.MachineID != "" {
			seen[svc.MachineID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for mid := range seen {
		out = append(out, mid)
	}
	sort.Strings(out)
	return out
}

// machineIDs returns the distinct machine IDs of a resolution, sorted
func machineIDs(machines map[string]string) []string {
	seen := make(map[string]bool, len(machines))
	for _, mid := range machines {
		seen[mid] = true
	}
	out := make([]string, 0, len(seen))
	for mid := range seen {
		out = append(out, mid)
	}
	sort.Strings(out)
	return out
}

// orderedIDs lists container IDs in creation order for rollback
func orderedIDs(cfg *types.ComposeConfig, containers map[string]string) []string {
	var out []string
	for _, svc := range creationOrder(cfg.Services) {
		if cid := containers[svc]; cid != "" {
			out = append(out, cid)
		}
	}
	return out
}

// subtract returns the members of a not present in b
func subtract(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}

// errorsByService shapes a deploy failure for the record
func errorsByService(err error) map[string]string {
	var se *serviceError
	if errors.As(err, &se) {
		return map[string]string{se.service: se.err.Error()}
	}
	return map[string]string{"deploy": err.Error()}
}
