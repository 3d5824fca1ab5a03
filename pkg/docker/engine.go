package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/executor"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

const (
	// pullTimeout bounds image pulls, which dwarf every other operation
	pullTimeout = 10 * time.Minute

	// defaultStopSeconds is handed to docker stop when the caller has no
	// opinion
	defaultStopSeconds = 10

	// machineCacheTTL bounds how stale a cached machine lookup can get;
	// update/remove events invalidate eagerly
	machineCacheTTL = 30 * time.Second
)

// Remote is the executor slice the engine needs
type Remote interface {
	Execute(ctx context.Context, m *types.Machine, command string, opts executor.Options) (*types.CommandResult, error)
}

// MachineSource resolves machine records; the fleet registry implements it
type MachineSource interface {
	Get(ctx context.Context, id string) (*types.Machine, error)
}

// ProbeTrigger asks the fleet to re-verify a machine out of band. The engine
// fires it when a docker daemon stops answering.
type ProbeTrigger func(machineID string)

// DeployMeta ties a container to the compose deployment that created it
type DeployMeta struct {
	DeploymentID string
	Service      string
}

// Engine manages containers on remote machines through the docker CLI
type Engine struct {
	remote   Remote
	machines MachineSource
	cache    *store.RedisStore
	series   *tsdb.Store
	broker   *events.Broker
	logger   zerolog.Logger

	machineCache *gocache.Cache
	probeTrigger ProbeTrigger
	probing      sync.Map // machineID -> in-flight out-of-band probe

	samplers *samplerSet
}

// NewEngine wires the container engine. probeTrigger may be nil.
func NewEngine(remote Remote, machines MachineSource, cache *store.RedisStore, series *tsdb.Store, broker *events.Broker, statsInterval time.Duration, probeTrigger ProbeTrigger) *Engine {
	e := &Engine{
		remote:       remote,
		machines:     machines,
		cache:        cache,
		series:       series,
		broker:       broker,
		logger:       log.WithComponent("docker"),
		machineCache: gocache.New(machineCacheTTL, time.Minute),
		probeTrigger: probeTrigger,
	}
	e.samplers = newSamplerSet(e, statsInterval)
	return e
}

// StartStats launches the stats sampler loop
func (e *Engine) StartStats() {
	e.samplers.Start()
}

// StopStats halts all samplers and the sync loop
func (e *Engine) StopStats() {
	e.samplers.Stop()
}

// Deploy creates and starts a container from a spec. The machine must be
// ACTIVE; images are pulled when missing; host volume directories are
// created. meta is nil for standalone containers.
func (e *Engine) Deploy(ctx context.Context, spec *types.ContainerSpec, meta *DeployMeta) (*types.Container, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	m, err := e.machine(ctx, spec.MachineID)
	if err != nil {
		return nil, err
	}
	if m.Status != types.MachineStatusActive {
		return nil, errdefs.Newf(errdefs.CodeConflict, "machine %s is %s, deploys need an active machine", m.Name, m.Status).
			WithDetail("machine_id", m.ID).
			WithDetail("machine_status", string(m.Status))
	}

	// Name is unique per machine in our records; the docker-side check
	// happens implicitly when run reports a conflict.
	existing, err := e.cache.ListContainers(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.Name == spec.Name {
			return nil, errdefs.NameConflict("container", spec.Name)
		}
	}

	if err := e.ensureImage(ctx, m, spec.Image); err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("deploy", "error").Inc()
		return nil, err
	}
	if err := e.ensureVolumes(ctx, m, spec.Volumes); err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("deploy", "error").Inc()
		return nil, err
	}
	if spec.Network != "" {
		if err := e.ensureNetworkOn(ctx, m, spec.Network); err != nil {
			metrics.DeployOperationsTotal.WithLabelValues("deploy", "error").Inc()
			return nil, err
		}
	}

	res, err := e.docker(ctx, m, "run "+spec.Name, runCommand(spec), executor.Options{})
	if err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("deploy", "error").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	rec := &types.Container{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		DockerID:  lastLine(res.Stdout),
		MachineID: m.ID,
		Image:     spec.Image,
		State:     types.ContainerStateRunning,
		Spec:      spec,
		CreatedAt: now,
		StartedAt: now,
	}
	if meta != nil {
		rec.DeploymentID = meta.DeploymentID
		rec.Service = meta.Service
	}

	if err := e.cache.PutContainer(ctx, rec); err != nil {
		e.logger.Error().Err(err).
			Str("container_id", rec.ID).
			Str("docker_id", rec.DockerID).
			Msg("Container started but could not be recorded")
		return nil, fmt.Errorf("container %s started on %s but recording failed: %w", spec.Name, m.Name, err)
	}

	metrics.DeployOperationsTotal.WithLabelValues("deploy", "success").Inc()
	e.broker.Publish(events.New(events.EventContainerDeployed,
		fmt.Sprintf("container %s deployed on %s", spec.Name, m.Name),
		map[string]string{
			"container_id": rec.ID,
			"machine_id":   m.ID,
			"image":        spec.Image,
		}))
	e.samplers.ensure(rec.ID)

	e.logger.Info().
		Str("container_id", rec.ID).
		Str("name", spec.Name).
		Str("machine_id", m.ID).
		Str("image", spec.Image).
		Msg("Container deployed")

	return rec, nil
}

// Start starts a stopped container. Starting a running one is a no-op.
func (e *Engine) Start(ctx context.Context, id string) (*types.Container, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == types.ContainerStateRunning {
		return rec, nil
	}

	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	if _, err := e.docker(ctx, m, "start "+rec.Name, shellquote.Join("docker", "start", rec.DockerID), executor.Options{}); err != nil {
		return nil, err
	}

	rec.State = types.ContainerStateRunning
	rec.StartedAt = time.Now().UTC()
	if err := e.cache.PutContainer(ctx, rec); err != nil {
		return nil, err
	}

	e.broker.Publish(events.New(events.EventContainerStarted,
		fmt.Sprintf("container %s started", rec.Name),
		map[string]string{"container_id": rec.ID, "machine_id": rec.MachineID}))
	e.samplers.ensure(rec.ID)

	return rec, nil
}

// Stop stops a running container. Stopping a stopped one is a no-op.
func (e *Engine) Stop(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case types.ContainerStateRunning, types.ContainerStateRestarting, types.ContainerStatePaused:
	default:
		return rec, nil // already down
	}

	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultStopSeconds
	}
	cmd := shellquote.Join("docker", "stop", "-t", strconv.Itoa(timeoutSeconds), rec.DockerID)
	if _, err := e.docker(ctx, m, "stop "+rec.Name, cmd, executor.Options{}); err != nil {
		return nil, err
	}

	rec.State = types.ContainerStateExited
	if err := e.cache.PutContainer(ctx, rec); err != nil {
		return nil, err
	}

	e.broker.Publish(events.New(events.EventContainerStopped,
		fmt.Sprintf("container %s stopped", rec.Name),
		map[string]string{"container_id": rec.ID, "machine_id": rec.MachineID}))
	e.samplers.cancel(rec.ID)

	return rec, nil
}

// Restart restarts a container regardless of current state
func (e *Engine) Restart(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}

	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultStopSeconds
	}
	cmd := shellquote.Join("docker", "restart", "-t", strconv.Itoa(timeoutSeconds), rec.DockerID)
	if _, err := e.docker(ctx, m, "restart "+rec.Name, cmd, executor.Options{}); err != nil {
		return nil, err
	}

	rec.State = types.ContainerStateRunning
	rec.StartedAt = time.Now().UTC()
	if err := e.cache.PutContainer(ctx, rec); err != nil {
		return nil, err
	}

	e.broker.Publish(events.New(events.EventContainerStarted,
		fmt.Sprintf("container %s restarted", rec.Name),
		map[string]string{"container_id": rec.ID, "machine_id": rec.MachineID}))
	e.samplers.ensure(rec.ID)

	return rec, nil
}

// Remove deletes a container. Running containers need force. A container
// already gone from the host is removed from the records without complaint.
func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if rec.State == types.ContainerStateRunning && !force {
		return errdefs.Newf(errdefs.CodeConflict, "container %s is running; stop it first or force", rec.Name).
			WithDetail("container_id", rec.ID)
	}

	m, err := e.machine(ctx, rec.MachineID)
	switch {
	case errdefs.IsNotFound(err):
		// Machine already gone; just drop the record
	case err != nil:
		return err
	default:
		args := []string{"docker", "rm"}
		if force {
			args = append(args, "-f")
		}
		args = append(args, rec.DockerID)

		_, derr := e.docker(ctx, m, "rm "+rec.Name, shellquote.Join(args...), executor.Options{})
		if derr != nil && !errdefs.IsNotFound(derr) {
			metrics.DeployOperationsTotal.WithLabelValues("remove", "error").Inc()
			return derr
		}
	}

	if err := e.cache.DeleteContainer(ctx, rec.ID); err != nil {
		return err
	}
	e.samplers.cancel(rec.ID)

	metrics.DeployOperationsTotal.WithLabelValues("remove", "success").Inc()
	e.broker.Publish(events.New(events.EventContainerRemoved,
		fmt.Sprintf("container %s removed", rec.Name),
		map[string]string{"container_id": rec.ID, "machine_id": rec.MachineID}))

	e.logger.Info().
		Str("container_id", rec.ID).
		Str("name", rec.Name).
		Msg("Container removed")

	return nil
}

// Logs fetches container output. Docker splits app stdout and stderr across
// both streams; callers get them concatenated.
func (e *Engine) Logs(ctx context.Context, id string, opts types.LogOptions) (string, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return "", err
	}
	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return "", err
	}

	res, err := e.docker(ctx, m, "logs "+rec.Name, logsCommand(rec.DockerID, opts), executor.Options{})
	if err != nil {
		return "", err
	}
	return res.Stdout + res.Stderr, nil
}

// Exec runs a command inside a running container. The command's exit code
// is data in the result; docker-side failures are errors.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string, opts types.ExecOptions) (*types.CommandResult, error) {
	if len(cmd) == 0 {
		return nil, errdefs.Invalid("command is required")
	}

	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != types.ContainerStateRunning {
		return nil, errdefs.Newf(errdefs.CodeConflict, "container %s is %s, exec needs a running container", rec.Name, rec.State).
			WithDetail("container_id", rec.ID)
	}

	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	res, err := e.remote.Execute(ctx, m, execCommand(rec.DockerID, cmd, opts), executor.Options{})
	if err != nil {
		return nil, err
	}
	// Exit codes belong to the exec'd command unless docker itself failed
	if res.ExitCode != 0 && strings.Contains(res.Stderr, "Error response from daemon") {
		return nil, classifyFailure("exec "+rec.Name, res)
	}
	return res, nil
}

// Inspect refreshes a container record from the host and returns it. A
// container missing on the host is marked unknown rather than failing.
func (e *Engine) Inspect(ctx context.Context, id string) (*types.Container, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	cmd := shellquote.Join("docker", "inspect", "--format", "{{json .State}}", rec.DockerID)
	res, err := e.docker(ctx, m, "inspect "+rec.Name, cmd, executor.Options{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			rec.State = types.ContainerStateUnknown
			rec.Status = "missing on host"
			if perr := e.cache.PutContainer(ctx, rec); perr != nil {
				return nil, perr
			}
			return rec, nil
		}
		return nil, err
	}

	st, err := parseInspectState(res.Stdout)
	if err != nil {
		return nil, err
	}

	rec.State = containerState(st.Status)
	rec.Status = st.Status
	if rec.State == types.ContainerStateExited {
		rec.Status = fmt.Sprintf("%s (exit %d)", st.Status, st.ExitCode)
	}
	if started, perr := time.Parse(time.RFC3339Nano, st.StartedAt); perr == nil && !started.IsZero() {
		rec.StartedAt = started.UTC()
	}

	if err := e.cache.PutContainer(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns container records, optionally narrowed to a machine
func (e *Engine) List(ctx context.Context, machineID string) ([]*types.Container, error) {
	containers, err := e.cache.ListContainers(ctx, machineID)
	if err != nil {
		return nil, err
	}
	sortContainers(containers)
	return containers, nil
}

// Reconcile compares records for a machine against docker ps -a and fixes
// drifted states. Containers missing on the host are marked unknown.
func (e *Engine) Reconcile(ctx context.Context, machineID string) ([]*types.Container, error) {
	m, err := e.machine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	res, err := e.docker(ctx, m, "ps", shellquote.Join("docker", "ps", "-a", "--format", "{{json .}}"), executor.Options{})
	if err != nil {
		return nil, err
	}
	observed := parsePS(res.Stdout)

	records, err := e.cache.ListContainers(ctx, machineID)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		entry, ok := observed[shortID(rec.DockerID)]
		if !ok {
			if rec.State != types.ContainerStateUnknown {
				rec.State = types.ContainerStateUnknown
				rec.Status = "missing on host"
				if perr := e.cache.PutContainer(ctx, rec); perr != nil {
					return nil, perr
				}
			}
			continue
		}

		state := containerState(entry.State)
		if state != rec.State || entry.Status != rec.Status {
			rec.State = state
			rec.Status = entry.Status
			if perr := e.cache.PutContainer(ctx, rec); perr != nil {
				return nil, perr
			}
		}
	}

	sortContainers(records)
	return records, nil
}

// Stats takes a one-shot usage snapshot of a container
func (e *Engine) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	rec, err := e.cache.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := e.machine(ctx, rec.MachineID)
	if err != nil {
		return nil, err
	}

	cmd := shellquote.Join("docker", "stats", "--no-stream", "--format", "{{json .}}", rec.DockerID)
	res, err := e.docker(ctx, m, "stats "+rec.Name, cmd, executor.Options{})
	if err != nil {
		return nil, err
	}

	stats, err := parseStats(res.Stdout)
	if err != nil {
		return nil, err
	}
	stats.ContainerID = rec.ID
	stats.Name = rec.Name
	stats.MachineID = rec.MachineID
	return stats, nil
}

// EnsureNetwork creates a bridge network on the machine if it does not
// already exist.
func (e *Engine) EnsureNetwork(ctx context.Context, machineID, name string) error {
	m, err := e.machine(ctx, machineID)
	if err != nil {
		return err
	}
	return e.ensureNetworkOn(ctx, m, name)
}

// RemoveNetwork deletes a network on the machine. A network already gone is
// not an error.
func (e *Engine) RemoveNetwork(ctx context.Context, machineID, name string) error {
	m, err := e.machine(ctx, machineID)
	if err != nil {
		return err
	}

	res, err := e.remote.Execute(ctx, m, shellquote.Join("docker", "network", "rm", name), executor.Options{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "not found") || strings.Contains(res.Stderr, "No such network") {
			return nil
		}
		return classifyFailure("network rm "+name, res)
	}
	return nil
}

// OnMachineEvent keeps the machine cache and container records in step with
// fleet changes. The docker plugin feeds it from an event subscription.
func (e *Engine) OnMachineEvent(ev *events.Event) {
	machineID := ev.Metadata["machine_id"]
	if machineID == "" {
		return
	}

	switch ev.Type {
	case events.EventMachineUpdated, events.EventMachineStatus:
		e.machineCache.Delete(machineID)
	case events.EventMachineRemoved:
		e.machineCache.Delete(machineID)
		e.cleanupMachine(context.Background(), machineID)
	}
}

// cleanupMachine drops container records and samplers for a removed machine
func (e *Engine) cleanupMachine(ctx context.Context, machineID string) {
	containers, err := e.cache.ListContainers(ctx, machineID)
	if err != nil {
		e.logger.Error().Err(err).Str("machine_id", machineID).Msg("Failed to list containers for cleanup")
		return
	}
	for _, c := range containers {
		e.samplers.cancel(c.ID)
		if err := e.cache.DeleteContainer(ctx, c.ID); err != nil {
			e.logger.Error().Err(err).Str("container_id", c.ID).Msg("Failed to drop container record")
		}
	}
	if len(containers) > 0 {
		e.logger.Info().
			Str("machine_id", machineID).
			Int("containers", len(containers)).
			Msg("Dropped container records for removed machine")
	}
}

// docker runs a docker CLI command and classifies non-zero exits. Transport
// errors pass through with their own codes; an unreachable daemon triggers
// one out-of-band machine probe.
func (e *Engine) docker(ctx context.Context, m *types.Machine, op, command string, opts executor.Options) (*types.CommandResult, error) {
	res, err := e.remote.Execute(ctx, m, command, opts)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		cerr := classifyFailure(op, res)
		if errdefs.IsCode(cerr, errdefs.CodeDockerUnreachable) {
			e.kickProbe(m.ID)
		}
		return nil, cerr
	}
	return res, nil
}

// ensureImage pulls the image unless the host already has it
func (e *Engine) ensureImage(ctx context.Context, m *types.Machine, image string) error {
	check := "docker image inspect " + shellquote.Join(image) + " >/dev/null 2>&1"
	res, err := e.remote.Execute(ctx, m, check, executor.Options{})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}

	res, err = e.remote.Execute(ctx, m, shellquote.Join("docker", "pull", image), executor.Options{Timeout: pullTimeout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		cerr := classifyFailure("pull "+image, res)
		if errdefs.IsCode(cerr, errdefs.CodeDockerUnreachable) {
			e.kickProbe(m.ID)
			return cerr
		}
		// Anything else during a pull is a pull failure
		if !errdefs.IsCode(cerr, errdefs.CodeImagePullFailed) {
			return errdefs.Newf(errdefs.CodeImagePullFailed, "failed to pull %s", image).
				WithDetail("machine_id", m.ID).
				WithDetail("stderr_tail", tailString(res.Stderr))
		}
		return cerr
	}

	e.logger.Info().Str("machine_id", m.ID).Str("image", image).Msg("Image pulled")
	return nil
}

// ensureVolumes creates host directories for absolute bind-mount sources
func (e *Engine) ensureVolumes(ctx context.Context, m *types.Machine, volumes []types.VolumeMap) error {
	args := []string{"mkdir", "-p"}
	n := 0
	for _, v := range volumes {
		if strings.HasPrefix(v.Source, "/") {
			args = append(args, v.Source)
			n++
		}
	}
	if n == 0 {
		return nil
	}

	res, err := e.remote.Execute(ctx, m, shellquote.Join(args...), executor.Options{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.CodeInternal, "failed to create volume directories").
			WithDetail("machine_id", m.ID).
			WithDetail("stderr_tail", tailString(res.Stderr))
	}
	return nil
}

func (e *Engine) ensureNetworkOn(ctx context.Context, m *types.Machine, name string) error {
	quoted := shellquote.Join(name)
	cmd := fmt.Sprintf("docker network inspect %s >/dev/null 2>&1 || docker network create --driver bridge %s", quoted, quoted)
	_, err := e.docker(ctx, m, "network create "+name, cmd, executor.Options{})
	return err
}

// machine resolves a machine with a short-lived cache in front of the
// registry, keeping the 10s stats cadence off the database.
func (e *Engine) machine(ctx context.Context, id string) (*types.Machine, error) {
	if v, ok := e.machineCache.Get(id); ok {
		return v.(*types.Machine), nil
	}
	m, err := e.machines.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.machineCache.Set(id, m, gocache.DefaultExpiration)
	return m, nil
}

// kickProbe fires one out-of-band machine probe, deduplicating concurrent
// triggers for the same machine.
func (e *Engine) kickProbe(machineID string) {
	if e.probeTrigger == nil {
		return
	}
	if _, busy := e.probing.LoadOrStore(machineID, struct{}{}); busy {
		return
	}
	go func() {
		defer e.probing.Delete(machineID)
		e.probeTrigger(machineID)
	}()
}

// shortID maps a full docker ID onto the 12-char form docker ps prints
func shortID(dockerID string) string {
	if len(dockerID) > 12 {
		return dockerID[:12]
	}
	return dockerID
}

// lastLine returns the final non-empty line, where docker run prints the ID
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// sortContainers orders records by creation time then name for stable output
func sortContainers(containers []*types.Container) {
	sortSlice := func(i, j int) bool {
		if containers[i].CreatedAt.Equal(containers[j].CreatedAt) {
			return containers[i].Name < containers[j].Name
		}
		return containers[i].CreatedAt.Before(containers[j].CreatedAt)
	}
	sort.Slice(containers, sortSlice)
}
