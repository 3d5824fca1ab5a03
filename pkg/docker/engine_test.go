package docker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/executor"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

const testDockerID = "4fa6e0f0c678a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f607182931"

// fakeRemote answers Execute calls from a script of substring-matched
// responses. Unmatched commands succeed with empty output.
type fakeRemote struct {
	mu       sync.Mutex
	scripts  []script
	executed []string
}

type script struct {
	contains string
	res      types.CommandResult
	err      error
}

func (f *fakeRemote) on(contains string, res types.CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script{contains: contains, res: res})
}

func (f *fakeRemote) failOn(contains string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script{contains: contains, err: err})
}

func (f *fakeRemote) Execute(_ context.Context, m *types.Machine, command string, _ executor.Options) (*types.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	for _, s := range f.scripts {
		if strings.Contains(command, s.contains) {
			if s.err != nil {
				return nil, s.err
			}
			res := s.res
			res.MachineID = m.ID
			res.Command = command
			return &res, nil
		}
	}
	return &types.CommandResult{MachineID: m.ID, Command: command}, nil
}

// commands returns executed commands containing the substring
func (f *fakeRemote) commands(contains string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.executed {
		if strings.Contains(c, contains) {
			out = append(out, c)
		}
	}
	return out
}

type fakeMachines struct {
	mu       sync.Mutex
	machines map[string]*types.Machine
}

func (f *fakeMachines) Get(_ context.Context, id string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return nil, errdefs.NotFound("machine", id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMachines) setStatus(id string, status types.MachineStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.machines[id].Status = status
}

type engineHarness struct {
	engine   *Engine
	remote   *fakeRemote
	machines *fakeMachines
	cache    *store.RedisStore
	series   *tsdb.Store
	broker   *events.Broker
	probed   chan string
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	remote := &fakeRemote{}
	machines := &fakeMachines{machines: map[string]*types.Machine{
		"m1": {ID: "m1", Name: "worker-1", Host: "10.0.0.5", Port: 22, User: "root", Status: types.MachineStatusActive},
	}}
	cache := store.NewRedisStore(rdb)
	series := tsdb.New(rdb)

	probed := make(chan string, 8)
	trigger := func(machineID string) { probed <- machineID }

	engine := NewEngine(remote, machines, cache, series, broker, 50*time.Millisecond, trigger)
	t.Cleanup(engine.StopStats)

	return &engineHarness{
		engine:   engine,
		remote:   remote,
		machines: machines,
		cache:    cache,
		series:   series,
		broker:   broker,
		probed:   probed,
	}
}

func webSpec() *types.ContainerSpec {
	return &types.ContainerSpec{Name: "web", Image: "nginx:1.27", MachineID: "m1"}
}

// deployWeb deploys the standard test container with the image already on
// the host
func deployWeb(t *testing.T, h *engineHarness) *types.Container {
	t.Helper()
	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 0})
	h.remote.on("docker run", types.CommandResult{Stdout: testDockerID + "\n"})
	rec, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.NoError(t, err)
	return rec
}

func TestDeploy(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	rec := deployWeb(t, h)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, testDockerID, rec.DockerID)
	assert.Equal(t, types.ContainerStateRunning, rec.State)
	assert.Equal(t, "m1", rec.MachineID)
	assert.False(t, rec.CreatedAt.IsZero())

	stored, err := h.cache.GetContainer(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.DockerID, stored.DockerID)
	require.NotNil(t, stored.Spec)
	assert.Equal(t, "nginx:1.27", stored.Spec.Image)

	runs := h.remote.commands("docker run")
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0], "--name web")
	assert.Empty(t, h.remote.commands("docker pull"), "image was present, no pull expected")

	ev := awaitEvent(t, sub, events.EventContainerDeployed)
	assert.Equal(t, rec.ID, ev.Metadata["container_id"])
}

func TestDeployPullsMissingImage(t *testing.T) {
	h := newEngineHarness(t)

	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 1})
	h.remote.on("docker pull", types.CommandResult{ExitCode: 0})
	h.remote.on("docker run", types.CommandResult{Stdout: testDockerID})

	_, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.NoError(t, err)
	assert.Len(t, h.remote.commands("docker pull"), 1)
}

func TestDeployPullFailure(t *testing.T) {
	h := newEngineHarness(t)

	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 1})
	h.remote.on("docker pull", types.CommandResult{
		ExitCode: 1,
		Stderr:   "Error response from daemon: pull access denied for nope/nope, repository does not exist",
	})

	_, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeImagePullFailed), "got %v", err)
	assert.Empty(t, h.remote.commands("docker run"), "run must not happen after a failed pull")

	// Nothing recorded
	list, err := h.cache.ListContainers(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeployDaemonDownKicksProbe(t *testing.T) {
	h := newEngineHarness(t)

	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 0})
	h.remote.on("docker run", types.CommandResult{
		ExitCode: 125,
		Stderr:   "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?",
	})

	_, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeDockerUnreachable), "got %v", err)

	select {
	case id := <-h.probed:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an out-of-band probe for the machine")
	}
}

func TestDeployRejectsDuplicateName(t *testing.T) {
	h := newEngineHarness(t)
	deployWeb(t, h)

	_, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNameConflict), "got %v", err)
	assert.Len(t, h.remote.commands("docker image inspect"), 1, "conflict must be caught before touching the host")
	assert.Len(t, h.remote.commands("docker run"), 1)
}

func TestDeployNeedsActiveMachine(t *testing.T) {
	h := newEngineHarness(t)
	h.machines.setStatus("m1", types.MachineStatusInactive)

	_, err := h.engine.Deploy(context.Background(), webSpec(), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err), "got %v", err)
}

func TestDeployCreatesVolumeDirsAndNetwork(t *testing.T) {
	h := newEngineHarness(t)

	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 0})
	h.remote.on("docker run", types.CommandResult{Stdout: testDockerID})

	spec := webSpec()
	spec.Volumes = []types.VolumeMap{
		{Source: "/srv/web/data", Target: "/data"},
		{Source: "named-vol", Target: "/cache"},
	}
	spec.Network = "backend"

	_, err := h.engine.Deploy(context.Background(), spec, nil)
	require.NoError(t, err)

	mkdirs := h.remote.commands("mkdir -p")
	require.Len(t, mkdirs, 1)
	assert.Contains(t, mkdirs[0], "/srv/web/data")
	assert.NotContains(t, mkdirs[0], "named-vol", "named volumes are docker's business")

	require.Len(t, h.remote.commands("docker network create"), 1)
}

func TestDeployCarriesMeta(t *testing.T) {
	h := newEngineHarness(t)

	h.remote.on("docker image inspect", types.CommandResult{ExitCode: 0})
	h.remote.on("docker run", types.CommandResult{Stdout: testDockerID})

	rec, err := h.engine.Deploy(context.Background(), webSpec(), &DeployMeta{DeploymentID: "dep-1", Service: "web"})
	require.NoError(t, err)
	assert.Equal(t, "dep-1", rec.DeploymentID)
	assert.Equal(t, "web", rec.Service)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	got, err := h.engine.Start(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, got.State)
	assert.Empty(t, h.remote.commands("docker start"), "starting a running container must not touch the host")
}

func TestStopAndStart(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	rec := deployWeb(t, h)

	stopped, err := h.engine.Stop(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, stopped.State)

	stops := h.remote.commands("docker stop")
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "-t 10", "default stop timeout")

	// Second stop is a no-op
	_, err = h.engine.Stop(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, h.remote.commands("docker stop"), 1)

	started, err := h.engine.Start(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, started.State)
	assert.Len(t, h.remote.commands("docker start"), 1)
}

func TestStopCustomTimeout(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	_, err := h.engine.Stop(context.Background(), rec.ID, 30)
	require.NoError(t, err)

	stops := h.remote.commands("docker stop")
	require.Len(t, stops, 1)
	assert.Contains(t, stops[0], "-t 30")
}

func TestRestart(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	rec := deployWeb(t, h)

	_, err := h.engine.Stop(ctx, rec.ID, 0)
	require.NoError(t, err)

	got, err := h.engine.Restart(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateRunning, got.State)
	assert.Len(t, h.remote.commands("docker restart"), 1)
}

func TestRemoveRunningNeedsForce(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	rec := deployWeb(t, h)

	err := h.engine.Remove(ctx, rec.ID, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err), "got %v", err)

	require.NoError(t, h.engine.Remove(ctx, rec.ID, true))

	rms := h.remote.commands("docker rm")
	require.Len(t, rms, 1)
	assert.Contains(t, rms[0], "-f")

	_, err = h.cache.GetContainer(ctx, rec.ID)
	assert.True(t, errdefs.IsNotFound(err))
	awaitEvent(t, sub, events.EventContainerRemoved)
}

func TestRemoveToleratesMissingOnHost(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	rec := deployWeb(t, h)
	_, err := h.engine.Stop(ctx, rec.ID, 0)
	require.NoError(t, err)

	h.remote.on("docker rm", types.CommandResult{
		ExitCode: 1,
		Stderr:   "Error response from daemon: No such container: " + testDockerID,
	})

	require.NoError(t, h.engine.Remove(ctx, rec.ID, false))
	_, err = h.cache.GetContainer(ctx, rec.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRemoveDropsRecordWhenMachineGone(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	rec := &types.Container{
		ID:        "c-orphan",
		Name:      "orphan",
		DockerID:  testDockerID,
		MachineID: "ghost",
		State:     types.ContainerStateExited,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.cache.PutContainer(ctx, rec))

	require.NoError(t, h.engine.Remove(ctx, rec.ID, false))
	assert.Empty(t, h.remote.commands("docker rm"))
	_, err := h.cache.GetContainer(ctx, rec.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestLogs(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	h.remote.on("docker logs", types.CommandResult{Stdout: "hello\n", Stderr: "warn\n"})

	out, err := h.engine.Logs(context.Background(), rec.ID, types.LogOptions{Tail: 5})
	require.NoError(t, err)
	assert.Equal(t, "hello\nwarn\n", out)

	logs := h.remote.commands("docker logs")
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0], "--tail 5")
}

func TestExec(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	rec := deployWeb(t, h)

	h.remote.on("docker exec", types.CommandResult{Stdout: "1\n", ExitCode: 7})

	res, err := h.engine.Exec(ctx, rec.ID, []string{"sh", "-c", "exit 7"}, types.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode, "exec exit codes are data, not errors")

	_, err = h.engine.Exec(ctx, rec.ID, nil, types.ExecOptions{})
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))

	_, err = h.engine.Stop(ctx, rec.ID, 0)
	require.NoError(t, err)
	_, err = h.engine.Exec(ctx, rec.ID, []string{"true"}, types.ExecOptions{})
	assert.True(t, errdefs.IsConflict(err), "exec against a stopped container, got %v", err)
}

func TestInspectRefreshesState(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	h.remote.on("docker inspect", types.CommandResult{
		Stdout: `{"Status":"exited","Running":false,"ExitCode":137,"StartedAt":"2026-01-02T03:04:05Z","FinishedAt":"2026-01-02T04:00:00Z"}`,
	})

	got, err := h.engine.Inspect(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, got.State)
	assert.Equal(t, "exited (exit 137)", got.Status)

	stored, err := h.cache.GetContainer(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, stored.State)
}

func TestInspectMarksMissingContainers(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	h.remote.on("docker inspect", types.CommandResult{
		ExitCode: 1,
		Stderr:   "Error: No such object: " + testDockerID,
	})

	got, err := h.engine.Inspect(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateUnknown, got.State)
	assert.Equal(t, "missing on host", got.Status)
}

func TestReconcile(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	driftedID := "aaaabbbbccccd1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"
	missingID := "1111222233334445556667778889990a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

	require.NoError(t, h.cache.PutContainer(ctx, &types.Container{
		ID: "c1", Name: "web", DockerID: driftedID, MachineID: "m1",
		State: types.ContainerStateRunning, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.cache.PutContainer(ctx, &types.Container{
		ID: "c2", Name: "db", DockerID: missingID, MachineID: "m1",
		State: types.ContainerStateRunning, CreatedAt: time.Now().UTC(),
	}))

	h.remote.on("docker ps", types.CommandResult{
		Stdout: `{"ID":"aaaabbbbcccc","Names":"web","State":"exited","Status":"Exited (1) 5 minutes ago"}` + "\n",
	})

	_, err := h.engine.Reconcile(ctx, "m1")
	require.NoError(t, err)

	c1, err := h.cache.GetContainer(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, c1.State)
	assert.Equal(t, "Exited (1) 5 minutes ago", c1.Status)

	c2, err := h.cache.GetContainer(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateUnknown, c2.State)
	assert.Equal(t, "missing on host", c2.Status)
}

func TestStatsFillsIdentity(t *testing.T) {
	h := newEngineHarness(t)
	rec := deployWeb(t, h)

	h.remote.on("docker stats", types.CommandResult{
		Stdout: `{"BlockIO":"0B / 0B","CPUPerc":"2.50%","MemUsage":"100MiB / 1GiB","Name":"web","NetIO":"0B / 0B","PIDs":"3"}`,
	})

	stats, err := h.engine.Stats(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stats.ContainerID)
	assert.Equal(t, "web", stats.Name)
	assert.Equal(t, "m1", stats.MachineID)
	assert.Equal(t, 2.5, stats.CPUPercent)
}

func TestNetworkLifecycle(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.EnsureNetwork(ctx, "m1", "backend"))
	nets := h.remote.commands("docker network inspect")
	require.Len(t, nets, 1)
	assert.Contains(t, nets[0], "docker network create --driver bridge backend")

	h.remote.on("docker network rm", types.CommandResult{
		ExitCode: 1,
		Stderr:   "Error response from daemon: network backend not found",
	})
	assert.NoError(t, h.engine.RemoveNetwork(ctx, "m1", "backend"), "removing an absent network is fine")
}

func TestMachineRemovalCleansRecords(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	rec := deployWeb(t, h)

	h.engine.OnMachineEvent(events.New(events.EventMachineRemoved, "machine removed", map[string]string{
		"machine_id": "m1",
	}))

	_, err := h.cache.GetContainer(ctx, rec.ID)
	assert.True(t, errdefs.IsNotFound(err), "records for a removed machine must be dropped")
}

func TestMachineUpdateInvalidatesCache(t *testing.T) {
	h := newEngineHarness(t)
	deployWeb(t, h) // warms the machine cache

	// Status flips behind the cache's back
	h.machines.setStatus("m1", types.MachineStatusInactive)

	spec := webSpec()
	spec.Name = "web-2"
	_, err := h.engine.Deploy(context.Background(), spec, nil)
	require.NoError(t, err, "stale cache still says active")

	h.engine.OnMachineEvent(events.New(events.EventMachineStatus, "status change", map[string]string{
		"machine_id": "m1",
	}))

	spec = webSpec()
	spec.Name = "web-3"
	_, err = h.engine.Deploy(context.Background(), spec, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err), "got %v", err)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "4fa6e0f0c678", shortID(testDockerID))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "abc", lastLine("abc\n"))
	assert.Equal(t, "second", lastLine("first\nsecond\n"))
	assert.Equal(t, "", lastLine("  \n "))
}

func awaitEvent(t *testing.T, sub events.Subscriber, typ events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
