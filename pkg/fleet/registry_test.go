package fleet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/executor"
	"github.com/cuemby/paddock/pkg/keyvault"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

// fakeDB is an in-memory store.Relational
type fakeDB struct {
	mu          sync.Mutex
	machines    map[string]*types.Machine
	deployments map[string]*types.Deployment
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		machines:    make(map[string]*types.Machine),
		deployments: make(map[string]*types.Deployment),
	}
}

func (f *fakeDB) CreateMachine(_ context.Context, m *types.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.machines {
		if existing.Name == m.Name {
			return errdefs.NameConflict("machine", m.Name)
		}
	}
	cp := *m
	f.machines[m.ID] = &cp
	return nil
}

func (f *fakeDB) GetMachine(_ context.Context, id string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return nil, errdefs.NotFound("machine", id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeDB) GetMachineByName(_ context.Context, name string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.machines {
		if m.Name == name {
			cp := *m
			return &cp, nil
		}
	}
	return nil, errdefs.NotFound("machine", name)
}

func (f *fakeDB) ListMachines(_ context.Context) ([]*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Machine, 0, len(f.machines))
	for _, m := range f.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) UpdateMachine(_ context.Context, m *types.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.machines[m.ID]; !ok {
		return errdefs.NotFound("machine", m.ID)
	}
	for id, existing := range f.machines {
		if id != m.ID && existing.Name == m.Name {
			return errdefs.NameConflict("machine", m.Name)
		}
	}
	cp := *m
	f.machines[m.ID] = &cp
	return nil
}

func (f *fakeDB) DeleteMachine(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.machines[id]; !ok {
		return errdefs.NotFound("machine", id)
	}
	delete(f.machines, id)
	return nil
}

func (f *fakeDB) CountMachinesByStatus(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, m := range f.machines {
		out[string(m.Status)]++
	}
	return out, nil
}

func (f *fakeDB) CreateDeployment(_ context.Context, d *types.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.deployments {
		if existing.Name == d.Name {
			return errdefs.NameConflict("deployment", d.Name)
		}
	}
	cp := *d
	f.deployments[d.ID] = &cp
	return nil
}

func (f *fakeDB) GetDeployment(_ context.Context, id string) (*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, errdefs.NotFound("deployment", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDB) GetDeploymentByName(_ context.Context, name string) (*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deployments {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errdefs.NotFound("deployment", name)
}

func (f *fakeDB) ListDeployments(_ context.Context) ([]*types.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Deployment, 0, len(f.deployments))
	for _, d := range f.deployments {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) UpdateDeployment(_ context.Context, d *types.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[d.ID]; !ok {
		return errdefs.NotFound("deployment", d.ID)
	}
	cp := *d
	f.deployments[d.ID] = &cp
	return nil
}

func (f *fakeDB) DeleteDeployment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[id]; !ok {
		return errdefs.NotFound("deployment", id)
	}
	delete(f.deployments, id)
	return nil
}

func (f *fakeDB) CountDeploymentsByStatus(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, d := range f.deployments {
		out[string(d.Status)]++
	}
	return out, nil
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }

// fakeRemote scripts probe and exec behavior per machine
type fakeRemote struct {
	mu          sync.Mutex
	probeErr    map[string]error
	execResult  map[string]*types.CommandResult
	execErr     map[string]error
	probeCount  map[string]int
	evicted     []string
	forgotten   []string
	lastCommand string
	lastOptions executor.Options
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		probeErr:   make(map[string]error),
		execResult: make(map[string]*types.CommandResult),
		execErr:    make(map[string]error),
		probeCount: make(map[string]int),
	}
}

func (f *fakeRemote) setProbeErr(machineID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr[machineID] = err
}

func (f *fakeRemote) Execute(_ context.Context, m *types.Machine, command string, opts executor.Options) (*types.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCommand = command
	f.lastOptions = opts
	if err := f.execErr[m.ID]; err != nil {
		return nil, err
	}
	if res := f.execResult[m.ID]; res != nil {
		return res, nil
	}
	return &types.CommandResult{MachineID: m.ID, Command: command}, nil
}

func (f *fakeRemote) Probe(_ context.Context, m *types.Machine, _ time.Duration) (*types.MachineMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCount[m.ID]++
	if err := f.probeErr[m.ID]; err != nil {
		return nil, err
	}
	return &types.MachineMetrics{
		MachineID:        m.ID,
		CPUPercent:       12.5,
		MemoryUsedBytes:  1 << 30,
		MemoryTotalBytes: 4 << 30,
		DockerActive:     true,
		CollectedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeRemote) Evict(machineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, machineID)
}

func (f *fakeRemote) ForgetHostKey(machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, machineID)
	return nil
}

func (f *fakeRemote) probes(machineID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCount[machineID]
}

func (f *fakeRemote) lastExec() (string, executor.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCommand, f.lastOptions
}

// harness bundles a registry with its fakes
type harness struct {
	registry *Registry
	db       *fakeDB
	remote   *fakeRemote
	cache    *store.RedisStore
	series   *tsdb.Store
	broker   *events.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	vault, err := keyvault.NewFromPassword("test-passphrase")
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	db := newFakeDB()
	remote := newFakeRemote()
	cache := store.NewRedisStore(rdb)
	series := tsdb.New(rdb)

	reg := NewRegistry(db, cache, remote, vault, series, broker, config.Default().Monitor)
	return &harness{registry: reg, db: db, remote: remote, cache: cache, series: series, broker: broker}
}

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func registerActive(t *testing.T, h *harness, name string) *types.Machine {
	t.Helper()
	m, err := h.registry.Register(context.Background(), &RegisterRequest{
		Name: name,
		Host: "10.0.0.5",
		User: "root",
		Key:  testPrivateKeyPEM(t),
	})
	require.NoError(t, err)
	h.registry.Close() // wait for the first probe
	got, err := h.registry.Get(context.Background(), m.ID)
	require.NoError(t, err)
	return got
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

func TestRegisterStoresEncryptedKeyAndProbes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	key := testPrivateKeyPEM(t)
	m, err := h.registry.Register(ctx, &RegisterRequest{
		Name: "web-1",
		Host: "10.0.0.5",
		User: "root",
		Key:  key,
	})
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusInitializing, m.Status)
	assert.Equal(t, 22, m.Port) // default
	assert.NotEmpty(t, m.KeyEnc)
	assert.NotContains(t, m.KeyEnc, "PRIVATE KEY", "key must not be stored in the clear")

	awaitEvent(t, sub, events.EventMachineRegistered)

	// First probe promotes to ACTIVE and records host metrics
	h.registry.Close()
	got, err := h.registry.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusActive, got.Status)
	assert.False(t, got.LastProbe.IsZero())

	latest, err := h.cache.GetLatestMetrics(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, latest.CPUPercent)

	sample, err := h.series.Latest(ctx, "host_cpu_percent", map[string]string{"machine_id": m.ID})
	require.NoError(t, err)
	assert.Equal(t, 12.5, sample.Value)

	awaitEvent(t, sub, events.EventMachineStatus)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	validKey := testPrivateKeyPEM(t)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"short name", RegisterRequest{Name: "ab", Host: "h", User: "root", Key: validKey}},
		{"bad name chars", RegisterRequest{Name: "web 1!", Host: "h", User: "root", Key: validKey}},
		{"missing host", RegisterRequest{Name: "web-1", User: "root", Key: validKey}},
		{"bad port", RegisterRequest{Name: "web-1", Host: "h", Port: 70000, User: "root", Key: validKey}},
		{"missing user", RegisterRequest{Name: "web-1", Host: "h", Key: validKey}},
		{"missing key", RegisterRequest{Name: "web-1", Host: "h", User: "root"}},
		{"garbage key", RegisterRequest{Name: "web-1", Host: "h", User: "root", Key: "not a pem"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.registry.Register(ctx, &tt.req)
			assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument), "got %v", err)
		})
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := testPrivateKeyPEM(t)

	_, err := h.registry.Register(ctx, &RegisterRequest{Name: "web-1", Host: "h1", User: "root", Key: key})
	require.NoError(t, err)

	_, err = h.registry.Register(ctx, &RegisterRequest{Name: "web-1", Host: "h2", User: "root", Key: key})
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNameConflict))
	h.registry.Close()
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		current types.MachineStatus
		outcome probeOutcome
		want    types.MachineStatus
	}{
		{types.MachineStatusInitializing, outcomeOK, types.MachineStatusActive},
		{types.MachineStatusInitializing, outcomeTransport, types.MachineStatusError},
		{types.MachineStatusInitializing, outcomeFault, types.MachineStatusError},
		{types.MachineStatusActive, outcomeOK, types.MachineStatusActive},
		{types.MachineStatusActive, outcomeTransport, types.MachineStatusInactive},
		{types.MachineStatusActive, outcomeFault, types.MachineStatusError},
		{types.MachineStatusInactive, outcomeOK, types.MachineStatusActive},
		{types.MachineStatusInactive, outcomeTransport, types.MachineStatusInactive},
		{types.MachineStatusError, outcomeOK, types.MachineStatusActive},
		{types.MachineStatusError, outcomeTransport, types.MachineStatusError},
		{types.MachineStatusError, outcomeFault, types.MachineStatusError},
	}

	for _, tt := range tests {
		got := nextStatus(tt.current, tt.outcome)
		assert.Equal(t, tt.want, got, "%s + outcome %d", tt.current, tt.outcome)
	}
}

func TestProbeNowAppliesTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	// Transport failure flips ACTIVE to INACTIVE
	h.remote.setProbeErr(m.ID, errdefs.New(errdefs.CodeSSHConnectFailed, "connection refused"))
	got, err := h.registry.ProbeNow(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusInactive, got.Status)
	assert.Contains(t, got.LastError, "connection refused")

	// Machine fault flips to ERROR
	h.remote.setProbeErr(m.ID, errdefs.New(errdefs.CodeInternal, "probe exited 127"))
	got, err = h.registry.ProbeNow(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusError, got.Status)

	// Recovery returns to ACTIVE and clears the error
	h.remote.setProbeErr(m.ID, nil)
	got, err = h.registry.ProbeNow(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusActive, got.Status)
	assert.Empty(t, got.LastError)
}

func TestProbeNowRefusedInMaintenance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	_, err := h.registry.SetMaintenance(ctx, m.ID, true)
	require.NoError(t, err)

	_, err = h.registry.ProbeNow(ctx, m.ID)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeConflict))
}

func TestSetMaintenanceRoundtrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")
	before := h.remote.probes(m.ID)

	got, err := h.registry.SetMaintenance(ctx, m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusMaintenance, got.Status)

	// Idempotent
	got, err = h.registry.SetMaintenance(ctx, m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusMaintenance, got.Status)

	// Leaving maintenance re-verifies with a probe
	got, err = h.registry.SetMaintenance(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusInitializing, got.Status)
	h.registry.Close()
	assert.Greater(t, h.remote.probes(m.ID), before)

	final, err := h.registry.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusActive, final.Status)
}

func TestUpdateHostRedialsAndClearsPin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	newHost := "10.0.0.99"
	got, err := h.registry.Update(ctx, m.ID, &UpdateRequest{Host: &newHost})
	require.NoError(t, err)
	assert.Equal(t, newHost, got.Host)
	assert.Equal(t, types.MachineStatusInitializing, got.Status)
	h.registry.Close()

	assert.Contains(t, h.remote.evicted, m.ID)
	assert.Contains(t, h.remote.forgotten, m.ID)
}

func TestUpdateNameOnlyKeepsConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	newName := "web-renamed"
	got, err := h.registry.Update(ctx, m.ID, &UpdateRequest{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, newName, got.Name)
	assert.Equal(t, types.MachineStatusActive, got.Status)
	assert.Empty(t, h.remote.evicted)
	assert.Empty(t, h.remote.forgotten)
}

func TestUpdateNameConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m1 := registerActive(t, h, "web-1")
	registerActive(t, h, "web-2")

	taken := "web-2"
	_, err := h.registry.Update(ctx, m1.ID, &UpdateRequest{Name: &taken})
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNameConflict))
}

func TestDeleteRefusesWhileContainersExist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	require.NoError(t, h.cache.PutContainer(ctx, &types.Container{
		ID:        "c-1",
		MachineID: m.ID,
		State:     types.ContainerStateRunning,
	}))

	err := h.registry.Delete(ctx, m.ID, false)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeConflict))

	// Force removes regardless and cleans connection state
	require.NoError(t, h.registry.Delete(ctx, m.ID, true))
	_, err = h.registry.Get(ctx, m.ID)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, h.remote.evicted, m.ID)
	assert.Contains(t, h.remote.forgotten, m.ID)

	_, err = h.cache.GetMachineSnapshot(ctx, m.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRunCommandNonzeroExitIsData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	h.remote.execResult[m.ID] = &types.CommandResult{
		MachineID: m.ID,
		Command:   "false",
		ExitCode:  1,
		Stderr:    "nope",
	}

	res, err := h.registry.RunCommand(ctx, m.ID, "false", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = h.registry.RunCommand(ctx, m.ID, "", 0)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))
}

func TestFanOutIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m1 := registerActive(t, h, "web-1")
	m2 := registerActive(t, h, "web-2")
	m3 := registerActive(t, h, "web-3")

	_, err := h.registry.SetMaintenance(ctx, m3.ID, true)
	require.NoError(t, err)

	h.remote.execErr[m2.ID] = errdefs.New(errdefs.CodeSSHConnectFailed, "unreachable")

	// Empty target list fans out to every non-maintenance machine
	results, err := h.registry.FanOut(ctx, nil, "uptime", 10*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Empty(t, results[m1.ID].Error)
	assert.Contains(t, results[m2.ID].Error, "unreachable")
	assert.Equal(t, -1, results[m2.ID].ExitCode)
	assert.NotContains(t, results, m3.ID)

	// Explicit unknown target is a NOT_FOUND for the whole call
	_, err = h.registry.FanOut(ctx, []string{"missing"}, "uptime", 0)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestProvisionPipesScriptOverStdin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := registerActive(t, h, "web-1")

	before := h.remote.probes(m.ID)
	res, err := h.registry.Provision(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	cmd, opts := h.remote.lastExec()
	assert.Equal(t, "sh -s", cmd)
	assert.Contains(t, string(opts.Stdin), "docker", "install script travels on stdin")
	assert.Greater(t, h.remote.probes(m.ID), before, "success re-probes the machine")

	// A failed install is data, not an error, so operators see the output
	after := h.remote.probes(m.ID)
	h.remote.execResult[m.ID] = &types.CommandResult{MachineID: m.ID, ExitCode: 127, Stderr: "apt broke"}
	res, err = h.registry.Provision(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "apt broke", res.Stderr)
	assert.Equal(t, after, h.remote.probes(m.ID), "failed install must not re-probe")
}
