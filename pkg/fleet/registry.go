package fleet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/executor"
	"github.com/cuemby/paddock/pkg/keyvault"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

var (
	machineNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{2,63}$`)
	hostRe        = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.:-]*$`)
)

// provisionScript installs and enables docker on a freshly registered host.
// It assumes a Debian-family image and a root login, matching the fleet
// bootstrap images.
const provisionScript = `export DEBIAN_FRONTEND=noninteractive
if ! command -v docker >/dev/null 2>&1; then
  apt-get update -qq && apt-get install -y -qq docker.io
fi
systemctl enable --now docker
docker --version`

// Remote is the slice of the SSH layer the fleet drives
type Remote interface {
	Execute(ctx context.Context, m *types.Machine, command string, opts executor.Options) (*types.CommandResult, error)
	Probe(ctx context.Context, m *types.Machine, timeout time.Duration) (*types.MachineMetrics, error)
	Evict(machineID string)
	ForgetHostKey(machineID string) error
}

// RegisterRequest carries a new machine. Key is the PEM private key; it is
// encrypted before anything is stored.
type RegisterRequest struct {
	Name   string            `json:"name"`
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	User   string            `json:"user"`
	Key    string            `json:"key"`
	Labels map[string]string `json:"labels,omitempty"`
}

// UpdateRequest mutates a machine. Nil fields stay untouched.
type UpdateRequest struct {
	Name   *string           `json:"name,omitempty"`
	Host   *string           `json:"host,omitempty"`
	Port   *int              `json:"port,omitempty"`
	User   *string           `json:"user,omitempty"`
	Key    *string           `json:"key,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Registry owns machine records and their lifecycle
type Registry struct {
	db     store.Relational
	cache  *store.RedisStore
	remote Remote
	vault  *keyvault.Vault
	series *tsdb.Store
	broker *events.Broker
	cfg    config.MonitorConfig
	logger zerolog.Logger

	probes sync.WaitGroup // in-flight async probes
}

// NewRegistry wires the machine registry
func NewRegistry(db store.Relational, cache *store.RedisStore, remote Remote, vault *keyvault.Vault, series *tsdb.Store, broker *events.Broker, cfg config.MonitorConfig) *Registry {
	return &Registry{
		db:     db,
		cache:  cache,
		remote: remote,
		vault:  vault,
		series: series,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("fleet"),
	}
}

// Close waits for in-flight async probes to finish
func (r *Registry) Close() {
	r.probes.Wait()
}

// Register validates and stores a machine, then kicks off its first probe
// asynchronously. The machine is returned in INITIALIZING state; the probe
// promotes it to ACTIVE or parks it in ERROR.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*types.Machine, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if err := validateHost(req.Host); err != nil {
		return nil, err
	}
	port := req.Port
	if port == 0 {
		port = 22
	}
	if err := validatePort(port); err != nil {
		return nil, err
	}
	if req.User == "" {
		return nil, errdefs.Invalid("user is required")
	}
	if err := validateKey(req.Key); err != nil {
		return nil, err
	}

	keyEnc, err := r.vault.Encrypt([]byte(req.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	now := time.Now().UTC()
	m := &types.Machine{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Host:      req.Host,
		Port:      port,
		User:      req.User,
		KeyEnc:    keyEnc,
		Status:    types.MachineStatusInitializing,
		Labels:    req.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.db.CreateMachine(ctx, m); err != nil {
		return nil, err
	}
	if err := r.cache.PutMachineSnapshot(ctx, m); err != nil {
		r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to mirror machine snapshot")
	}

	r.broker.Publish(events.New(events.EventMachineRegistered,
		fmt.Sprintf("machine %s registered at %s", m.Name, m.Host),
		map[string]string{"machine_id": m.ID, "machine_name": m.Name}))

	r.logger.Info().
		Str("machine_id", m.ID).
		Str("name", m.Name).
		Str("host", m.Host).
		Msg("Machine registered")

	// First probe settles the real state without blocking the caller
	probed := *m
	r.probes.Add(1)
	go func() {
		defer r.probes.Done()
		r.probe(context.Background(), &probed)
	}()

	return m, nil
}

// Get returns a machine by ID
func (r *Registry) Get(ctx context.Context, id string) (*types.Machine, error) {
	return r.db.GetMachine(ctx, id)
}

// GetByName returns a machine by its unique name
func (r *Registry) GetByName(ctx context.Context, name string) (*types.Machine, error) {
	return r.db.GetMachineByName(ctx, name)
}

// List returns all machines
func (r *Registry) List(ctx context.Context) ([]*types.Machine, error) {
	return r.db.ListMachines(ctx)
}

// Update applies a partial update. Address or credential changes drop the
// pooled connection and re-verify the machine with a fresh probe; a host
// change also clears the pinned host key.
func (r *Registry) Update(ctx context.Context, id string, req *UpdateRequest) (*types.Machine, error) {
	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	var redial, repin bool

	if req.Name != nil && *req.Name != m.Name {
		if err := validateName(*req.Name); err != nil {
			return nil, err
		}
		m.Name = *req.Name
	}
	if req.Host != nil && *req.Host != m.Host {
		if err := validateHost(*req.Host); err != nil {
			return nil, err
		}
		m.Host = *req.Host
		redial, repin = true, true
	}
	if req.Port != nil && *req.Port != m.Port {
		if err := validatePort(*req.Port); err != nil {
			return nil, err
		}
		m.Port = *req.Port
		redial, repin = true, true
	}
	if req.User != nil && *req.User != m.User {
		if *req.User == "" {
			return nil, errdefs.Invalid("user is required")
		}
		m.User = *req.User
		redial = true
	}
	if req.Key != nil {
		if err := validateKey(*req.Key); err != nil {
			return nil, err
		}
		keyEnc, err := r.vault.Encrypt([]byte(*req.Key))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
		m.KeyEnc = keyEnc
		redial = true
	}
	if req.Labels != nil {
		m.Labels = req.Labels
	}

	m.UpdatedAt = time.Now().UTC()
	if redial {
		m.Status = types.MachineStatusInitializing
		m.LastError = ""
	}

	if err := r.db.UpdateMachine(ctx, m); err != nil {
		return nil, err
	}
	if err := r.cache.PutMachineSnapshot(ctx, m); err != nil {
		r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to mirror machine snapshot")
	}

	if redial {
		r.remote.Evict(m.ID)
		if repin {
			if err := r.remote.ForgetHostKey(m.ID); err != nil {
				r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to clear host key pin")
			}
		}

		probed := *m
		r.probes.Add(1)
		go func() {
			defer r.probes.Done()
			r.probe(context.Background(), &probed)
		}()
	}

	r.broker.Publish(events.New(events.EventMachineUpdated,
		fmt.Sprintf("machine %s updated", m.Name),
		map[string]string{"machine_id": m.ID, "machine_name": m.Name}))

	return m, nil
}

// Delete removes a machine. With force false the call refuses while
// container records still point at the machine; force removes regardless and
// leaves remote containers to their fate.
func (r *Registry) Delete(ctx context.Context, id string, force bool) error {
	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return err
	}

	if !force {
		containers, err := r.cache.ListContainers(ctx, id)
		if err != nil {
			return err
		}
		if len(containers) > 0 {
			return errdefs.Newf(errdefs.CodeConflict, "machine %s still has %d container(s)", m.Name, len(containers)).
				WithDetail("machine_id", id).
				WithDetail("containers", len(containers))
		}
	}

	if err := r.db.DeleteMachine(ctx, id); err != nil {
		return err
	}
	if err := r.cache.DeleteMachineSnapshot(ctx, id); err != nil {
		r.logger.Error().Err(err).Str("machine_id", id).Msg("Failed to drop machine snapshot")
	}

	r.remote.Evict(id)
	if err := r.remote.ForgetHostKey(id); err != nil {
		r.logger.Error().Err(err).Str("machine_id", id).Msg("Failed to clear host key pin")
	}

	r.broker.Publish(events.New(events.EventMachineRemoved,
		fmt.Sprintf("machine %s removed", m.Name),
		map[string]string{"machine_id": id, "machine_name": m.Name}))

	r.logger.Info().Str("machine_id", id).Str("name", m.Name).Msg("Machine removed")
	return nil
}

// SetMaintenance toggles the operator hold. Entering maintenance suspends
// probing; leaving re-verifies the machine from INITIALIZING.
func (r *Registry) SetMaintenance(ctx context.Context, id string, on bool) (*types.Machine, error) {
	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	if on == (m.Status == types.MachineStatusMaintenance) {
		return m, nil // already there
	}

	prev := m.Status
	if on {
		m.Status = types.MachineStatusMaintenance
	} else {
		m.Status = types.MachineStatusInitializing
	}
	m.UpdatedAt = time.Now().UTC()

	if err := r.db.UpdateMachine(ctx, m); err != nil {
		return nil, err
	}
	if err := r.cache.PutMachineSnapshot(ctx, m); err != nil {
		r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to mirror machine snapshot")
	}
	r.transitioned(ctx, m, prev, m.Status)

	if !on {
		probed := *m
		r.probes.Add(1)
		go func() {
			defer r.probes.Done()
			r.probe(context.Background(), &probed)
		}()
	}

	return m, nil
}

// ProbeNow probes the machine synchronously and applies the resulting
// transition. Machines in maintenance are not probed.
func (r *Registry) ProbeNow(ctx context.Context, id string) (*types.Machine, error) {
	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == types.MachineStatusMaintenance {
		return nil, errdefs.Newf(errdefs.CodeConflict, "machine %s is in maintenance", m.Name).
			WithDetail("machine_id", id)
	}

	r.probe(ctx, m)
	return m, nil
}

// Provision installs docker on the machine. Like RunCommand, a non-zero
// exit lands in the result so operators see the script output; only a
// clean run re-probes.
func (r *Registry) Provision(ctx context.Context, id string) (*types.CommandResult, error) {
	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	// The script goes over stdin so no quoting layer ever touches it
	res, err := r.remote.Execute(ctx, m, "sh -s", executor.Options{
		Timeout: 5 * time.Minute,
		Stdin:   []byte(provisionScript),
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		r.logger.Warn().Str("machine_id", id).Int("exit_code", res.ExitCode).Msg("Provisioning script failed")
		return res, nil
	}

	r.logger.Info().Str("machine_id", id).Str("name", m.Name).Msg("Machine provisioned")
	r.probe(ctx, m)
	return res, nil
}

// RunCommand executes one command on one machine. A non-zero exit lands in
// the result, not the error.
func (r *Registry) RunCommand(ctx context.Context, id, command string, timeout time.Duration) (*types.CommandResult, error) {
	if command == "" {
		return nil, errdefs.Invalid("command is required")
	}

	m, err := r.db.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	return r.remote.Execute(ctx, m, command, executor.Options{Timeout: timeout})
}

// FanOut runs one command on many machines concurrently. Empty ids targets
// every machine not in maintenance. Per-machine transport failures land in
// that machine's result, never abort the rest.
func (r *Registry) FanOut(ctx context.Context, ids []string, command string, timeout time.Duration) (map[string]*types.CommandResult, error) {
	if command == "" {
		return nil, errdefs.Invalid("command is required")
	}

	var machines []*types.Machine
	if len(ids) == 0 {
		all, err := r.db.ListMachines(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range all {
			if m.Status != types.MachineStatusMaintenance {
				machines = append(machines, m)
			}
		}
	} else {
		for _, id := range ids {
			m, err := r.db.GetMachine(ctx, id)
			if err != nil {
				return nil, err
			}
			machines = append(machines, m)
		}
	}

	results := make(map[string]*types.CommandResult, len(machines))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			res, err := r.remote.Execute(ctx, m, command, executor.Options{Timeout: timeout})
			if err != nil {
				res = &types.CommandResult{
					MachineID: m.ID,
					Command:   command,
					ExitCode:  -1,
					Error:     err.Error(),
				}
			}
			mu.Lock()
			results[m.ID] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// probe runs one probe against m and applies the state transition. The
// machine is mutated in place and persisted.
func (r *Registry) probe(ctx context.Context, m *types.Machine) {
	timer := metrics.NewTimer()
	mm, err := r.remote.Probe(ctx, m, r.cfg.ProbeTimeout())
	timer.ObserveDuration(metrics.ProbeDuration)

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return // shutting down; leave state alone
	}

	now := time.Now().UTC()
	m.LastProbe = now
	m.UpdatedAt = now

	var outcome probeOutcome
	switch {
	case err == nil:
		outcome = outcomeOK
		m.LastError = ""
		metrics.ProbesTotal.WithLabelValues("ok").Inc()
	case executor.IsTransportFailure(err):
		outcome = outcomeTransport
		m.LastError = err.Error()
		metrics.ProbesTotal.WithLabelValues("transport_error").Inc()
	default:
		outcome = outcomeFault
		m.LastError = err.Error()
		metrics.ProbesTotal.WithLabelValues("machine_error").Inc()
	}

	prev := m.Status
	m.Status = nextStatus(prev, outcome)

	if mm != nil {
		r.recordProbeMetrics(ctx, m, mm)
	}

	if uerr := r.db.UpdateMachine(ctx, m); uerr != nil {
		r.logger.Error().Err(uerr).Str("machine_id", m.ID).Msg("Failed to persist probe result")
	}
	if serr := r.cache.PutMachineSnapshot(ctx, m); serr != nil {
		r.logger.Error().Err(serr).Str("machine_id", m.ID).Msg("Failed to mirror machine snapshot")
	}

	if prev != m.Status {
		r.transitioned(ctx, m, prev, m.Status)
	}
}

// probeOutcome classifies a probe attempt
type probeOutcome int

const (
	outcomeOK probeOutcome = iota
	outcomeTransport
	outcomeFault
)

// nextStatus applies the machine state machine. Transport failures
// distinguish "was reachable" (INACTIVE) from "never verified" (ERROR) and
// never mask an existing ERROR.
func nextStatus(current types.MachineStatus, outcome probeOutcome) types.MachineStatus {
	switch outcome {
	case outcomeOK:
		return types.MachineStatusActive
	case outcomeTransport:
		switch current {
		case types.MachineStatusActive, types.MachineStatusInactive:
			return types.MachineStatusInactive
		default: // initializing and error verify as machine faults
			return types.MachineStatusError
		}
	default:
		return types.MachineStatusError
	}
}

// recordProbeMetrics writes the parsed probe into the latest snapshot and
// the time-series store.
func (r *Registry) recordProbeMetrics(ctx context.Context, m *types.Machine, mm *types.MachineMetrics) {
	if err := r.cache.PutLatestMetrics(ctx, mm); err != nil {
		r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to store latest metrics")
	}

	labels := map[string]string{"machine_id": m.ID, "machine_name": m.Name}
	points := []struct {
		name  string
		value float64
	}{
		{"host_cpu_percent", mm.CPUPercent},
		{"host_memory_used_bytes", float64(mm.MemoryUsedBytes)},
		{"host_memory_total_bytes", float64(mm.MemoryTotalBytes)},
		{"host_disk_used_bytes", float64(mm.DiskUsedBytes)},
		{"host_disk_total_bytes", float64(mm.DiskTotalBytes)},
		{"host_net_rx_bytes", float64(mm.NetRxBytes)},
		{"host_net_tx_bytes", float64(mm.NetTxBytes)},
		{"host_load1", mm.Load1},
	}
	for _, p := range points {
		sample := &types.MetricSample{
			Name:      p.name,
			Labels:    labels,
			Value:     p.value,
			Timestamp: mm.CollectedAt,
		}
		if err := r.series.Record(ctx, sample); err != nil {
			r.logger.Error().Err(err).Str("machine_id", m.ID).Str("metric", p.name).Msg("Failed to record host sample")
			return
		}
	}
}

// transitioned publishes and counts a state change
func (r *Registry) transitioned(ctx context.Context, m *types.Machine, from, to types.MachineStatus) {
	r.logger.Info().
		Str("machine_id", m.ID).
		Str("name", m.Name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Machine state changed")

	r.broker.Publish(events.New(events.EventMachineStatus,
		fmt.Sprintf("machine %s: %s -> %s", m.Name, from, to),
		map[string]string{
			"machine_id":   m.ID,
			"machine_name": m.Name,
			"from":         string(from),
			"to":           string(to),
		}))

	sample := &types.MetricSample{
		Name: "machine_state_changed",
		Labels: map[string]string{
			"machine_id":   m.ID,
			"machine_name": m.Name,
			"from":         string(from),
			"to":           string(to),
		},
		Value:     1,
		Timestamp: time.Now().UTC(),
	}
	if err := r.series.Record(ctx, sample); err != nil {
		r.logger.Error().Err(err).Str("machine_id", m.ID).Msg("Failed to record state change")
	}
}

func validateName(name string) error {
	if !machineNameRe.MatchString(name) {
		return errdefs.Invalidf("name %q must be 3-64 characters of letters, digits, underscore, or dash, starting alphanumeric", name)
	}
	return nil
}

func validateHost(host string) error {
	if host == "" || !hostRe.MatchString(host) {
		return errdefs.Invalidf("host %q is not a valid hostname or address", host)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return errdefs.Invalidf("port %d out of range 1-65535", port)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errdefs.Invalid("private key is required")
	}
	if _, err := ssh.ParsePrivateKey([]byte(key)); err != nil {
		return errdefs.Wrap(err, errdefs.CodeInvalidArgument, "private key does not parse")
	}
	return nil
}
