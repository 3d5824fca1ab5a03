package docker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/kballard/go-shellquote"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

var containerNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

var restartPolicies = map[string]bool{
	"":               true, // defaults to unless-stopped
	"no":             true,
	"on-failure":     true,
	"always":         true,
	"unless-stopped": true,
}

// ValidateSpec rejects specs the docker CLI would choke on, with friendlier
// messages than a remote stderr. The compose orchestrator uses it to fail
// whole configs before anything touches a host.
func ValidateSpec(spec *types.ContainerSpec) error {
	if !containerNameRe.MatchString(spec.Name) {
		return errdefs.Invalidf("container name %q must be at least 2 characters of letters, digits, underscore, dot, or dash, starting alphanumeric", spec.Name)
	}
	if spec.Image == "" {
		return errdefs.Invalid("image is required")
	}
	if spec.MachineID == "" {
		return errdefs.Invalid("machine_id is required")
	}
	if !restartPolicies[spec.RestartPolicy] {
		return errdefs.Invalidf("unknown restart policy %q", spec.RestartPolicy)
	}
	for _, p := range spec.Ports {
		if p.HostPort < 1 || p.HostPort > 65535 || p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return errdefs.Invalidf("port mapping %d:%d out of range", p.HostPort, p.ContainerPort)
		}
		if p.Protocol != "" && p.Protocol != "tcp" && p.Protocol != "udp" {
			return errdefs.Invalidf("unknown protocol %q", p.Protocol)
		}
	}
	for _, v := range spec.Volumes {
		if v.Source == "" || v.Target == "" {
			return errdefs.Invalid("volume source and target are required")
		}
		if !strings.HasPrefix(v.Target, "/") {
			return errdefs.Invalidf("volume target %q must be absolute", v.Target)
		}
	}
	if spec.CPULimit < 0 {
		return errdefs.Invalid("cpu_limit cannot be negative")
	}
	if spec.MemoryLimit < 0 {
		return errdefs.Invalid("memory_limit cannot be negative")
	}
	return nil
}

// runCommand renders the docker run invocation for a spec. Arguments are
// shell-quoted; map-typed flags are emitted in sorted order so the same spec
// always renders the same command.
func runCommand(spec *types.ContainerSpec) string {
	args := []string{"docker", "run", "-d", "--name", spec.Name}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = "unless-stopped"
	}
	args = append(args, "--restart", restart)

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto))
	}
	for _, v := range spec.Volumes {
		mount := v.Source + ":" + v.Target
		if v.Mode != "" {
			mount += ":" + v.Mode
		}
		args = append(args, "-v", mount)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPULimit, 'f', -1, 64))
	}
	if spec.MemoryLimit > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.MemoryLimit, 10))
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	return shellquote.Join(args...)
}

// logsCommand renders the docker logs invocation
func logsCommand(dockerID string, opts types.LogOptions) string {
	args := []string{"docker", "logs"}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	args = append(args, dockerID)
	return shellquote.Join(args...)
}

// execCommand renders the docker exec invocation
func execCommand(dockerID string, cmd []string, opts types.ExecOptions) string {
	args := []string{"docker", "exec"}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, dockerID)
	args = append(args, cmd...)
	return shellquote.Join(args...)
}

// classifyFailure turns a non-zero docker CLI exit into a coded error. The
// machine and operation land in the details for the API surface.
func classifyFailure(op string, res *types.CommandResult) error {
	stderr := res.Stderr

	base := func(code errdefs.Code, msg string) *errdefs.Error {
		return errdefs.Newf(code, "%s: %s", op, msg).
			WithDetail("machine_id", res.MachineID).
			WithDetail("exit_code", res.ExitCode).
			WithDetail("stderr_tail", tailString(stderr))
	}

	switch {
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"),
		strings.Contains(stderr, "Is the docker daemon running"),
		strings.Contains(stderr, "docker: command not found"),
		strings.Contains(stderr, "docker: not found"):
		return base(errdefs.CodeDockerUnreachable, "docker daemon unreachable")
	case strings.Contains(stderr, "Conflict.") && strings.Contains(stderr, "is already in use"):
		return base(errdefs.CodeNameConflict, "container name already in use")
	case strings.Contains(stderr, "No such container"),
		strings.Contains(stderr, "No such object"):
		return base(errdefs.CodeNotFound, "container missing on host")
	case strings.Contains(stderr, "pull access denied"),
		strings.Contains(stderr, "manifest unknown"),
		strings.Contains(stderr, "manifest for"),
		strings.Contains(stderr, "repository does not exist"):
		return base(errdefs.CodeImagePullFailed, "image pull failed")
	default:
		return base(errdefs.CodeInternal, "docker command failed")
	}
}

// statsJSON mirrors docker stats --format '{{json .}}'
type statsJSON struct {
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
	BlockIO  string `json:"BlockIO"`
	PIDs     string `json:"PIDs"`
}

// parseStats decodes one docker stats line. Identity fields are left for
// the caller; docker reports sizes in binary units for memory and SI units
// for network and block IO.
func parseStats(raw string) (*types.ContainerStats, error) {
	var line statsJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &line); err != nil {
		return nil, fmt.Errorf("stats output is not the expected JSON: %w", err)
	}

	stats := &types.ContainerStats{CollectedAt: time.Now().UTC()}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(line.CPUPerc, "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad cpu percentage %q", line.CPUPerc)
	}
	stats.CPUPercent = cpu

	if used, limit, ok := splitPair(line.MemUsage); ok {
		if v, err := units.RAMInBytes(used); err == nil {
			stats.MemoryUsage = v
		}
		if v, err := units.RAMInBytes(limit); err == nil {
			stats.MemoryLimit = v
		}
		if stats.MemoryLimit > 0 {
			stats.MemoryPercent = float64(stats.MemoryUsage) / float64(stats.MemoryLimit) * 100
		}
	}
	if rx, tx, ok := splitPair(line.NetIO); ok {
		if v, err := units.FromHumanSize(rx); err == nil {
			stats.NetworkRx = v
		}
		if v, err := units.FromHumanSize(tx); err == nil {
			stats.NetworkTx = v
		}
	}
	if read, write, ok := splitPair(line.BlockIO); ok {
		if v, err := units.FromHumanSize(read); err == nil {
			stats.BlockRead = v
		}
		if v, err := units.FromHumanSize(write); err == nil {
			stats.BlockWrite = v
		}
	}
	if pids, err := strconv.Atoi(line.PIDs); err == nil {
		stats.PIDs = pids
	}

	return stats, nil
}

// psJSON mirrors docker ps --format '{{json .}}'
type psJSON struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
}

// parsePS decodes docker ps -a output into dockerID -> observed state
func parsePS(output string) map[string]psJSON {
	out := make(map[string]psJSON)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry psJSON
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		out[entry.ID] = entry
	}
	return out
}

// inspectState mirrors the .State block of docker inspect
type inspectState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	ExitCode   int    `json:"ExitCode"`
	Error      string `json:"Error"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

// parseInspectState decodes docker inspect --format '{{json .State}}'
func parseInspectState(raw string) (*inspectState, error) {
	var st inspectState
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &st); err != nil {
		return nil, fmt.Errorf("inspect output is not the expected JSON: %w", err)
	}
	return &st, nil
}

// containerState maps a docker-reported state string onto our enum
func containerState(s string) types.ContainerState {
	switch s {
	case "created":
		return types.ContainerStateCreated
	case "running":
		return types.ContainerStateRunning
	case "paused":
		return types.ContainerStatePaused
	case "restarting":
		return types.ContainerStateRestarting
	case "exited":
		return types.ContainerStateExited
	case "dead":
		return types.ContainerStateDead
	default:
		return types.ContainerStateUnknown
	}
}

// splitPair cuts docker's "a / b" rendering
func splitPair(s string) (string, string, bool) {
	a, b, ok := strings.Cut(s, " / ")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(a), strings.TrimSpace(b), true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tailString bounds stderr passed into error details
func tailString(s string) string {
	const max = 2048
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
