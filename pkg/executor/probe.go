package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// probeScript gathers host health in one round trip. The output contract:
// line 1 is the CPU percentage, line 2 is "used,total" memory in MiB, and
// every following line is a key:value extension. Extensions are best-effort;
// the header is not.
const probeScript = `top -bn1 | grep -i 'cpu(s)' | awk '{print $2}'
free -m | awk 'NR==2 {print $3","$2}'
df -B1 / | awk 'NR==2 {print "disk_used:"$3; print "disk_total:"$2}'
awk 'NR>2 && $1 !~ /^lo:/ {rx+=$2; tx+=$10} END {print "net_rx:"rx+0; print "net_tx:"tx+0}' /proc/net/dev
awk '{print "load1:"$1}' /proc/loadavg
awk '{print "uptime_s:"int($1)}' /proc/uptime
echo "cores:$(nproc)"
echo "docker_active:$(systemctl is-active docker 2>/dev/null)"
echo "containers_running:$(docker ps -q 2>/dev/null | wc -l)"`

// Probe runs the health script on the machine and parses the result.
// Transport failures and timeouts keep their codes from Execute; a probe
// that ran but exited non-zero or produced a malformed header reports
// INTERNAL, which callers treat as a machine-side fault.
func (e *Executor) Probe(ctx context.Context, m *types.Machine, timeout time.Duration) (*types.MachineMetrics, error) {
	res, err := e.Execute(ctx, m, probeScript, Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 {
		return nil, errdefs.Newf(errdefs.CodeInternal, "probe exited %d on machine %s", res.ExitCode, m.Name).
			WithDetail("machine_id", m.ID).
			WithDetail("stderr_tail", tail([]byte(res.Stderr)))
	}

	parsed, err := parseProbeOutput(m.ID, res.Stdout)
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.CodeInternal, "probe output unparseable on machine %s", m.Name).
			WithDetail("machine_id", m.ID)
	}
	return parsed, nil
}

// parseProbeOutput decodes the probe contract described on probeScript
func parseProbeOutput(machineID, output string) (*types.MachineMetrics, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("probe output has %d line(s), need cpu and memory", len(lines))
	}

	// Line 1: CPU percent. Older top builds append a unit suffix ("1.2%us"),
	// so cut at the first non-numeric rune.
	cpuStr := strings.TrimSpace(lines[0])
	if i := strings.IndexFunc(cpuStr, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}); i >= 0 {
		cpuStr = cpuStr[:i]
	}
	cpu, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil {
		return nil, fmt.Errorf("bad cpu line %q", lines[0])
	}

	// Line 2: "used,total" in MiB
	memParts := strings.Split(strings.TrimSpace(lines[1]), ",")
	if len(memParts) != 2 {
		return nil, fmt.Errorf("bad memory line %q", lines[1])
	}
	memUsed, err := strconv.ParseInt(strings.TrimSpace(memParts[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad memory line %q", lines[1])
	}
	memTotal, err := strconv.ParseInt(strings.TrimSpace(memParts[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad memory line %q", lines[1])
	}

	mm := &types.MachineMetrics{
		MachineID:        machineID,
		CPUPercent:       cpu,
		MemoryUsedBytes:  memUsed * 1024 * 1024,
		MemoryTotalBytes: memTotal * 1024 * 1024,
		CollectedAt:      time.Now().UTC(),
	}

	// Extension lines: unknown keys and malformed values are skipped, a
	// partially broken probe still yields the header metrics.
	for _, line := range lines[2:] {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "disk_used":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				mm.DiskUsedBytes = v
			}
		case "disk_total":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				mm.DiskTotalBytes = v
			}
		case "net_rx":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				mm.NetRxBytes = v
			}
		case "net_tx":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				mm.NetTxBytes = v
			}
		case "load1":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				mm.Load1 = v
			}
		case "cores":
			if v, err := strconv.Atoi(value); err == nil {
				mm.Cores = v
			}
		case "uptime_s":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				mm.UptimeSeconds = v
			}
		case "docker_active":
			mm.DockerActive = value == "active"
		case "containers_running":
			if v, err := strconv.Atoi(value); err == nil {
				mm.ContainersRunning = v
			}
		}
	}

	return mm, nil
}
