/*
Package types defines the core data structures used throughout Paddock.

This package contains all fundamental types that represent Paddock's domain
model: machines managed over SSH, containers and compose deployments running
on those machines, metric samples, alert rules and alerts, and queued
notifications. These types are used by all other packages for state
management, API communication, and orchestration logic.

# Architecture

The types package is the foundation of Paddock's data model. It defines:

  - Fleet primitives (machines, probe metrics, command results)
  - Container workloads (specs, tracked containers, stats)
  - Compose deployments (configs, services, dependency declarations)
  - Time-series primitives (metric samples)
  - Alerting primitives (rules, alerts, notifications)

All types are designed to be:
  - Serializable (JSON for the API and the Redis mirror, YAML for manifests)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, request validation at the API boundary)

# Core Types

Fleet:
  - Machine: Remote host with SSH coordinates and lifecycle status
  - MachineStatus: initializing, active, inactive, error, maintenance
  - MachineMetrics: One parsed probe result (CPU, memory, disk, net)
  - CommandResult: Output, exit code, and timing of one remote command

Containers:
  - ContainerSpec: Desired state (image, ports, volumes, env, limits)
  - Container: Tracked container with engine ID and state
  - ContainerState: created, running, paused, restarting, exited, dead
  - ContainerStats: One-shot resource usage snapshot

Deployments:
  - ComposeConfig: Named set of services with depends_on edges
  - ComposeService: One service using compact port/volume forms
  - Deployment: Tracked deployment with per-service container IDs
  - DeploymentStatus: pending through running, partial, stopped, removed

Metrics & Alerting:
  - MetricSample: Name, labels, value, timestamp
  - AlertRule: Metric condition with operator, threshold, duration
  - Alert: Fired rule instance for one label set
  - Notification: Queued delivery with attempt tracking

# Usage

Registering a machine:

	m := &types.Machine{
		ID:     uuid.New().String(),
		Name:   "web-1",
		Host:   "10.0.0.12",
		Port:   22,
		User:   "ops",
		Status: types.MachineStatusInitializing,
	}

Declaring a container:

	spec := &types.ContainerSpec{
		Name:      "nginx",
		Image:     "nginx:1.27",
		MachineID: m.ID,
		Ports:     []types.PortMap{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}},
	}

Declaring an alert rule:

	rule := &types.AlertRule{
		Name:            "high-cpu",
		Metric:          "host_cpu_percent",
		Operator:        types.OperatorGreaterThan,
		Threshold:       90,
		DurationSeconds: 300,
		Severity:        types.SeverityWarning,
		Enabled:         true,
	}

Status enums are plain strings so they round-trip through JSON and Redis
without translation tables.
*/
package types
