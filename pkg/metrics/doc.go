/*
Package metrics provides Prometheus instrumentation for Paddock itself.

This is the control plane's OWN telemetry (exposed on /metrics), distinct
from the host and container samples the fleet collects into the time-series
store (pkg/tsdb).

# Collectors

Fleet:
  - paddock_machines_total{status}         gauge, refreshed by the Collector
  - paddock_probes_total{result}           counter
  - paddock_probe_duration_seconds         histogram

SSH:
  - paddock_ssh_dials_total{result}        counter
  - paddock_ssh_sessions_active            gauge
  - paddock_remote_commands_total{result}  counter

Workloads:
  - paddock_containers_total{state}        gauge
  - paddock_deployments_total{status}      gauge
  - paddock_deploy_operations_total{operation,result} counter

Time-series store:
  - paddock_samples_recorded_total         counter
  - paddock_rollups_total{resolution}      counter

Alerting:
  - paddock_alerts_active{severity}        gauge
  - paddock_alerts_fired_total{severity}   counter
  - paddock_notifications_total{channel,result} counter

API:
  - paddock_api_requests_total{method,status} counter
  - paddock_api_request_duration_seconds{method} histogram

All collectors register in init(); gauges that mirror entity counts are
refreshed every 15s by the Collector from a Source (implemented by the server
assembly over the registries).

# Usage

	timer := metrics.NewTimer()
	res, err := executor.Probe(ctx, target)
	timer.ObserveDuration(metrics.ProbeDuration)
	metrics.ProbesTotal.WithLabelValues(result(err)).Inc()
*/
package metrics
