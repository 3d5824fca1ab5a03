package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	MachinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_machines_total",
			Help: "Total number of machines by status",
		},
		[]string{"status"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_probes_total",
			Help: "Total number of machine probes by result",
		},
		[]string{"result"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_probe_duration_seconds",
			Help:    "Machine probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SSH metrics
	SSHDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_ssh_dials_total",
			Help: "Total number of SSH dials by result",
		},
		[]string{"result"},
	)

	SSHSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_ssh_sessions_active",
			Help: "Number of SSH sessions currently open",
		},
	)

	RemoteCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_remote_commands_total",
			Help: "Total number of remote commands by result",
		},
		[]string{"result"},
	)

	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_containers_total",
			Help: "Total number of tracked containers by state",
		},
		[]string{"state"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	DeployOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_deploy_operations_total",
			Help: "Total number of deployment operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	// Time-series store metrics
	SamplesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paddock_samples_recorded_total",
			Help: "Total number of metric samples recorded",
		},
	)

	RollupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_rollups_total",
			Help: "Total number of bucket rollups by resolution",
		},
		[]string{"resolution"},
	)

	// Alerting metrics
	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paddock_alerts_active",
			Help: "Number of non-resolved alerts by severity",
		},
		[]string{"severity"},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_alerts_fired_total",
			Help: "Total number of alerts fired by severity",
		},
		[]string{"severity"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_notifications_total",
			Help: "Total number of notification deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paddock_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MachinesTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(SSHDialsTotal)
	prometheus.MustRegister(SSHSessionsActive)
	prometheus.MustRegister(RemoteCommandsTotal)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeployOperationsTotal)
	prometheus.MustRegister(SamplesRecorded)
	prometheus.MustRegister(RollupsTotal)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
