package types

import (
	"time"
)

// Machine represents a remote Linux host managed over SSH
type Machine struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	User      string            `json:"user"`
	KeyEnc    string            `json:"-"` // Encrypted private key, never serialized outward
	Status    MachineStatus     `json:"status"`
	Labels    map[string]string `json:"labels,omitempty"`
	LastProbe time.Time         `json:"last_probe"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MachineStatus represents the lifecycle state of a machine
type MachineStatus string

const (
	MachineStatusInitializing MachineStatus = "initializing" // Registered, first probe pending
	MachineStatusActive       MachineStatus = "active"       // Last probe succeeded
	MachineStatusInactive     MachineStatus = "inactive"     // Reachable before, transport now failing
	MachineStatusError        MachineStatus = "error"        // Probe ran but produced bad output or exit
	MachineStatusMaintenance  MachineStatus = "maintenance"  // Operator hold, probing suspended
)

// MachineMetrics is one parsed probe result from a machine
type MachineMetrics struct {
	MachineID         string    `json:"machine_id"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryUsedBytes   int64     `json:"memory_used_bytes"`
	MemoryTotalBytes  int64     `json:"memory_total_bytes"`
	DiskUsedBytes     int64     `json:"disk_used_bytes,omitempty"`
	DiskTotalBytes    int64     `json:"disk_total_bytes,omitempty"`
	NetRxBytes        int64     `json:"net_rx_bytes,omitempty"`
	NetTxBytes        int64     `json:"net_tx_bytes,omitempty"`
	Load1             float64   `json:"load1,omitempty"`
	Cores             int       `json:"cores,omitempty"`
	UptimeSeconds     int64     `json:"uptime_seconds,omitempty"`
	DockerActive      bool      `json:"docker_active"`
	ContainersRunning int       `json:"containers_running"`
	CollectedAt       time.Time `json:"collected_at"`
}

// CommandResult captures one remote command execution
type CommandResult struct {
	MachineID  string `json:"machine_id"`
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"` // Transport error, empty when the command ran
}

// PortMap defines a host-to-container port publication
type PortMap struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp", defaults to tcp
}

// VolumeMap defines a bind mount or named volume attachment
type VolumeMap struct {
	Source string `json:"source"` // Host path or volume name
	Target string `json:"target"` // Path inside the container
	Mode   string `json:"mode,omitempty"`
}

// ContainerSpec is the desired state for a single container
type ContainerSpec struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	MachineID     string            `json:"machine_id"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         []PortMap         `json:"ports,omitempty"`
	Volumes       []VolumeMap       `json:"volumes,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Network       string            `json:"network,omitempty"`
	Command       []string          `json:"command,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"` // no, on-failure, always, unless-stopped
	CPULimit      float64           `json:"cpu_limit,omitempty"`      // Cores, fractional allowed
	MemoryLimit   int64             `json:"memory_limit,omitempty"`   // Bytes
}

// Container is the tracked state of a deployed container
type Container struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DockerID     string          `json:"docker_id"`
	MachineID    string          `json:"machine_id"`
	Image        string          `json:"image"`
	State        ContainerState  `json:"state"`
	Status       string          `json:"status,omitempty"` // Raw engine status line
	DeploymentID string          `json:"deployment_id,omitempty"`
	Service      string          `json:"service,omitempty"` // Compose service name
	Spec         *ContainerSpec  `json:"spec,omitempty"`
	Stats        *ContainerStats `json:"stats,omitempty"` // Most recent usage sample
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
}

// ContainerState mirrors the engine-reported container state
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRunning    ContainerState = "running"
	ContainerStatePaused     ContainerState = "paused"
	ContainerStateRestarting ContainerState = "restarting"
	ContainerStateExited     ContainerState = "exited"
	ContainerStateDead       ContainerState = "dead"
	ContainerStateUnknown    ContainerState = "unknown"
)

// ContainerStats is a one-shot resource usage snapshot
type ContainerStats struct {
	ContainerID   string    `json:"container_id"`
	Name          string    `json:"name"`
	MachineID     string    `json:"machine_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsage   int64     `json:"memory_usage"`
	MemoryLimit   int64     `json:"memory_limit"`
	MemoryPercent float64   `json:"memory_percent"`
	NetworkRx     int64     `json:"network_rx"`
	NetworkTx     int64     `json:"network_tx"`
	BlockRead     int64     `json:"block_read"`
	BlockWrite    int64     `json:"block_write"`
	PIDs          int       `json:"pids"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ComposeConfig describes a multi-service deployment
type ComposeConfig struct {
	Name     string                     `json:"name" yaml:"name"`
	Services map[string]*ComposeService `json:"services" yaml:"services"`
}

// ComposeService is one service inside a compose config.
// Ports and Volumes use the compact "host:container[/proto]" and
// "source:target[:mode]" forms.
type ComposeService struct {
	Image         string            `json:"image" yaml:"image"`
	MachineID     string            `json:"machine_id,omitempty" yaml:"machine_id,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Ports         []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Command       []string          `json:"command,omitempty" yaml:"command,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`
	CPULimit      float64           `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
	MemoryLimit   int64             `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
}

// Deployment is the tracked state of a compose deployment
type Deployment struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Config     *ComposeConfig    `json:"config"`
	Status     DeploymentStatus  `json:"status"`
	Containers map[string]string `json:"containers,omitempty"` // service name -> container ID
	Errors     map[string]string `json:"errors,omitempty"`     // service name -> failure reason
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// DeploymentStatus represents the aggregate state of a deployment
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusPartial   DeploymentStatus = "partial" // Some services up, some failed or stopped
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusStopped   DeploymentStatus = "stopped"
	DeploymentStatusRemoved   DeploymentStatus = "removed"
)

// MetricSample is one point recorded into the time-series store
type MetricSample struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertOperator compares a sample value against a rule threshold
type AlertOperator string

const (
	OperatorGreaterThan  AlertOperator = "gt"
	OperatorLessThan     AlertOperator = "lt"
	OperatorGreaterEqual AlertOperator = "ge"
	OperatorLessEqual    AlertOperator = "le"
	OperatorEqual        AlertOperator = "eq"
	OperatorNotEqual     AlertOperator = "ne"
)

// AlertSeverity ranks how urgent an alert is
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertRule declares a condition evaluated against stored metrics
type AlertRule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Metric          string            `json:"metric"`
	Operator        AlertOperator     `json:"operator"`
	Threshold       float64           `json:"threshold"`
	DurationSeconds int               `json:"duration_seconds,omitempty"` // 0 evaluates the latest sample only
	Labels          map[string]string `json:"labels,omitempty"`           // Subset match against sample labels
	Severity        AlertSeverity     `json:"severity"`
	Channels        []string          `json:"channels,omitempty"` // Notifier channel names
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is a fired rule instance for one label set
type Alert struct {
	ID         string            `json:"id"`
	RuleID     string            `json:"rule_id"`
	RuleName   string            `json:"rule_name"`
	Metric     string            `json:"metric"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Operator   AlertOperator     `json:"operator"`
	Severity   AlertSeverity     `json:"severity"`
	Labels     map[string]string `json:"labels,omitempty"`
	Status     AlertStatus       `json:"status"`
	Message    string            `json:"message"`
	FiredAt    time.Time         `json:"fired_at"`
	LastSeenAt time.Time         `json:"last_seen_at"` // Most recent tick the condition still held
	AckedAt    *time.Time        `json:"acked_at,omitempty"`
	AckedBy    string            `json:"acked_by,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Resolution string            `json:"resolution,omitempty"` // Operator note supplied on resolve
}

// NotificationChannel selects a delivery mechanism
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelSlack   NotificationChannel = "slack"
	ChannelWebhook NotificationChannel = "webhook"
)

// NotificationStatus tracks delivery progress
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one queued alert delivery
type Notification struct {
	ID          string              `json:"id"`
	AlertID     string              `json:"alert_id"`
	Channel     NotificationChannel `json:"channel"`
	Target      string              `json:"target"` // Address, webhook URL, or channel name
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Status      NotificationStatus  `json:"status"`
	Attempts    int                 `json:"attempts"`
	LastError   string              `json:"last_error,omitempty"`
	NextAttempt time.Time           `json:"next_attempt,omitempty"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// LogOptions filters a container log request
type LogOptions struct {
	Tail       int       `json:"tail,omitempty"` // 0 means all
	Since      time.Time `json:"since,omitempty"`
	Timestamps bool      `json:"timestamps,omitempty"`
}

// ExecOptions adjusts how a command runs inside a container
type ExecOptions struct {
	User    string            `json:"user,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}
