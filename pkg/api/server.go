package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/docker"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/fleet"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

// MachineService is the fleet surface the machine routes call.
type MachineService interface {
	Register(ctx context.Context, req *fleet.RegisterRequest) (*types.Machine, error)
	Get(ctx context.Context, id string) (*types.Machine, error)
	List(ctx context.Context) ([]*types.Machine, error)
	Update(ctx context.Context, id string, req *fleet.UpdateRequest) (*types.Machine, error)
	Delete(ctx context.Context, id string, force bool) error
	SetMaintenance(ctx context.Context, id string, on bool) (*types.Machine, error)
	ProbeNow(ctx context.Context, id string) (*types.Machine, error)
	Provision(ctx context.Context, id string) (*types.CommandResult, error)
	RunCommand(ctx context.Context, id, command string, timeout time.Duration) (*types.CommandResult, error)
	FanOut(ctx context.Context, ids []string, command string, timeout time.Duration) (map[string]*types.CommandResult, error)
}

// MonitorService tunes the probe loop at runtime.
type MonitorService interface {
	Interval() time.Duration
	SetInterval(d time.Duration) error
}

// ContainerService is the engine surface the container routes call.
type ContainerService interface {
	Deploy(ctx context.Context, spec *types.ContainerSpec, meta *docker.DeployMeta) (*types.Container, error)
	Inspect(ctx context.Context, id string) (*types.Container, error)
	List(ctx context.Context, machineID string) ([]*types.Container, error)
	Start(ctx context.Context, id string) (*types.Container, error)
	Stop(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error)
	Restart(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error)
	Remove(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string, opts types.LogOptions) (string, error)
	Exec(ctx context.Context, id string, cmd []string, opts types.ExecOptions) (*types.CommandResult, error)
	Stats(ctx context.Context, id string) (*types.ContainerStats, error)
	Reconcile(ctx context.Context, machineID string) ([]*types.Container, error)
}

// DeploymentService is the orchestrator surface the deployment routes call.
type DeploymentService interface {
	Deploy(ctx context.Context, cfg *types.ComposeConfig, defaultMachineID string) (*types.Deployment, error)
	Get(ctx context.Context, id string) (*types.Deployment, error)
	List(ctx context.Context) ([]*types.Deployment, error)
	Update(ctx context.Context, id string, cfg *types.ComposeConfig, defaultMachineID string) (*types.Deployment, error)
	Teardown(ctx context.Context, id string, force bool) error
	Status(ctx context.Context, id string) (*types.Deployment, error)
	Logs(ctx context.Context, id string, opts types.LogOptions) (string, error)
}

// AlertService is the evaluator surface the rule and alert routes call.
type AlertService interface {
	CreateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error)
	UpdateRule(ctx context.Context, id string, rule *types.AlertRule) (*types.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*types.AlertRule, error)
	ListRules(ctx context.Context) ([]*types.AlertRule, error)
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, severity types.AlertSeverity, status types.AlertStatus) ([]*types.Alert, error)
	Acknowledge(ctx context.Context, id, by string) (*types.Alert, error)
	Resolve(ctx context.Context, id, note string) (*types.Alert, error)
}

// NotificationService is the notifier surface the notification routes call.
type NotificationService interface {
	Get(ctx context.Context, id string) (*types.Notification, error)
	List(ctx context.Context) ([]*types.Notification, error)
	SendTest(ctx context.Context, channel types.NotificationChannel, target string) error
}

// Pinger reports whether a backing dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles everything the handlers call. The concrete tsdb and
// redis stores ride along for the metric and health routes; everything
// else is an interface so tests can fake it.
type Services struct {
	Machines      MachineService
	Monitor       MonitorService
	Containers    ContainerService
	Deployments   DeploymentService
	Alerts        AlertService
	Notifications NotificationService
	Series        *tsdb.Store
	Cache         *store.RedisStore
	SQL           Pinger
}

// Server is the HTTP front end.
type Server struct {
	cfg        config.ServerConfig
	svc        Services
	host       *plugin.Host
	broker     *events.Broker
	version    string
	started    time.Time
	limiters   *gocache.Cache
	mux        *chi.Mux
	http       *http.Server
	cancelBase context.CancelFunc
	logger     zerolog.Logger
}

// New wires the router. host and broker may be nil in tests; the system
// and event routes then degrade gracefully.
func New(cfg config.ServerConfig, svc Services, host *plugin.Host, broker *events.Broker, version string) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		host:     host,
		broker:   broker,
		version:  version,
		started:  time.Now(),
		limiters: gocache.New(10*time.Minute, 30*time.Minute),
		logger:   log.WithComponent("api"),
	}
	s.mux = s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		// SSE outlives any sane request deadline, so it mounts outside
		// the timeout group.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(time.Duration(s.cfg.WriteTimeoutSecs) * time.Second))

			r.Get("/system", s.handleSystem)

			r.Route("/machines", func(r chi.Router) {
				r.Post("/", s.handleMachineRegister)
				r.Get("/", s.handleMachineList)
				r.Post("/command", s.handleMachineFanOut)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleMachineGet)
					r.Put("/", s.handleMachineUpdate)
					r.Delete("/", s.handleMachineDelete)
					r.Post("/probe", s.handleMachineProbe)
					r.Post("/maintenance", s.handleMachineMaintenance)
					r.Post("/provision", s.handleMachineProvision)
					r.Post("/command", s.handleMachineCommand)
					r.Get("/metrics", s.handleMachineMetrics)
					r.Get("/metrics/history", s.handleMachineMetricsHistory)
				})
			})

			r.Route("/containers", func(r chi.Router) {
				r.Post("/", s.handleContainerDeploy)
				r.Get("/", s.handleContainerList)
				r.Post("/reconcile", s.handleContainerReconcile)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleContainerGet)
					r.Delete("/", s.handleContainerRemove)
					r.Post("/start", s.handleContainerStart)
					r.Post("/stop", s.handleContainerStop)
					r.Post("/restart", s.handleContainerRestart)
					r.Get("/logs", s.handleContainerLogs)
					r.Post("/exec", s.handleContainerExec)
					r.Get("/stats", s.handleContainerStats)
				})
			})

			r.Route("/deployments", func(r chi.Router) {
				r.Post("/", s.handleDeploymentCreate)
				r.Get("/", s.handleDeploymentList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleDeploymentGet)
					r.Put("/", s.handleDeploymentUpdate)
					r.Delete("/", s.handleDeploymentDelete)
					r.Get("/status", s.handleDeploymentStatus)
					r.Get("/logs", s.handleDeploymentLogs)
				})
			})

			r.Route("/metrics", func(r chi.Router) {
				r.Get("/names", s.handleMetricNames)
				r.Get("/query", s.handleMetricQuery)
				r.Get("/latest", s.handleMetricLatest)
			})

			r.Route("/rules", func(r chi.Router) {
				r.Post("/", s.handleRuleCreate)
				r.Get("/", s.handleRuleList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleRuleGet)
					r.Put("/", s.handleRuleUpdate)
					r.Delete("/", s.handleRuleDelete)
				})
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleAlertList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleAlertGet)
					r.Post("/acknowledge", s.handleAlertAcknowledge)
					r.Post("/resolve", s.handleAlertResolve)
				})
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleNotificationList)
				r.Post("/test", s.handleNotificationTest)
				r.Get("/{id}", s.handleNotificationGet)
			})

			r.Route("/monitoring", func(r chi.Router) {
				r.Get("/status", s.handleMonitoringStatus)
				r.Put("/interval", s.handleMonitoringInterval)
			})
		})
	})

	return r
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails. A clean shutdown returns nil.
func (s *Server) Start() error {
	base, cancel := context.WithCancel(context.Background())
	s.cancelBase = cancel
	s.http = &http.Server{
		Addr:        s.cfg.Listen,
		Handler:     s.mux,
		ReadTimeout: time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		// No server-wide write timeout: the SSE stream stays open for
		// the client's lifetime. Regular handlers are bounded by the
		// per-request timeout middleware instead.
		IdleTimeout: 2 * time.Minute,
		BaseContext: func(net.Listener) context.Context { return base },
	}
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("API server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires. The base context
// is canceled first so event streams close instead of pinning the drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if s.cancelBase != nil {
		s.cancelBase()
	}
	return s.http.Shutdown(ctx)
}
