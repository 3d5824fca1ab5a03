package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/paddock/pkg/api"
	"github.com/cuemby/paddock/pkg/compose"
	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/docker"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/executor"
	"github.com/cuemby/paddock/pkg/fleet"
	"github.com/cuemby/paddock/pkg/keyvault"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/monitoring"
	"github.com/cuemby/paddock/pkg/plugin"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/tsdb"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the Paddock control plane: the HTTP API, the fleet probe loop,
container stats sampling, rule evaluation, and notification delivery.

Configuration comes from the YAML file named by --config, overridden by
PADDOCK_* environment variables. Postgres and Redis must be reachable at
startup.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Path to the YAML config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Paddock starting")

	vault, err := openVault(cfg)
	if err != nil {
		return err
	}

	db, err := store.NewSQLStore(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	startCtx, cancelStart := context.WithTimeout(cmd.Context(), startupTimeout)
	defer cancelStart()

	if err := db.EnsureSchema(startCtx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(startCtx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}
	cache := store.NewRedisStore(rdb)
	series := tsdb.New(rdb)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Host key pins live under the data dir, next to nothing else secret:
	// the private keys themselves stay encrypted in postgres.
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	remote, err := executor.New(cfg.Executor, vault, filepath.Join(cfg.DataDir, "hostkeys.db"))
	if err != nil {
		return err
	}
	defer remote.Close()

	host := plugin.NewHost(cfg.Plugins)
	plugins := []plugin.Plugin{
		monitoring.NewPlugin(cache, series, broker, cfg.Alerting, cfg.Notifiers),
		fleet.NewPlugin(db, cache, remote, vault, broker, cfg.Monitor),
		docker.NewPlugin(cache, broker, cfg.Monitor),
		compose.NewPlugin(db, cache, broker),
	}
	for _, p := range plugins {
		if err := host.Register(p); err != nil {
			return err
		}
	}
	if err := host.InitAll(startCtx); err != nil {
		return err
	}

	svc, err := lookupServices(host)
	if err != nil {
		shutdownHost(host, logger)
		return err
	}
	svc.Series = series
	svc.Cache = cache
	svc.SQL = db

	collector := metrics.NewCollector(&gaugeSource{db: db, cache: cache})
	collector.Start()
	defer collector.Stop()

	srv := api.New(cfg.Server, svc, host, broker, Version)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error().Err(serveErr).Msg("API server failed")
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	shutdownHost(host, logger)

	logger.Info().Msg("Shutdown complete")
	return serveErr
}

// openVault resolves the master key source. Config validation already
// guaranteed exactly one of passphrase and key file is set.
func openVault(cfg *config.Config) (*keyvault.Vault, error) {
	if cfg.Vault.KeyFile != "" {
		key, err := cfg.MasterKey()
		if err != nil {
			return nil, err
		}
		return keyvault.New(key)
	}
	return keyvault.NewFromPassword(cfg.Vault.Passphrase)
}

// lookupServices pulls the plugin-provided services the API fronts.
func lookupServices(host *plugin.Host) (api.Services, error) {
	var svc api.Services
	var err error
	if svc.Machines, err = plugin.LookupAs[*fleet.Registry](host, fleet.ServiceRegistry); err != nil {
		return svc, err
	}
	if svc.Monitor, err = plugin.LookupAs[*fleet.Monitor](host, fleet.ServiceMonitor); err != nil {
		return svc, err
	}
	if svc.Containers, err = plugin.LookupAs[*docker.Engine](host, docker.ServiceEngine); err != nil {
		return svc, err
	}
	if svc.Deployments, err = plugin.LookupAs[*compose.Orchestrator](host, compose.ServiceOrchestrator); err != nil {
		return svc, err
	}
	if svc.Alerts, err = plugin.LookupAs[*monitoring.Evaluator](host, monitoring.ServiceEvaluator); err != nil {
		return svc, err
	}
	if svc.Notifications, err = plugin.LookupAs[*monitoring.Notifier](host, monitoring.ServiceNotifier); err != nil {
		return svc, err
	}
	return svc, nil
}

// shutdownHost stops the plugins in reverse start order with their own
// grace budget, independent of how far startup got.
func shutdownHost(host *plugin.Host, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Plugin shutdown failed")
	}
}

// gaugeSource feeds the entity gauges from the two stores.
type gaugeSource struct {
	db    *store.SQLStore
	cache *store.RedisStore
}

func (g *gaugeSource) MachinesByStatus(ctx context.Context) (map[string]int, error) {
	return g.db.CountMachinesByStatus(ctx)
}

func (g *gaugeSource) ContainersByState(ctx context.Context) (map[string]int, error) {
	return g.cache.CountContainersByState(ctx)
}

func (g *gaugeSource) DeploymentsByStatus(ctx context.Context) (map[string]int, error) {
	return g.db.CountDeploymentsByStatus(ctx)
}

func (g *gaugeSource) ActiveAlertsBySeverity(ctx context.Context) (map[string]int, error) {
	return g.cache.CountActiveAlertsBySeverity(ctx)
}
