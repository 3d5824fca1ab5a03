package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/types"
)

// minInterval is the floor for the probe cadence
const minInterval = 5 * time.Second

// Monitor is the single fleet probe loop. Each tick probes all
// non-maintenance machines with bounded concurrency and waits for them, so
// per machine the iterations are strictly sequential.
type Monitor struct {
	registry    *Registry
	concurrency int
	interval    atomic.Int64 // nanoseconds, adjustable at runtime
	logger      zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor wires the probe loop around the registry
func NewMonitor(registry *Registry, cfg config.MonitorConfig) *Monitor {
	m := &Monitor{
		registry:    registry,
		concurrency: cfg.Concurrency,
		logger:      log.WithComponent("monitor"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	m.interval.Store(int64(cfg.Interval()))
	return m
}

// Start launches the loop
func (m *Monitor) Start() {
	m.logger.Info().Dur("interval", m.Interval()).Msg("Fleet monitor started")
	go m.run()
}

// Stop halts the loop and waits for the current tick to finish
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("Fleet monitor stopped")
}

// Interval returns the current probe cadence
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// SetInterval adjusts the cadence; it takes effect after the sleep in
// progress, not mid-sleep.
func (m *Monitor) SetInterval(d time.Duration) error {
	if d < minInterval {
		return errdefs.Invalidf("interval %s below the %s floor", d, minInterval)
	}
	m.interval.Store(int64(d))
	m.logger.Info().Dur("interval", d).Msg("Monitor interval updated")
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
			m.tick(context.Background())
			timer.Reset(m.Interval())
		}
	}
}

// tick probes every non-maintenance machine once and returns when all
// probes finished.
func (m *Monitor) tick(ctx context.Context) {
	machines, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list machines for probing")
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	probed := 0
	for _, machine := range machines {
		if machine.Status == types.MachineStatusMaintenance {
			continue
		}
		probed++
		machine := machine
		g.Go(func() error {
			m.registry.probe(ctx, machine)
			return nil
		})
	}
	g.Wait()

	if probed > 0 {
		m.logger.Debug().Int("machines", probed).Msg("Probe tick finished")
	}
}
