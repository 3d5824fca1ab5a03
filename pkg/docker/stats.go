package docker

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// samplerSet runs one stats goroutine per running container. A sync loop
// reconciles the set against the container records so samplers follow state
// changes made by anyone, not just this process.
type samplerSet struct {
	engine   *Engine
	interval time.Duration

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc
	started   bool
	stopped   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newSamplerSet(engine *Engine, interval time.Duration) *samplerSet {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &samplerSet{
		engine:    engine,
		interval:  interval,
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sync loop
func (s *samplerSet) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Stop halts the sync loop and every sampler
func (s *samplerSet) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	}

	s.mu.Lock()
	for id, cancel := range s.cancelFns {
		cancel()
		delete(s.cancelFns, id)
	}
	s.mu.Unlock()
}

func (s *samplerSet) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sync()
	for {
		select {
		case <-ticker.C:
			s.sync()
		case <-s.stopCh:
			return
		}
	}
}

// sync reconciles samplers with the set of running container records
func (s *samplerSet) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	containers, err := s.engine.cache.ListContainers(ctx, "")
	if err != nil {
		s.engine.logger.Error().Err(err).Msg("Stats sync failed to list containers")
		return
	}

	running := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		if c.State == types.ContainerStateRunning {
			running[c.ID] = struct{}{}
		}
	}

	s.mu.Lock()
	for id, cancelFn := range s.cancelFns {
		if _, ok := running[id]; !ok {
			cancelFn()
			delete(s.cancelFns, id)
		}
	}
	s.mu.Unlock()

	for id := range running {
		s.ensure(id)
	}
}

// ensure starts a sampler for the container unless one is already running
func (s *samplerSet) ensure(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.cancelFns[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFns[id] = cancel
	go s.sample(ctx, id)
}

// cancel stops the sampler for a container if one is running
func (s *samplerSet) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancelFn, ok := s.cancelFns[id]; ok {
		cancelFn()
		delete(s.cancelFns, id)
	}
}

// sample collects stats for one container until cancelled
func (s *samplerSet) sample(ctx context.Context, id string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.collect(ctx, id)
	for {
		select {
		case <-ticker.C:
			s.collect(ctx, id)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *samplerSet) collect(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	stats, err := s.engine.Stats(cctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// Record or container is gone; the sync loop would catch this
			// too, but there is no point waiting for it.
			s.cancel(id)
			return
		}
		s.engine.logger.Debug().Err(err).Str("container_id", id).Msg("Stats sample failed")
		return
	}

	s.record(cctx, stats)
}

// record writes the snapshot to the time-series store and onto the record
func (s *samplerSet) record(ctx context.Context, stats *types.ContainerStats) {
	labels := map[string]string{
		"container_id":   stats.ContainerID,
		"container_name": stats.Name,
		"machine_id":     stats.MachineID,
	}

	samples := []struct {
		name  string
		value float64
	}{
		{"container_cpu_percent", stats.CPUPercent},
		{"container_memory_usage_bytes", float64(stats.MemoryUsage)},
		{"container_memory_limit_bytes", float64(stats.MemoryLimit)},
		{"container_network_rx_bytes", float64(stats.NetworkRx)},
		{"container_network_tx_bytes", float64(stats.NetworkTx)},
		{"container_block_read_bytes", float64(stats.BlockRead)},
		{"container_block_write_bytes", float64(stats.BlockWrite)},
		{"container_pids", float64(stats.PIDs)},
	}
	for _, smp := range samples {
		err := s.engine.series.Record(ctx, &types.MetricSample{
			Name:      smp.name,
			Labels:    labels,
			Value:     smp.value,
			Timestamp: stats.CollectedAt,
		})
		if err != nil {
			s.engine.logger.Debug().Err(err).Str("metric", smp.name).Msg("Failed to record container sample")
			return
		}
	}

	rec, err := s.engine.cache.GetContainer(ctx, stats.ContainerID)
	if err != nil {
		return
	}
	rec.Stats = stats
	if err := s.engine.cache.PutContainer(ctx, rec); err != nil {
		s.engine.logger.Debug().Err(err).Str("container_id", stats.ContainerID).Msg("Failed to update container stats")
	}
}
