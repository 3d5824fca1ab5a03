package metrics

import (
	"context"
	"time"
)

// Source exposes the entity counts the collector publishes as gauges
type Source interface {
	MachinesByStatus(ctx context.Context) (map[string]int, error)
	ContainersByState(ctx context.Context) (map[string]int, error)
	DeploymentsByStatus(ctx context.Context) (map[string]int, error)
	ActiveAlertsBySeverity(ctx context.Context) (map[string]int, error)
}

// Collector refreshes entity gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if counts, err := c.source.MachinesByStatus(ctx); err == nil {
		MachinesTotal.Reset()
		for status, n := range counts {
			MachinesTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if counts, err := c.source.ContainersByState(ctx); err == nil {
		ContainersTotal.Reset()
		for state, n := range counts {
			ContainersTotal.WithLabelValues(state).Set(float64(n))
		}
	}

	if counts, err := c.source.DeploymentsByStatus(ctx); err == nil {
		DeploymentsTotal.Reset()
		for status, n := range counts {
			DeploymentsTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if counts, err := c.source.ActiveAlertsBySeverity(ctx); err == nil {
		AlertsActive.Reset()
		for severity, n := range counts {
			AlertsActive.WithLabelValues(severity).Set(float64(n))
		}
	}
}
