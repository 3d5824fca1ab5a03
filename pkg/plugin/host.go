package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
)

// Each plugin gets this long to stop before shutdown moves on
const stopGrace = 30 * time.Second

// Host registers plugins, resolves their start order, and carries the
// service registry they share. Register, InitAll, and Shutdown are lifecycle
// calls made from one goroutine; Provide and Lookup are safe from any.
type Host struct {
	mu       sync.RWMutex
	plugins  map[string]Plugin
	services map[string]any

	order   []string // dependency order, set by InitAll
	started []string // successfully started, for reverse shutdown

	blocks   map[string]config.PluginBlock
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHost creates a host handing out config blocks from blocks, keyed by
// plugin name.
func NewHost(blocks map[string]config.PluginBlock) *Host {
	return &Host{
		plugins:  make(map[string]Plugin),
		services: make(map[string]any),
		blocks:   blocks,
		validate: validator.New(),
		logger:   log.WithComponent("plugins"),
	}
}

// Register adds a plugin. Names are unique; registering after InitAll is a
// caller bug and also rejected.
func (h *Host) Register(p Plugin) error {
	meta := p.Meta()
	if meta.Name == "" {
		return errdefs.Invalid("plugin has no name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.order != nil {
		return errdefs.Newf(errdefs.CodeConflict, "plugin %s registered after init", meta.Name)
	}
	if _, exists := h.plugins[meta.Name]; exists {
		return errdefs.NameConflict("plugin", meta.Name)
	}
	h.plugins[meta.Name] = p
	return nil
}

// Provide publishes a service under name. Later Provide calls for the same
// name replace the value, so a plugin can re-bind its own services.
func (h *Host) Provide(name string, svc any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[name] = svc
}

// Lookup fetches a service published by another plugin.
func (h *Host) Lookup(name string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, ok := h.services[name]
	return svc, ok
}

// LookupAs fetches a service and asserts its type. Failures are wiring bugs,
// reported as internal errors naming the service.
func LookupAs[T any](h *Host, name string) (T, error) {
	var zero T
	svc, ok := h.Lookup(name)
	if !ok {
		return zero, errdefs.Newf(errdefs.CodeInternal, "service %s is not available", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, errdefs.Newf(errdefs.CodeInternal, "service %s has unexpected type %T", name, svc)
	}
	return typed, nil
}

// InitAll resolves the dependency order, decodes and validates each plugin's
// config block, then runs every Init followed by every Start in that order.
// A failed Start stops the plugins already running, in reverse.
func (h *Host) InitAll(ctx context.Context) error {
	order, err := h.resolveOrder()
	if err != nil {
		return err
	}
	h.order = order

	for _, name := range order {
		p := h.pluginByName(name)
		cfg, err := h.pluginConfig(p)
		if err != nil {
			return err
		}
		if err := p.Init(ctx, h, cfg); err != nil {
			return fmt.Errorf("failed to init plugin %s: %w", name, err)
		}
		h.logger.Info().
			Str("plugin", name).
			Str("version", p.Meta().Version).
			Msg("Plugin initialized")
	}

	for _, name := range order {
		if err := h.pluginByName(name).Start(ctx); err != nil {
			h.stopStarted(ctx)
			return fmt.Errorf("failed to start plugin %s: %w", name, err)
		}
		h.started = append(h.started, name)
		h.logger.Info().Str("plugin", name).Msg("Plugin started")
	}
	return nil
}

// Shutdown stops running plugins in reverse start order, giving each its
// grace period. Every plugin gets its Stop even when an earlier one fails;
// the first failure is returned.
func (h *Host) Shutdown(ctx context.Context) error {
	return h.stopStarted(ctx)
}

func (h *Host) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(h.started) - 1; i >= 0; i-- {
		name := h.started[i]
		stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
		err := h.pluginByName(name).Stop(stopCtx)
		cancel()
		if err != nil {
			h.logger.Error().Err(err).Str("plugin", name).Msg("Plugin stop failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to stop plugin %s: %w", name, err)
			}
			continue
		}
		h.logger.Info().Str("plugin", name).Msg("Plugin stopped")
	}
	h.started = nil
	return firstErr
}

// Health asks every registered plugin for its own status.
func (h *Host) Health(ctx context.Context) map[string]HealthStatus {
	h.mu.RLock()
	plugins := make(map[string]Plugin, len(h.plugins))
	for name, p := range h.plugins {
		plugins[name] = p
	}
	h.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(plugins))
	for name, p := range plugins {
		statuses[name] = p.Health(ctx)
	}
	return statuses
}

// Plugins lists metadata in dependency order once initialized, registration
// name order before that.
func (h *Host) Plugins() []Metadata {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := h.order
	if names == nil {
		names = make([]string, 0, len(h.plugins))
		for name := range h.plugins {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	metas := make([]Metadata, 0, len(names))
	for _, name := range names {
		metas = append(metas, h.plugins[name].Meta())
	}
	return metas
}

func (h *Host) pluginByName(name string) Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plugins[name]
}

// pluginConfig decodes the plugin's block into its ConfigSpec and validates
// it. Plugins without a spec get nil; plugins with a spec but no block keep
// their defaults, still validated.
func (h *Host) pluginConfig(p Plugin) (any, error) {
	spec := p.ConfigSpec()
	if spec == nil {
		return nil, nil
	}

	name := p.Meta().Name
	if block, ok := h.blocks[name]; ok && len(block) > 0 {
		raw, err := yaml.Marshal(block)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s config block: %w", name, err)
		}
		if err := yaml.Unmarshal(raw, spec); err != nil {
			return nil, errdefs.Invalidf("plugin %s config: %v", name, err)
		}
	}
	if err := h.validate.Struct(spec); err != nil {
		return nil, errdefs.Invalidf("plugin %s config: %v", name, err)
	}
	return spec, nil
}

// resolveOrder topologically sorts plugins by their declared dependencies.
// DFS coloring finds cycles and reports the path; a dependency on an
// unregistered plugin is rejected by name.
func (h *Host) resolveOrder() ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range h.plugins[name].Meta().Dependencies {
			if _, ok := h.plugins[dep]; !ok {
				return nil, errdefs.Invalidf("plugin %s depends on %s, which is not registered", name, dep)
			}
		}
	}

	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // finished
	)
	color := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		path = append(path, name)
		for _, dep := range h.plugins[name].Meta().Dependencies {
			switch color[dep] {
			case gray:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		order = append(order, name) // dependencies land before dependents
		return nil
	}

	for _, name := range names {
		if color[name] != white {
			continue
		}
		if cycle := visit(name); cycle != nil {
			return nil, errdefs.Newf(errdefs.CodeDependencyCycle,
				"plugin dependency cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	return order, nil
}
