package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
)

type fakePlugin struct {
	meta     Metadata
	spec     any
	calls    *[]string
	initErr  error
	startErr error
	stopErr  error
	healthy  bool
	detail   string

	gotHost *Host
	gotCfg  any
}

func (p *fakePlugin) Meta() Metadata  { return p.meta }
func (p *fakePlugin) ConfigSpec() any { return p.spec }

func (p *fakePlugin) Init(_ context.Context, host *Host, cfg any) error {
	p.gotHost = host
	p.gotCfg = cfg
	*p.calls = append(*p.calls, "init:"+p.meta.Name)
	return p.initErr
}

func (p *fakePlugin) Start(context.Context) error {
	*p.calls = append(*p.calls, "start:"+p.meta.Name)
	return p.startErr
}

func (p *fakePlugin) Stop(context.Context) error {
	*p.calls = append(*p.calls, "stop:"+p.meta.Name)
	return p.stopErr
}

func (p *fakePlugin) Health(context.Context) HealthStatus {
	return HealthStatus{Healthy: p.healthy, Detail: p.detail}
}

func fake(calls *[]string, name string, deps ...string) *fakePlugin {
	return &fakePlugin{
		meta:    Metadata{Name: name, Version: "1.0.0", Dependencies: deps},
		calls:   calls,
		healthy: true,
	}
}

func TestInitAllOrdersByDependency(t *testing.T) {
	var calls []string
	h := NewHost(nil)

	// registration order must not matter
	require.NoError(t, h.Register(fake(&calls, "c", "b", "a")))
	require.NoError(t, h.Register(fake(&calls, "a")))
	require.NoError(t, h.Register(fake(&calls, "b", "a")))

	require.NoError(t, h.InitAll(context.Background()))
	assert.Equal(t, []string{
		"init:a", "init:b", "init:c",
		"start:a", "start:b", "start:c",
	}, calls)

	metas := h.Plugins()
	require.Len(t, metas, 3)
	assert.Equal(t, "a", metas[0].Name)
	assert.Equal(t, "c", metas[2].Name)

	calls = calls[:0]
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, []string{"stop:c", "stop:b", "stop:a"}, calls)
}

func TestInitAllRejectsMissingDependency(t *testing.T) {
	var calls []string
	h := NewHost(nil)
	require.NoError(t, h.Register(fake(&calls, "b", "ghost")))

	err := h.InitAll(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))
	assert.Contains(t, err.Error(), "ghost")
	assert.Empty(t, calls, "nothing may init when the graph is broken")
}

func TestInitAllRejectsCycle(t *testing.T) {
	var calls []string
	h := NewHost(nil)
	require.NoError(t, h.Register(fake(&calls, "a", "b")))
	require.NoError(t, h.Register(fake(&calls, "b", "a")))

	err := h.InitAll(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeDependencyCycle), "got %v", err)
	assert.Contains(t, err.Error(), "->")
	assert.Empty(t, calls)
}

func TestRegisterConflicts(t *testing.T) {
	var calls []string
	h := NewHost(nil)

	require.NoError(t, h.Register(fake(&calls, "a")))
	err := h.Register(fake(&calls, "a"))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	err = h.Register(fake(&calls, ""))
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))

	require.NoError(t, h.InitAll(context.Background()))
	err = h.Register(fake(&calls, "late"))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestFailedStartStopsStarted(t *testing.T) {
	var calls []string
	h := NewHost(nil)

	require.NoError(t, h.Register(fake(&calls, "a")))
	require.NoError(t, h.Register(fake(&calls, "b", "a")))
	broken := fake(&calls, "c", "b")
	broken.startErr = errors.New("bind: address already in use")
	require.NoError(t, h.Register(broken))

	err := h.InitAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin c")
	assert.Equal(t, []string{
		"init:a", "init:b", "init:c",
		"start:a", "start:b", "start:c",
		"stop:b", "stop:a", // c never ran, so it is not stopped
	}, calls)
}

func TestShutdownContinuesPastFailure(t *testing.T) {
	var calls []string
	h := NewHost(nil)

	require.NoError(t, h.Register(fake(&calls, "a")))
	broken := fake(&calls, "b", "a")
	broken.stopErr = errors.New("drain timed out")
	require.NoError(t, h.Register(broken))

	require.NoError(t, h.InitAll(context.Background()))
	calls = calls[:0]

	err := h.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin b")
	assert.Equal(t, []string{"stop:b", "stop:a"}, calls, "a later failure must not strand earlier plugins")
}

type tunerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" validate:"gte=1"`
}

func TestPluginConfigDecodeAndValidate(t *testing.T) {
	t.Run("block decodes over defaults", func(t *testing.T) {
		var calls []string
		h := NewHost(map[string]config.PluginBlock{
			"tuner": {"interval_seconds": 30},
		})
		p := fake(&calls, "tuner")
		p.spec = &tunerConfig{IntervalSeconds: 5}
		require.NoError(t, h.Register(p))

		require.NoError(t, h.InitAll(context.Background()))
		require.IsType(t, &tunerConfig{}, p.gotCfg)
		assert.Equal(t, 30, p.gotCfg.(*tunerConfig).IntervalSeconds)
	})

	t.Run("missing block keeps defaults", func(t *testing.T) {
		var calls []string
		h := NewHost(nil)
		p := fake(&calls, "tuner")
		p.spec = &tunerConfig{IntervalSeconds: 5}
		require.NoError(t, h.Register(p))

		require.NoError(t, h.InitAll(context.Background()))
		assert.Equal(t, 5, p.gotCfg.(*tunerConfig).IntervalSeconds)
	})

	t.Run("invalid block rejected", func(t *testing.T) {
		var calls []string
		h := NewHost(map[string]config.PluginBlock{
			"tuner": {"interval_seconds": 0},
		})
		p := fake(&calls, "tuner")
		p.spec = &tunerConfig{IntervalSeconds: 5}
		require.NoError(t, h.Register(p))

		err := h.InitAll(context.Background())
		require.Error(t, err)
		assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))
		assert.Contains(t, err.Error(), "tuner")
		assert.Empty(t, calls, "a bad config block fails before the plugin inits")
	})

	t.Run("no spec gets nil", func(t *testing.T) {
		var calls []string
		h := NewHost(map[string]config.PluginBlock{
			"plain": {"whatever": true}, // ignored without a spec
		})
		p := fake(&calls, "plain")
		require.NoError(t, h.Register(p))

		require.NoError(t, h.InitAll(context.Background()))
		assert.Nil(t, p.gotCfg)
	})
}

func TestProvideLookup(t *testing.T) {
	h := NewHost(nil)

	h.Provide("tuner.knob", 42)
	svc, ok := h.Lookup("tuner.knob")
	require.True(t, ok)
	assert.Equal(t, 42, svc)

	_, ok = h.Lookup("tuner.missing")
	assert.False(t, ok)
}

func TestHealthAggregates(t *testing.T) {
	var calls []string
	h := NewHost(nil)

	require.NoError(t, h.Register(fake(&calls, "a")))
	sick := fake(&calls, "b")
	sick.healthy = false
	sick.detail = "redis unreachable"
	require.NoError(t, h.Register(sick))

	statuses := h.Health(context.Background())
	require.Len(t, statuses, 2)
	assert.True(t, statuses["a"].Healthy)
	assert.False(t, statuses["b"].Healthy)
	assert.Equal(t, "redis unreachable", statuses["b"].Detail)
}
