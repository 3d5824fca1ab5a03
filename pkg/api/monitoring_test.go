package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

func seedSamples(t *testing.T, h *apiHarness) time.Time {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, s := range []struct {
		machine string
		value   float64
		age     time.Duration
	}{
		{"m-1", 40, 30 * time.Minute},
		{"m-1", 55, 5 * time.Minute},
		{"m-2", 90, 5 * time.Minute},
	} {
		require.NoError(t, h.series.Record(ctx, &types.MetricSample{
			Name:      "host_cpu_percent",
			Labels:    map[string]string{"machine_id": s.machine},
			Value:     s.value,
			Timestamp: now.Add(-s.age),
		}))
	}
	return now
}

func TestMetricNames(t *testing.T) {
	h := newHarness(t, nil)

	status, raw := h.do(t, http.MethodGet, "/api/v1/metrics/names", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(raw))

	seedSamples(t, h)
	status, raw = h.do(t, http.MethodGet, "/api/v1/metrics/names", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"host_cpu_percent"}, decodeAs[[]string](t, raw))
}

func TestMetricQuery(t *testing.T) {
	h := newHarness(t, nil)
	seedSamples(t, h)

	status, raw := h.do(t, http.MethodGet, "/api/v1/metrics/query?name=host_cpu_percent", nil)
	require.Equal(t, http.StatusOK, status)
	resp := decodeAs[seriesResponse](t, raw)
	assert.Len(t, resp.Samples, 3)

	status, raw = h.do(t, http.MethodGet, "/api/v1/metrics/query?name=host_cpu_percent&label.machine_id=m-2", nil)
	require.Equal(t, http.StatusOK, status)
	resp = decodeAs[seriesResponse](t, raw)
	require.Len(t, resp.Samples, 1)
	assert.Equal(t, 90.0, resp.Samples[0].Value)

	status, raw = h.do(t, http.MethodGet, "/api/v1/metrics/query", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))

	status, raw = h.do(t, http.MethodGet,
		"/api/v1/metrics/query?name=host_cpu_percent&from=2026-02-11T10:00:00Z&to=2026-02-11T09:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}

func TestMetricLatest(t *testing.T) {
	h := newHarness(t, nil)
	seedSamples(t, h)

	status, raw := h.do(t, http.MethodGet, "/api/v1/metrics/latest?name=host_cpu_percent", nil)
	require.Equal(t, http.StatusOK, status)
	samples := decodeAs[[]types.MetricSample](t, raw)
	require.Len(t, samples, 2, "one latest sample per label set")
	assert.Equal(t, 55.0, samples[0].Value, "m-1 keeps only its newest sample")
	assert.Equal(t, 90.0, samples[1].Value)

	status, raw = h.do(t, http.MethodGet, "/api/v1/metrics/latest?name=host_cpu_percent&label.machine_id=m-2", nil)
	require.Equal(t, http.StatusOK, status)
	samples = decodeAs[[]types.MetricSample](t, raw)
	require.Len(t, samples, 1)
	assert.Equal(t, "m-2", samples[0].Labels["machine_id"])

	status, _ = h.do(t, http.MethodGet, "/api/v1/metrics/latest", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRuleCreateDefaultsEnabled(t *testing.T) {
	h := newHarness(t, nil)

	var gotRule *types.AlertRule
	h.alerts.createRule = func(_ context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
		gotRule = rule
		rule.ID = "r-1"
		return rule, nil
	}

	status, raw := h.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":      "high cpu",
		"metric":    "host_cpu_percent",
		"operator":  "gt",
		"threshold": 90,
		"severity":  "warning",
		"channels":  []string{"webhook"},
	})

	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, gotRule)
	assert.True(t, gotRule.Enabled, "absent enabled defaults to true")
	assert.Equal(t, types.OperatorGreaterThan, gotRule.Operator)
	assert.Equal(t, "r-1", decodeAs[types.AlertRule](t, raw).ID)

	status, _ = h.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":      "disabled rule",
		"metric":    "host_cpu_percent",
		"operator":  "gt",
		"threshold": 90,
		"severity":  "warning",
		"enabled":   false,
	})
	require.Equal(t, http.StatusCreated, status)
	assert.False(t, gotRule.Enabled, "explicit false sticks")
}

func TestRuleValidationPassthrough(t *testing.T) {
	h := newHarness(t, nil)

	h.alerts.createRule = func(_ context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
		return nil, errdefs.Invalid("operator must be one of gt, lt, ge, le, eq, ne")
	}

	status, raw := h.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":     "bad",
		"metric":   "host_cpu_percent",
		"operator": "between",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}

func TestAlertListFilters(t *testing.T) {
	h := newHarness(t, nil)

	var gotSeverity types.AlertSeverity
	var gotStatus types.AlertStatus
	h.alerts.listAlerts = func(_ context.Context, severity types.AlertSeverity, status types.AlertStatus) ([]*types.Alert, error) {
		gotSeverity, gotStatus = severity, status
		return []*types.Alert{{ID: "a-1", Severity: severity, Status: status}}, nil
	}

	status, _ := h.do(t, http.MethodGet, "/api/v1/alerts?severity=critical&status=active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.SeverityCritical, gotSeverity)
	assert.Equal(t, types.AlertStatusActive, gotStatus)

	status, raw := h.do(t, http.MethodGet, "/api/v1/alerts?severity=fatal", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))

	status, raw = h.do(t, http.MethodGet, "/api/v1/alerts?status=open", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}

func TestAlertAcknowledge(t *testing.T) {
	h := newHarness(t, nil)

	var gotBy string
	h.alerts.acknowledge = func(_ context.Context, id, by string) (*types.Alert, error) {
		gotBy = by
		return &types.Alert{ID: id, Status: types.AlertStatusAcknowledged, AckedBy: by}, nil
	}

	status, raw := h.do(t, http.MethodPost, "/api/v1/alerts/a-1/acknowledge",
		map[string]string{"acknowledged_by": "ops"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ops", gotBy)
	assert.Equal(t, types.AlertStatusAcknowledged, decodeAs[types.Alert](t, raw).Status)

	status, raw = h.do(t, http.MethodPost, "/api/v1/alerts/a-1/acknowledge", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}

func TestAlertResolveOptionalNote(t *testing.T) {
	h := newHarness(t, nil)

	var gotNote string
	h.alerts.resolve = func(_ context.Context, id, note string) (*types.Alert, error) {
		gotNote = note
		return &types.Alert{ID: id, Status: types.AlertStatusResolved, Resolution: note}, nil
	}

	status, _ := h.do(t, http.MethodPost, "/api/v1/alerts/a-1/resolve",
		map[string]string{"resolution": "capacity added"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "capacity added", gotNote)

	status, _ = h.do(t, http.MethodPost, "/api/v1/alerts/a-1/resolve", nil)
	require.Equal(t, http.StatusOK, status, "resolve accepts an empty body")
	assert.Empty(t, gotNote)
}

func TestNotificationListFilter(t *testing.T) {
	h := newHarness(t, nil)

	h.notifs.list = func(context.Context) ([]*types.Notification, error) {
		return []*types.Notification{
			{ID: "n-1", Status: types.NotificationSent},
			{ID: "n-2", Status: types.NotificationFailed},
			{ID: "n-3", Status: types.NotificationSent},
		}, nil
	}

	status, raw := h.do(t, http.MethodGet, "/api/v1/notifications", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeAs[[]*types.Notification](t, raw), 3)

	status, raw = h.do(t, http.MethodGet, "/api/v1/notifications?status=sent", nil)
	require.Equal(t, http.StatusOK, status)
	sent := decodeAs[[]*types.Notification](t, raw)
	require.Len(t, sent, 2)
	assert.Equal(t, "n-1", sent[0].ID)

	status, raw = h.do(t, http.MethodGet, "/api/v1/notifications?status=queued", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}

func TestNotificationSendTest(t *testing.T) {
	h := newHarness(t, nil)

	var gotChannel types.NotificationChannel
	var gotTarget string
	h.notifs.sendTest = func(_ context.Context, channel types.NotificationChannel, target string) error {
		gotChannel, gotTarget = channel, target
		return nil
	}

	status, _ := h.do(t, http.MethodPost, "/api/v1/notifications/test", map[string]string{
		"channel": "webhook",
		"target":  "http://hooks.example/paddock",
	})
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, types.ChannelWebhook, gotChannel)
	assert.Equal(t, "http://hooks.example/paddock", gotTarget)
}

func TestMonitoringInterval(t *testing.T) {
	h := newHarness(t, nil)

	status, raw := h.do(t, http.MethodGet, "/api/v1/monitoring/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 30.0, decodeAs[map[string]any](t, raw)["probe_interval_seconds"])

	status, raw = h.do(t, http.MethodPut, "/api/v1/monitoring/interval", map[string]int{"seconds": 60})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 60.0, decodeAs[map[string]any](t, raw)["probe_interval_seconds"])
	assert.Equal(t, time.Minute, h.monitor.interval)

	h.monitor.setInterval = func(d time.Duration) error {
		return errdefs.Invalid("interval must be at least 5 seconds")
	}
	status, raw = h.do(t, http.MethodPut, "/api/v1/monitoring/interval", map[string]int{"seconds": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errdefs.CodeInvalidArgument, errCode(t, raw))
}
