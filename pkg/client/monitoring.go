package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

// SeriesQuery selects samples from the series store.
type SeriesQuery struct {
	Name       string
	Resolution tsdb.Resolution
	From       time.Time
	To         time.Time
	Labels     map[string]string
	Limit      int
}

// SeriesResult is one queried window.
type SeriesResult struct {
	Name       string               `json:"name"`
	Resolution tsdb.Resolution      `json:"resolution"`
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Samples    []types.MetricSample `json:"samples"`
}

func (q *SeriesQuery) values() url.Values {
	v := url.Values{"name": []string{q.Name}}
	if q.Resolution != "" {
		v.Set("res", string(q.Resolution))
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	for k, val := range q.Labels {
		v.Set("label."+k, val)
	}
	return v
}

func (c *Client) MetricNames(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics/names", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QueryMetrics(ctx context.Context, q SeriesQuery) (*SeriesResult, error) {
	var out SeriesResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics/query", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestMetrics returns the newest sample per label set for one metric.
func (c *Client) LatestMetrics(ctx context.Context, name string, labels map[string]string) ([]types.MetricSample, error) {
	q := url.Values{"name": []string{name}}
	for k, v := range labels {
		q.Set("label."+k, v)
	}
	var out []types.MetricSample
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics/latest", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	var out types.AlertRule
	if err := c.do(ctx, http.MethodPost, "/api/v1/rules", nil, rule, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateRule(ctx context.Context, id string, rule *types.AlertRule) (*types.AlertRule, error) {
	var out types.AlertRule
	if err := c.do(ctx, http.MethodPut, pathID("/api/v1/rules/%s", id), nil, rule, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, pathID("/api/v1/rules/%s", id), nil, nil, nil)
}

func (c *Client) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	var out types.AlertRule
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/rules/%s", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	var out []*types.AlertRule
	if err := c.do(ctx, http.MethodGet, "/api/v1/rules", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAlerts filters by severity and status; empty strings mean no
// filter.
func (c *Client) ListAlerts(ctx context.Context, severity types.AlertSeverity, status types.AlertStatus) ([]*types.Alert, error) {
	q := url.Values{}
	if severity != "" {
		q.Set("severity", string(severity))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var out []*types.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var out types.Alert
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/alerts/%s", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AcknowledgeAlert(ctx context.Context, id, by string) (*types.Alert, error) {
	body := map[string]string{"acknowledged_by": by}
	var out types.Alert
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/alerts/%s/acknowledge", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResolveAlert(ctx context.Context, id, note string) (*types.Alert, error) {
	body := map[string]string{"resolution": note}
	var out types.Alert
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/alerts/%s/resolve", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListNotifications(ctx context.Context, status types.NotificationStatus) ([]*types.Notification, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": []string{string(status)}}
	}
	var out []*types.Notification
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestNotification fires one synchronous delivery outside the queue.
func (c *Client) TestNotification(ctx context.Context, channel types.NotificationChannel, target string) error {
	body := map[string]string{"channel": string(channel), "target": target}
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/test", nil, body, nil)
}

// MonitorInterval reads the probe loop interval.
func (c *Client) MonitorInterval(ctx context.Context) (time.Duration, error) {
	var out struct {
		Seconds int `json:"probe_interval_seconds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/monitoring/status", nil, nil, &out); err != nil {
		return 0, err
	}
	return time.Duration(out.Seconds) * time.Second, nil
}

// SetMonitorInterval retunes the probe loop at runtime.
func (c *Client) SetMonitorInterval(ctx context.Context, d time.Duration) error {
	body := map[string]int{"seconds": int(d.Seconds())}
	return c.do(ctx, http.MethodPut, "/api/v1/monitoring/interval", nil, body, nil)
}
