package api

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/tsdb"
	"github.com/cuemby/paddock/pkg/types"
)

type seriesResponse struct {
	Name       string               `json:"name"`
	Resolution tsdb.Resolution      `json:"resolution"`
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Samples    []types.MetricSample `json:"samples"`
}

// parseSeriesQuery reads the query parameters shared by the series
// routes. nameKey is the parameter carrying the metric name: "name" on
// the metrics routes, "metric" on the machine history route. The window
// defaults to the last hour at 1m resolution.
func parseSeriesQuery(r *http.Request, nameKey string) (tsdb.QueryOptions, error) {
	q := r.URL.Query()
	opts := tsdb.QueryOptions{Name: q.Get(nameKey)}
	if opts.Name == "" {
		return opts, errdefs.Invalidf("%s is required", nameKey)
	}

	opts.Resolution = tsdb.Res1m
	if res := q.Get("res"); res != "" {
		opts.Resolution = tsdb.Resolution(res)
		if !opts.Resolution.Valid() {
			return opts, errdefs.Invalidf("unknown resolution %q", res)
		}
	}

	var err error
	if opts.To, err = parseTimeParam(q.Get("to"), time.Now().UTC()); err != nil {
		return opts, err
	}
	if opts.From, err = parseTimeParam(q.Get("from"), opts.To.Add(-time.Hour)); err != nil {
		return opts, err
	}
	if opts.From.After(opts.To) {
		return opts, errdefs.Invalid("from must not be after to")
	}

	if lim := q.Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			return opts, errdefs.Invalidf("invalid limit %q", lim)
		}
		opts.Limit = n
	}

	opts.Labels = labelFilters(q)
	return opts, nil
}

func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errdefs.Invalidf("invalid time %q (want RFC 3339)", value)
	}
	return t, nil
}

// labelFilters collects label.<key>=<value> query parameters.
func labelFilters(q url.Values) map[string]string {
	var labels map[string]string
	for key, vals := range q {
		name, ok := strings.CutPrefix(key, "label.")
		if !ok || name == "" || len(vals) == 0 {
			continue
		}
		if labels == nil {
			labels = make(map[string]string)
		}
		labels[name] = vals[0]
	}
	return labels
}

func (s *Server) querySamples(ctx context.Context, opts tsdb.QueryOptions) ([]types.MetricSample, error) {
	series, err := s.svc.Series.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	samples, err := series.All(ctx)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []types.MetricSample{}
	}
	return samples, nil
}

func (s *Server) handleMetricNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.Series.Names(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleMetricQuery(w http.ResponseWriter, r *http.Request) {
	opts, err := parseSeriesQuery(r, "name")
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples, err := s.querySamples(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{
		Name:       opts.Name,
		Resolution: opts.Resolution,
		From:       opts.From,
		To:         opts.To,
		Samples:    samples,
	})
}

// handleMetricLatest returns the newest sample per label set, optionally
// narrowed by label.<key> filters. Output order is stable.
func (s *Server) handleMetricLatest(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeError(w, errdefs.Invalid("name is required"))
		return
	}
	latest, err := s.svc.Series.LatestAll(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	want := labelFilters(r.URL.Query())
	keys := make([]string, 0, len(latest))
	for key, sample := range latest {
		if matchLabels(sample.Labels, want) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	samples := make([]types.MetricSample, 0, len(keys))
	for _, key := range keys {
		samples = append(samples, latest[key])
	}
	writeJSON(w, http.StatusOK, samples)
}

func matchLabels(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}

type ruleRequest struct {
	Name            string              `json:"name"`
	Metric          string              `json:"metric"`
	Operator        types.AlertOperator `json:"operator"`
	Threshold       float64             `json:"threshold"`
	DurationSeconds int                 `json:"duration_seconds"`
	Labels          map[string]string   `json:"labels"`
	Severity        types.AlertSeverity `json:"severity"`
	Channels        []string            `json:"channels"`
	Enabled         *bool               `json:"enabled"`
}

// rule builds the record. Enabled defaults to true when the field is
// absent, so a bare rule starts evaluating immediately.
func (rr *ruleRequest) rule() *types.AlertRule {
	return &types.AlertRule{
		Name:            rr.Name,
		Metric:          rr.Metric,
		Operator:        rr.Operator,
		Threshold:       rr.Threshold,
		DurationSeconds: rr.DurationSeconds,
		Labels:          rr.Labels,
		Severity:        rr.Severity,
		Channels:        rr.Channels,
		Enabled:         rr.Enabled == nil || *rr.Enabled,
	}
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.svc.Alerts.CreateRule(r.Context(), req.rule())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.Alerts.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*types.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.Alerts.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.svc.Alerts.UpdateRule(r.Context(), chi.URLParam(r, "id"), req.rule())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Alerts.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	severity := types.AlertSeverity(r.URL.Query().Get("severity"))
	switch severity {
	case "", types.SeverityInfo, types.SeverityWarning, types.SeverityCritical:
	default:
		s.writeError(w, errdefs.Invalidf("unknown severity %q", severity))
		return
	}
	status := types.AlertStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.AlertStatusActive, types.AlertStatusAcknowledged, types.AlertStatusResolved:
	default:
		s.writeError(w, errdefs.Invalidf("unknown alert status %q", status))
		return
	}

	alerts, err := s.svc.Alerts.ListAlerts(r.Context(), severity, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*types.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.Alerts.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AcknowledgedBy == "" {
		s.writeError(w, errdefs.Invalid("acknowledged_by is required"))
		return
	}
	alert, err := s.svc.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.AcknowledgedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	alert, err := s.svc.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	status := types.NotificationStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.NotificationPending, types.NotificationSent, types.NotificationFailed:
	default:
		s.writeError(w, errdefs.Invalidf("unknown notification status %q", status))
		return
	}

	all, err := s.svc.Notifications.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*types.Notification, 0, len(all))
	for _, n := range all {
		if status == "" || n.Status == status {
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNotificationGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Notifications.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel types.NotificationChannel `json:"channel"`
		Target  string                    `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.Notifications.SendTest(r.Context(), req.Channel, req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"probe_interval_seconds": int(s.svc.Monitor.Interval().Seconds()),
	})
}

func (s *Server) handleMonitoringInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.Monitor.SetInterval(time.Duration(req.Seconds) * time.Second); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"probe_interval_seconds": int(s.svc.Monitor.Interval().Seconds()),
	})
}
