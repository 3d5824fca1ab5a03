package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/types"
)

func seedAlert(t *testing.T, h *monitoringHarness) *types.Alert {
	t.Helper()
	now := time.Now().UTC()
	alert := &types.Alert{
		ID:         uuid.NewString(),
		RuleID:     uuid.NewString(),
		RuleName:   "high cpu",
		Metric:     "host_cpu_percent",
		Value:      95,
		Threshold:  90,
		Operator:   types.OperatorGreaterThan,
		Severity:   types.SeverityWarning,
		Labels:     map[string]string{"machine_id": "m1"},
		Status:     types.AlertStatusActive,
		Message:    "host_cpu_percent {machine_id=m1} is 95.00 (threshold gt 90.00)",
		FiredAt:    now,
		LastSeenAt: now,
	}
	require.NoError(t, h.cache.PutAlert(context.Background(), alert))
	return alert
}

func webhookRule(target string) *types.AlertRule {
	rule := cpuRule(90)
	rule.Labels = map[string]string{"webhook_target": target}
	return rule
}

func TestDeliverySucceeds(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{})
	ctx := context.Background()
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := seedAlert(t, h)
	rec, err := h.notifier.Enqueue(ctx, alert, webhookRule(srv.URL), types.ChannelWebhook)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationPending, rec.Status)
	assert.Equal(t, "[WARNING] high cpu", rec.Subject)

	h.notifier.pollInterval = 20 * time.Millisecond
	h.notifier.Start()
	t.Cleanup(h.notifier.Stop)

	require.Eventually(t, func() bool {
		got, err := h.notifier.Get(ctx, rec.ID)
		return err == nil && got.Status == types.NotificationSent
	}, 2*time.Second, 20*time.Millisecond)

	got, err := h.notifier.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.SentAt)
	assert.EqualValues(t, 1, hits.Load())

	awaitEvent(t, sub, events.EventNotificationSent)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{})
	ctx := context.Background()

	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := seedAlert(t, h)
	rec, err := h.notifier.Enqueue(ctx, alert, webhookRule(srv.URL), types.ChannelWebhook)
	require.NoError(t, err)

	h.notifier.pollInterval = 20 * time.Millisecond
	h.notifier.Start()
	t.Cleanup(h.notifier.Stop)

	require.Eventually(t, func() bool {
		got, err := h.notifier.Get(ctx, rec.ID)
		return err == nil && got.Attempts == 1 && got.Status == types.NotificationPending
	}, 2*time.Second, 20*time.Millisecond)

	got, err := h.notifier.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "500")
	assert.Equal(t, time.Second, got.NextAttempt.Sub(got.UpdatedAt), "first retry backs off one second")

	failing.Store(false)

	require.Eventually(t, func() bool {
		got, err := h.notifier.Get(ctx, rec.ID)
		return err == nil && got.Status == types.NotificationSent
	}, 3*time.Second, 20*time.Millisecond)

	got, err = h.notifier.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestDeliveryFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{})
	ctx := context.Background()
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	alert := seedAlert(t, h)
	rec, err := h.notifier.Enqueue(ctx, alert, webhookRule(srv.URL), types.ChannelWebhook)
	require.NoError(t, err)

	// skip ahead to the final allowed attempt
	rec.Attempts = maxAttempts - 1
	require.NoError(t, h.cache.PutNotification(ctx, rec))

	id, err := h.cache.DequeueNotification(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.ID, id)

	h.notifier.deliver(ctx, id)

	got, err := h.notifier.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFailed, got.Status)
	assert.Equal(t, maxAttempts, got.Attempts)
	assert.Contains(t, got.LastError, "500")

	due, err := h.cache.DueRetries(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "an exhausted notification must not be rescheduled")

	awaitEvent(t, sub, events.EventNotificationFailed)
}

func TestDeliverPermanentFailures(t *testing.T) {
	t.Run("vanished alert", func(t *testing.T) {
		h := newHarness(t, config.NotifierConfig{})
		ctx := context.Background()

		ghost := &types.Alert{
			ID:       "ghost",
			RuleName: "high cpu",
			Severity: types.SeverityWarning,
			Message:  "gone",
		}
		rec, err := h.notifier.Enqueue(ctx, ghost, webhookRule("http://127.0.0.1:9/hook"), types.ChannelWebhook)
		require.NoError(t, err)

		id, err := h.cache.DequeueNotification(ctx)
		require.NoError(t, err)
		h.notifier.deliver(ctx, id)

		got, err := h.notifier.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.NotificationFailed, got.Status)
		assert.Equal(t, 1, got.Attempts, "a missing alert is not worth retrying")
		assert.Contains(t, got.LastError, "not found")
	})

	t.Run("misconfigured channel", func(t *testing.T) {
		h := newHarness(t, config.NotifierConfig{}) // no smtp host configured
		ctx := context.Background()

		alert := seedAlert(t, h)
		rule := cpuRule(90)
		rule.Labels = map[string]string{"email_target": "ops@example.com"}
		rec, err := h.notifier.Enqueue(ctx, alert, rule, types.ChannelEmail)
		require.NoError(t, err)

		id, err := h.cache.DequeueNotification(ctx)
		require.NoError(t, err)
		h.notifier.deliver(ctx, id)

		got, err := h.notifier.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.NotificationFailed, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Contains(t, got.LastError, "smtp_host")
	})
}

func TestEnqueueTargetResolution(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{
		Webhook: config.WebhookConfig{URL: "http://default.example/hook"},
	})
	ctx := context.Background()
	alert := seedAlert(t, h)

	// a rule label beats the configured default
	rec, err := h.notifier.Enqueue(ctx, alert, webhookRule("http://label.example/hook"), types.ChannelWebhook)
	require.NoError(t, err)
	assert.Equal(t, "http://label.example/hook", rec.Target)

	// no label falls back to the configured default
	bare := cpuRule(90)
	bare.Labels = nil
	rec, err = h.notifier.Enqueue(ctx, alert, bare, types.ChannelWebhook)
	require.NoError(t, err)
	assert.Equal(t, "http://default.example/hook", rec.Target)

	qlen, err := h.cache.QueueLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, qlen)

	// no label and no default fails the record without queueing it
	rec, err = h.notifier.Enqueue(ctx, alert, bare, types.ChannelSlack)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationFailed, rec.Status)
	assert.Equal(t, "no target configured", rec.LastError)

	qlen, err = h.cache.QueueLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, qlen)

	_, err = h.notifier.Enqueue(ctx, alert, bare, "pager")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 30 * time.Second},
		{4, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffFor(tc.attempts), "attempt %d", tc.attempts)
	}
}

func TestSendTest(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{})
	ctx := context.Background()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, h.notifier.SendTest(ctx, types.ChannelWebhook, srv.URL))
	assert.EqualValues(t, 1, hits.Load())

	// test sends leave no record behind
	notifs, err := h.notifier.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, notifs)

	err = h.notifier.SendTest(ctx, types.ChannelWebhook, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))

	err = h.notifier.SendTest(ctx, "pager", "anywhere")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidArgument))
}

func TestDeliverSkipsAlreadySent(t *testing.T) {
	h := newHarness(t, config.NotifierConfig{})
	ctx := context.Background()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := seedAlert(t, h)
	rec, err := h.notifier.Enqueue(ctx, alert, webhookRule(srv.URL), types.ChannelWebhook)
	require.NoError(t, err)

	// a crash between send and dequeue leaves a sent record in the queue
	rec.Status = types.NotificationSent
	require.NoError(t, h.cache.PutNotification(ctx, rec))

	id, err := h.cache.DequeueNotification(ctx)
	require.NoError(t, err)
	h.notifier.deliver(ctx, id)

	got, err := h.notifier.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NotificationSent, got.Status)
	assert.Equal(t, 0, got.Attempts, "a sent notification must not be retried")
	assert.EqualValues(t, 0, hits.Load())
}
