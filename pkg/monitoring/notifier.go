package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/events"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/types"
)

const (
	// maxAttempts caps deliveries per notification before it is marked failed
	maxAttempts = 10
	// deliverTimeout bounds one delivery attempt end to end
	deliverTimeout = 30 * time.Second
	// lateBackoff is the retry delay once the backoff table is exhausted
	lateBackoff = 5 * time.Minute
)

// retryBackoff holds the delay before retry n+1 after attempt n failed
var retryBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Notifier owns the delivery pipeline: a single worker pops pending
// notifications, dispatches them through channel senders, and parks
// failures in the retry set until their next attempt is due.
type Notifier struct {
	cache        *store.RedisStore
	cfg          config.NotifierConfig
	broker       *events.Broker
	senders      map[types.NotificationChannel]Sender
	pollInterval time.Duration
	logger       zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewNotifier wires the delivery worker and its channel senders
func NewNotifier(cache *store.RedisStore, cfg config.NotifierConfig, broker *events.Broker) *Notifier {
	return &Notifier{
		cache:  cache,
		cfg:    cfg,
		broker: broker,
		senders: map[types.NotificationChannel]Sender{
			types.ChannelEmail:   &EmailSender{cfg: cfg.Email},
			types.ChannelSlack:   &SlackSender{},
			types.ChannelWebhook: NewWebhookSender(cfg.Webhook.Timeout()),
		},
		pollInterval: time.Second,
		logger:       log.WithComponent("notifier"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the delivery worker
func (n *Notifier) Start() {
	n.logger.Info().Msg("Notifier started")
	go n.run()
}

// Stop halts the worker and waits for the delivery in progress
func (n *Notifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
	n.logger.Info().Msg("Notifier stopped")
}

func (n *Notifier) run() {
	defer close(n.doneCh)

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.promoteDue()
			n.drain()
		}
	}
}

// promoteDue moves notifications whose retry time has passed back onto the
// delivery queue.
func (n *Notifier) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	due, err := n.cache.DueRetries(ctx, time.Now().UTC())
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to read retry set")
		return
	}
	for _, id := range due {
		if err := n.cache.EnqueueNotification(ctx, id); err != nil {
			n.logger.Error().Err(err).Str("notification_id", id).Msg("Failed to requeue notification")
		}
	}
}

// drain delivers queued notifications one at a time until the queue is empty
func (n *Notifier) drain() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		id, err := n.cache.DequeueNotification(ctx)
		if err != nil {
			cancel()
			n.logger.Error().Err(err).Msg("Failed to dequeue notification")
			return
		}
		if id == "" {
			cancel()
			return
		}
		n.deliver(ctx, id)
		cancel()
	}
}

// deliver runs one attempt and records the outcome
func (n *Notifier) deliver(ctx context.Context, id string) {
	rec, err := n.cache.GetNotification(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			n.logger.Debug().Str("notification_id", id).Msg("Queued notification record expired")
		} else {
			n.logger.Error().Err(err).Str("notification_id", id).Msg("Failed to load notification")
		}
		return
	}
	if rec.Status == types.NotificationSent {
		return // duplicate queue entry after a crash
	}

	sendErr := func() error {
		alert, err := n.cache.GetAlert(ctx, rec.AlertID)
		if err != nil {
			return err
		}
		sender := n.senders[rec.Channel]
		if sender == nil {
			return errdefs.Invalidf("no sender for channel %q", rec.Channel)
		}
		return sender.Send(ctx, alert, rec)
	}()

	now := time.Now().UTC()
	rec.Attempts++
	rec.UpdatedAt = now

	if sendErr == nil {
		rec.Status = types.NotificationSent
		rec.SentAt = &now
		rec.LastError = ""
		if err := n.cache.PutNotification(ctx, rec); err != nil {
			n.logger.Error().Err(err).Str("notification_id", rec.ID).Msg("Failed to record delivery")
		}
		metrics.NotificationsTotal.WithLabelValues(string(rec.Channel), "sent").Inc()
		n.broker.Publish(events.New(events.EventNotificationSent,
			fmt.Sprintf("notification delivered via %s", rec.Channel),
			map[string]string{"notification_id": rec.ID, "alert_id": rec.AlertID, "channel": string(rec.Channel)}))
		n.logger.Info().
			Str("notification_id", rec.ID).
			Str("channel", string(rec.Channel)).
			Int("attempts", rec.Attempts).
			Msg("Notification delivered")
		return
	}

	rec.LastError = sendErr.Error()

	// A vanished alert or a misconfigured channel cannot succeed later
	permanent := errdefs.IsNotFound(sendErr) || errdefs.IsCode(sendErr, errdefs.CodeInvalidArgument)
	if permanent || rec.Attempts >= maxAttempts {
		rec.Status = types.NotificationFailed
		if err := n.cache.PutNotification(ctx, rec); err != nil {
			n.logger.Error().Err(err).Str("notification_id", rec.ID).Msg("Failed to record delivery failure")
		}
		metrics.NotificationsTotal.WithLabelValues(string(rec.Channel), "failed").Inc()
		n.broker.Publish(events.New(events.EventNotificationFailed,
			fmt.Sprintf("notification via %s failed: %s", rec.Channel, rec.LastError),
			map[string]string{"notification_id": rec.ID, "alert_id": rec.AlertID, "channel": string(rec.Channel)}))
		n.logger.Error().
			Err(sendErr).
			Str("notification_id", rec.ID).
			Str("channel", string(rec.Channel)).
			Int("attempts", rec.Attempts).
			Msg("Notification failed permanently")
		return
	}

	delay := backoffFor(rec.Attempts)
	rec.NextAttempt = now.Add(delay)
	if err := n.cache.PutNotification(ctx, rec); err != nil {
		n.logger.Error().Err(err).Str("notification_id", rec.ID).Msg("Failed to record retry state")
	}
	if err := n.cache.ScheduleRetry(ctx, rec.ID, rec.NextAttempt); err != nil {
		n.logger.Error().Err(err).Str("notification_id", rec.ID).Msg("Failed to schedule retry")
	}
	metrics.NotificationsTotal.WithLabelValues(string(rec.Channel), "retry").Inc()
	n.logger.Warn().
		Err(sendErr).
		Str("notification_id", rec.ID).
		Int("attempts", rec.Attempts).
		Dur("retry_in", delay).
		Msg("Delivery failed, retry scheduled")
}

// backoffFor returns the delay after the given number of failed attempts
func backoffFor(attempts int) time.Duration {
	if attempts >= 1 && attempts <= len(retryBackoff) {
		return retryBackoff[attempts-1]
	}
	return lateBackoff
}

// Enqueue creates a delivery for alert on channel and queues it. The target
// comes from the rule's "<channel>_target" label, then the configured
// channel default; with neither the record is marked failed right away.
func (n *Notifier) Enqueue(ctx context.Context, alert *types.Alert, rule *types.AlertRule, channel types.NotificationChannel) (*types.Notification, error) {
	if !knownChannel(channel) {
		return nil, errdefs.Invalidf("unknown notification channel %q", channel)
	}

	target := rule.Labels[string(channel)+"_target"]
	if target == "" {
		target = n.defaultTarget(channel)
	}

	now := time.Now().UTC()
	rec := &types.Notification{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		Channel:   channel,
		Target:    target,
		Subject:   fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.RuleName),
		Body:      alert.Message,
		Status:    types.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if target == "" {
		rec.Status = types.NotificationFailed
		rec.LastError = "no target configured"
		if err := n.cache.PutNotification(ctx, rec); err != nil {
			return nil, err
		}
		metrics.NotificationsTotal.WithLabelValues(string(channel), "failed").Inc()
		n.logger.Error().Str("alert_id", alert.ID).Str("channel", string(channel)).Msg("Notification has no target")
		return rec, nil
	}

	if err := n.cache.PutNotification(ctx, rec); err != nil {
		return nil, err
	}
	if err := n.cache.EnqueueNotification(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// defaultTarget is the channel-wide fallback from configuration
func (n *Notifier) defaultTarget(channel types.NotificationChannel) string {
	switch channel {
	case types.ChannelEmail:
		return n.cfg.Email.To
	case types.ChannelSlack:
		return n.cfg.Slack.WebhookURL
	case types.ChannelWebhook:
		return n.cfg.Webhook.URL
	default:
		return ""
	}
}

// SendTest dispatches a synthetic notification synchronously so an operator
// can verify channel configuration. Nothing is persisted.
func (n *Notifier) SendTest(ctx context.Context, channel types.NotificationChannel, target string) error {
	if !knownChannel(channel) {
		return errdefs.Invalidf("unknown notification channel %q", channel)
	}
	if target == "" {
		target = n.defaultTarget(channel)
	}
	if target == "" {
		return errdefs.Invalidf("channel %s has no target configured", channel)
	}

	now := time.Now().UTC()
	alert := &types.Alert{
		ID:         uuid.NewString(),
		RuleName:   "test",
		Metric:     "test",
		Severity:   types.SeverityInfo,
		Status:     types.AlertStatusActive,
		Message:    "This is a test notification.",
		FiredAt:    now,
		LastSeenAt: now,
	}
	rec := &types.Notification{
		ID:      uuid.NewString(),
		AlertID: alert.ID,
		Channel: channel,
		Target:  target,
		Subject: "[TEST] paddock notification",
		Body:    alert.Message,
	}
	return n.senders[channel].Send(ctx, alert, rec)
}

// Get returns one retained notification record
func (n *Notifier) Get(ctx context.Context, id string) (*types.Notification, error) {
	return n.cache.GetNotification(ctx, id)
}

// List returns retained notification records, newest first
func (n *Notifier) List(ctx context.Context) ([]*types.Notification, error) {
	records, err := n.cache.ListNotifications(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}
