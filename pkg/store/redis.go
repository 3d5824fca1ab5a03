package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// Key layout. Runtime state lives in redis next to the time-series buckets;
// postgres stays the source of truth for machines and deployment configs.
const (
	keyMachinePrefix      = "machine:"
	keyLatestPrefix       = "metric:"
	keyContainerPrefix    = "container:"
	keyDeploymentPrefix   = "compose_deployment:"
	keyRulePrefix         = "alert_rule:"
	keyAlertPrefix        = "alert:"
	keyActiveAlertPrefix  = "alert_active:"
	keyNotificationPrefix = "notification:"
	keyNotificationQueue  = "alert_notifications"
	keyNotificationRetry  = "alert_notifications_retry"

	ttlLatestMetrics = 24 * time.Hour
	ttlNotification  = 30 * 24 * time.Hour
)

// RedisStore holds runtime state: machine snapshots, latest probe metrics,
// container records, deployment mirrors, rules, alerts, and the
// notification queues.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a redis client
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Ping verifies the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key, kind, id string, dest any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return errdefs.NotFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return json.Unmarshal(data, dest)
}

// scanKeys walks all keys matching the pattern
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// listJSON fetches every key matching the pattern and unmarshals each value
// through the supplied decode func.
func (s *RedisStore) listJSON(ctx context.Context, pattern string, decode func([]byte) error) error {
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch %s values: %w", pattern, err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired between scan and fetch
		}
		if err := decode([]byte(str)); err != nil {
			return err
		}
	}
	return nil
}

// Machine snapshots

// PutMachineSnapshot mirrors a machine's runtime view for cheap reads
func (s *RedisStore) PutMachineSnapshot(ctx context.Context, m *types.Machine) error {
	return s.putJSON(ctx, keyMachinePrefix+m.ID, m, 0)
}

// GetMachineSnapshot reads the mirrored machine state
func (s *RedisStore) GetMachineSnapshot(ctx context.Context, id string) (*types.Machine, error) {
	var m types.Machine
	if err := s.getJSON(ctx, keyMachinePrefix+id, "machine", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMachineSnapshot drops the mirror and the latest metrics entry
func (s *RedisStore) DeleteMachineSnapshot(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keyMachinePrefix+id, keyLatestPrefix+id).Err()
}

// Latest probe metrics

// PutLatestMetrics stores the last probe result with a 24h TTL
func (s *RedisStore) PutLatestMetrics(ctx context.Context, m *types.MachineMetrics) error {
	return s.putJSON(ctx, keyLatestPrefix+m.MachineID, m, ttlLatestMetrics)
}

// GetLatestMetrics reads the last probe result
func (s *RedisStore) GetLatestMetrics(ctx context.Context, machineID string) (*types.MachineMetrics, error) {
	var m types.MachineMetrics
	if err := s.getJSON(ctx, keyLatestPrefix+machineID, "metrics for machine", machineID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Containers

// PutContainer stores a container record
func (s *RedisStore) PutContainer(ctx context.Context, c *types.Container) error {
	return s.putJSON(ctx, keyContainerPrefix+c.ID, c, 0)
}

// GetContainer reads a container record
func (s *RedisStore) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	var c types.Container
	if err := s.getJSON(ctx, keyContainerPrefix+id, "container", id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContainer drops a container record
func (s *RedisStore) DeleteContainer(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keyContainerPrefix+id).Err()
}

// ListContainers returns all container records, optionally filtered by
// machine
func (s *RedisStore) ListContainers(ctx context.Context, machineID string) ([]*types.Container, error) {
	var out []*types.Container
	err := s.listJSON(ctx, keyContainerPrefix+"*", func(data []byte) error {
		var c types.Container
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if machineID == "" || c.MachineID == machineID {
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

// CountContainersByState aggregates container records for instrumentation
func (s *RedisStore) CountContainersByState(ctx context.Context) (map[string]int, error) {
	containers, err := s.ListContainers(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, c := range containers {
		counts[string(c.State)]++
	}
	return counts, nil
}

// Deployment runtime mirrors

// PutDeploymentState mirrors a deployment's runtime view
func (s *RedisStore) PutDeploymentState(ctx context.Context, d *types.Deployment) error {
	return s.putJSON(ctx, keyDeploymentPrefix+d.ID, d, 0)
}

// GetDeploymentState reads the mirrored deployment state
func (s *RedisStore) GetDeploymentState(ctx context.Context, id string) (*types.Deployment, error) {
	var d types.Deployment
	if err := s.getJSON(ctx, keyDeploymentPrefix+id, "deployment", id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDeploymentState drops the mirror
func (s *RedisStore) DeleteDeploymentState(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keyDeploymentPrefix+id).Err()
}

// Alert rules

// PutRule stores an alert rule
func (s *RedisStore) PutRule(ctx context.Context, r *types.AlertRule) error {
	return s.putJSON(ctx, keyRulePrefix+r.ID, r, 0)
}

// GetRule reads an alert rule
func (s *RedisStore) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	var r types.AlertRule
	if err := s.getJSON(ctx, keyRulePrefix+id, "alert rule", id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRule drops an alert rule
func (s *RedisStore) DeleteRule(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keyRulePrefix+id).Err()
}

// ListRules returns all alert rules
func (s *RedisStore) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	var out []*types.AlertRule
	err := s.listJSON(ctx, keyRulePrefix+"*", func(data []byte) error {
		var r types.AlertRule
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// Alerts

// PutAlert stores an alert
func (s *RedisStore) PutAlert(ctx context.Context, a *types.Alert) error {
	return s.putJSON(ctx, keyAlertPrefix+a.ID, a, 0)
}

// GetAlert reads an alert
func (s *RedisStore) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var a types.Alert
	if err := s.getJSON(ctx, keyAlertPrefix+id, "alert", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlerts returns all alerts. The "alert:*" pattern cannot collide with
// alert_rule or alert_active keys, those use underscore prefixes.
func (s *RedisStore) ListAlerts(ctx context.Context) ([]*types.Alert, error) {
	var out []*types.Alert
	err := s.listJSON(ctx, keyAlertPrefix+"*", func(data []byte) error {
		var a types.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

// CountActiveAlertsBySeverity aggregates non-resolved alerts for
// instrumentation
func (s *RedisStore) CountActiveAlertsBySeverity(ctx context.Context) (map[string]int, error) {
	alerts, err := s.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, a := range alerts {
		if a.Status != types.AlertStatusResolved {
			counts[string(a.Severity)]++
		}
	}
	return counts, nil
}

// Active alert index, one entry per (rule, label set)

// ActiveAlertKey builds the dedup index key for a rule and label set
func ActiveAlertKey(ruleID, labelKey string) string {
	return keyActiveAlertPrefix + ruleID + ":" + labelKey
}

// SetActiveAlert records the alert currently firing for (rule, label set)
func (s *RedisStore) SetActiveAlert(ctx context.Context, ruleID, labelKey, alertID string) error {
	return s.rdb.Set(ctx, ActiveAlertKey(ruleID, labelKey), alertID, 0).Err()
}

// GetActiveAlert returns the firing alert ID for (rule, label set), empty
// when none
func (s *RedisStore) GetActiveAlert(ctx context.Context, ruleID, labelKey string) (string, error) {
	id, err := s.rdb.Get(ctx, ActiveAlertKey(ruleID, labelKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active alert index: %w", err)
	}
	return id, nil
}

// ClearActiveAlert removes the dedup entry, called on resolve
func (s *RedisStore) ClearActiveAlert(ctx context.Context, ruleID, labelKey string) error {
	return s.rdb.Del(ctx, ActiveAlertKey(ruleID, labelKey)).Err()
}

// ClearActiveAlertsForRule removes every dedup entry of a rule, called on
// rule deletion
func (s *RedisStore) ClearActiveAlertsForRule(ctx context.Context, ruleID string) error {
	keys, err := s.scanKeys(ctx, keyActiveAlertPrefix+ruleID+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Notifications

// PutNotification stores a notification record with 30d retention
func (s *RedisStore) PutNotification(ctx context.Context, n *types.Notification) error {
	return s.putJSON(ctx, keyNotificationPrefix+n.ID, n, ttlNotification)
}

// GetNotification reads a notification record
func (s *RedisStore) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	var n types.Notification
	if err := s.getJSON(ctx, keyNotificationPrefix+id, "notification", id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNotifications returns all retained notification records
func (s *RedisStore) ListNotifications(ctx context.Context) ([]*types.Notification, error) {
	var out []*types.Notification
	err := s.listJSON(ctx, keyNotificationPrefix+"*", func(data []byte) error {
		var n types.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		out = append(out, &n)
		return nil
	})
	return out, err
}

// Delivery queue. The main queue is a FIFO list of notification IDs; the
// retry set is a zset scored by the unix time of the next attempt.

// EnqueueNotification appends to the delivery queue
func (s *RedisStore) EnqueueNotification(ctx context.Context, id string) error {
	return s.rdb.RPush(ctx, keyNotificationQueue, id).Err()
}

// DequeueNotification pops the next pending delivery, empty when the queue
// is idle
func (s *RedisStore) DequeueNotification(ctx context.Context) (string, error) {
	id, err := s.rdb.LPop(ctx, keyNotificationQueue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue notification: %w", err)
	}
	return id, nil
}

// QueueLength reports the number of pending deliveries
func (s *RedisStore) QueueLength(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, keyNotificationQueue).Result()
}

// ScheduleRetry parks a notification until its next attempt time
func (s *RedisStore) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	return s.rdb.ZAdd(ctx, keyNotificationRetry, redis.Z{
		Score:  float64(at.Unix()),
		Member: id,
	}).Err()
}

// DueRetries pops every parked notification whose attempt time has passed
func (s *RedisStore) DueRetries(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keyNotificationRetry, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.rdb.ZRem(ctx, keyNotificationRetry, members...).Err(); err != nil {
		return nil, fmt.Errorf("failed to clear retry set: %w", err)
	}
	return ids, nil
}

// LabelKey renders a label set into its canonical sorted form, used for
// dedup keys. Empty labels render as "{}".
func LabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
