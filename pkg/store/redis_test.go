package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestMachineSnapshotRoundtrip(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	m := &types.Machine{ID: "m-1", Name: "web-1", Status: types.MachineStatusActive}
	require.NoError(t, s.PutMachineSnapshot(ctx, m))

	got, err := s.GetMachineSnapshot(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineStatusActive, got.Status)

	require.NoError(t, s.DeleteMachineSnapshot(ctx, "m-1"))
	_, err = s.GetMachineSnapshot(ctx, "m-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestLatestMetricsTTL(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.PutLatestMetrics(ctx, &types.MachineMetrics{
		MachineID:  "m-1",
		CPUPercent: 42.5,
	}))

	got, err := s.GetLatestMetrics(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.CPUPercent)

	// The latest-sample key carries its own 24h TTL
	mr.FastForward(25 * time.Hour)
	_, err = s.GetLatestMetrics(ctx, "m-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListContainersByMachine(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.PutContainer(ctx, &types.Container{ID: "c-1", MachineID: "m-1", State: types.ContainerStateRunning}))
	require.NoError(t, s.PutContainer(ctx, &types.Container{ID: "c-2", MachineID: "m-2", State: types.ContainerStateExited}))
	require.NoError(t, s.PutContainer(ctx, &types.Container{ID: "c-3", MachineID: "m-1", State: types.ContainerStateRunning}))

	all, err := s.ListContainers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	m1, err := s.ListContainers(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, m1, 2)
	for _, c := range m1 {
		assert.Equal(t, "m-1", c.MachineID)
	}

	counts, err := s.CountContainersByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"running": 2, "exited": 1}, counts)
}

func TestAlertKeyNamespaces(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	// Rules, alerts, and the active index share the "alert" word but
	// different prefixes; listing one kind must not leak the others.
	require.NoError(t, s.PutRule(ctx, &types.AlertRule{ID: "r-1", Name: "high-cpu"}))
	require.NoError(t, s.PutAlert(ctx, &types.Alert{ID: "a-1", RuleID: "r-1", Status: types.AlertStatusActive, Severity: types.SeverityCritical}))
	require.NoError(t, s.SetActiveAlert(ctx, "r-1", "{machine_id=m-1}", "a-1"))

	alerts, err := s.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a-1", alerts[0].ID)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r-1", rules[0].ID)

	id, err := s.GetActiveAlert(ctx, "r-1", "{machine_id=m-1}")
	require.NoError(t, err)
	assert.Equal(t, "a-1", id)

	require.NoError(t, s.ClearActiveAlertsForRule(ctx, "r-1"))
	id, err = s.GetActiveAlert(ctx, "r-1", "{machine_id=m-1}")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCountActiveAlertsBySeverity(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.PutAlert(ctx, &types.Alert{ID: "a-1", Status: types.AlertStatusActive, Severity: types.SeverityCritical}))
	require.NoError(t, s.PutAlert(ctx, &types.Alert{ID: "a-2", Status: types.AlertStatusAcknowledged, Severity: types.SeverityCritical}))
	require.NoError(t, s.PutAlert(ctx, &types.Alert{ID: "a-3", Status: types.AlertStatusResolved, Severity: types.SeverityWarning}))

	counts, err := s.CountActiveAlertsBySeverity(ctx)
	require.NoError(t, err)
	// Resolved alerts drop out, acknowledged ones still count
	assert.Equal(t, map[string]int{"critical": 2}, counts)
}

func TestNotificationQueueFIFO(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		require.NoError(t, s.EnqueueNotification(ctx, id))
	}

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"n-1", "n-2", "n-3"} {
		got, err := s.DequeueNotification(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Empty queue yields empty string, not an error
	got, err := s.DequeueNotification(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrySchedule(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ScheduleRetry(ctx, "n-1", now.Add(5*time.Second)))
	require.NoError(t, s.ScheduleRetry(ctx, "n-2", now.Add(90*time.Second)))

	due, err := s.DueRetries(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueRetries(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"n-1"}, due)

	// Popped entries do not come back
	due, err = s.DueRetries(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueRetries(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"n-2"}, due)
}

func TestNotificationRetention(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.PutNotification(ctx, &types.Notification{
		ID:      "n-1",
		AlertID: "a-1",
		Channel: types.ChannelSlack,
		Status:  types.NotificationSent,
	}))

	_, err := s.GetNotification(ctx, "n-1")
	require.NoError(t, err)

	mr.FastForward(29 * 24 * time.Hour)
	_, err = s.GetNotification(ctx, "n-1")
	require.NoError(t, err)

	mr.FastForward(2 * 24 * time.Hour)
	_, err = s.GetNotification(ctx, "n-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestLabelKey(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{
			name:   "empty",
			labels: nil,
			want:   "{}",
		},
		{
			name:   "single",
			labels: map[string]string{"machine_id": "m-1"},
			want:   "{machine_id=m-1}",
		},
		{
			name:   "sorted regardless of insertion order",
			labels: map[string]string{"b": "2", "a": "1", "c": "3"},
			want:   "{a=1,b=2,c=3}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LabelKey(tt.labels))
		})
	}
}
