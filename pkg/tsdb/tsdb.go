package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/log"
	"github.com/cuemby/paddock/pkg/metrics"
	"github.com/cuemby/paddock/pkg/store"
	"github.com/cuemby/paddock/pkg/types"
)

// Resolution selects a bucket granularity
type Resolution string

const (
	Res1m Resolution = "1m"
	Res1h Resolution = "1h"
	Res1d Resolution = "1d"
)

const (
	keyNames  = "metric_names"
	latestTTL = 24 * time.Hour
)

// Bucket returns the time span one bucket covers
func (r Resolution) Bucket() time.Duration {
	switch r {
	case Res1h:
		return time.Hour
	case Res1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Retention returns how long buckets of this resolution live
func (r Resolution) Retention() time.Duration {
	switch r {
	case Res1h:
		return 30 * 24 * time.Hour
	case Res1d:
		return 365 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Valid reports whether r is a known resolution
func (r Resolution) Valid() bool {
	return r == Res1m || r == Res1h || r == Res1d
}

// Store records and queries metric samples
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New creates a time-series store on the given redis client
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:    rdb,
		logger: log.WithComponent("tsdb"),
	}
}

// Record appends a sample to its 1m bucket, refreshes the latest-value hash,
// and opportunistically rolls up the hour or day that just closed. A zero
// timestamp means now.
func (s *Store) Record(ctx context.Context, sample *types.MetricSample) error {
	if sample.Name == "" {
		return errdefs.Invalid("metric name is required")
	}

	ts := sample.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	normalized := *sample
	normalized.Timestamp = ts

	data, err := json.Marshal(&normalized)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	bucket := bucketKey(Res1m, sample.Name, ts.Truncate(time.Minute))

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, bucket, data)
	pipe.Expire(ctx, bucket, Res1m.Retention())
	pipe.HSet(ctx, latestKey(sample.Name), store.LabelKey(sample.Labels), data)
	pipe.Expire(ctx, latestKey(sample.Name), latestTTL)
	pipe.SAdd(ctx, keyNames, sample.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	metrics.SamplesRecorded.Inc()

	// Writers drive rollups: a sample in the first minute of an hour closes
	// the previous hour, the first hour of a day closes the previous day.
	if ts.Minute() == 0 {
		hourStart := ts.Truncate(time.Hour)
		if err := s.rollup(ctx, sample.Name, Res1h, hourStart.Add(-time.Hour)); err != nil {
			s.logger.Error().Err(err).Str("metric", sample.Name).Msg("Hourly rollup failed")
		}
		if ts.Hour() == 0 {
			dayStart := ts.Truncate(24 * time.Hour)
			if err := s.rollup(ctx, sample.Name, Res1d, dayStart.Add(-24*time.Hour)); err != nil {
				s.logger.Error().Err(err).Str("metric", sample.Name).Msg("Daily rollup failed")
			}
		}
	}

	return nil
}

// Latest returns the newest sample for the metric whose labels contain the
// given labels as a subset. Nil labels match any label set.
func (s *Store) Latest(ctx context.Context, name string, labels map[string]string) (*types.MetricSample, error) {
	all, err := s.LatestAll(ctx, name)
	if err != nil {
		return nil, err
	}

	var best *types.MetricSample
	for i := range all {
		sm := all[i]
		if !matchLabels(sm.Labels, labels) {
			continue
		}
		if best == nil || sm.Timestamp.After(best.Timestamp) {
			best = &sm
		}
	}
	if best == nil {
		return nil, errdefs.NotFound("metric", name)
	}
	return best, nil
}

// LatestAll returns the newest sample for every label set of a metric,
// keyed by canonical label key. A metric with no fresh samples yields an
// empty map, not an error.
func (s *Store) LatestAll(ctx context.Context, name string) (map[string]types.MetricSample, error) {
	entries, err := s.rdb.HGetAll(ctx, latestKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest samples: %w", err)
	}

	out := make(map[string]types.MetricSample, len(entries))
	for k, raw := range entries {
		var sm types.MetricSample
		if err := json.Unmarshal([]byte(raw), &sm); err != nil {
			continue
		}
		out[k] = sm
	}
	return out, nil
}

// Names returns all metric names ever recorded, sorted
func (s *Store) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, keyNames).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list metric names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// rollup averages the finer buckets covering [bucketStart, bucketStart+span)
// into one coarser bucket, once. The marker key shares the bucket's TTL so
// concurrent writers and restarts cannot double-roll.
func (s *Store) rollup(ctx context.Context, name string, res Resolution, bucketStart time.Time) error {
	marker := fmt.Sprintf("rollup:%s:%s:%d", res, name, bucketStart.Unix())
	claimed, err := s.rdb.SetNX(ctx, marker, "1", res.Retention()).Result()
	if err != nil {
		return fmt.Errorf("failed to claim rollup marker: %w", err)
	}
	if !claimed {
		return nil
	}

	src, step := Res1m, time.Minute
	if res == Res1d {
		src, step = Res1h, time.Hour
	}

	type agg struct {
		sum    float64
		n      int
		labels map[string]string
	}
	groups := make(map[string]*agg)

	end := bucketStart.Add(res.Bucket())
	for t := bucketStart; t.Before(end); t = t.Add(step) {
		raw, err := s.rdb.LRange(ctx, bucketKey(src, name, t), 0, -1).Result()
		if err != nil {
			s.rdb.Del(ctx, marker) // let a later writer retry
			return fmt.Errorf("failed to read source bucket: %w", err)
		}
		for _, item := range raw {
			var sm types.MetricSample
			if json.Unmarshal([]byte(item), &sm) != nil {
				continue
			}
			k := store.LabelKey(sm.Labels)
			g := groups[k]
			if g == nil {
				g = &agg{labels: sm.Labels}
				groups[k] = g
			}
			g.sum += sm.Value
			g.n++
		}
	}

	if len(groups) == 0 {
		return nil
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	target := bucketKey(res, name, bucketStart)
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		g := groups[k]
		rolled := types.MetricSample{
			Name:      name,
			Labels:    g.labels,
			Value:     g.sum / float64(g.n),
			Timestamp: bucketStart,
		}
		data, err := json.Marshal(&rolled)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, target, data)
	}
	pipe.Expire(ctx, target, res.Retention())
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.Del(ctx, marker)
		return fmt.Errorf("failed to write rollup bucket: %w", err)
	}

	metrics.RollupsTotal.WithLabelValues(string(res)).Inc()
	s.logger.Debug().
		Str("metric", name).
		Str("resolution", string(res)).
		Time("bucket", bucketStart).
		Int("series", len(groups)).
		Msg("Rolled up bucket")

	return nil
}

func bucketKey(res Resolution, name string, bucketStart time.Time) string {
	return fmt.Sprintf("timeseries:%s:%s:%d", res, name, bucketStart.Unix())
}

func latestKey(name string) string {
	return "metric:latest:" + name
}

// matchLabels reports whether have contains every key/value pair in want
func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
