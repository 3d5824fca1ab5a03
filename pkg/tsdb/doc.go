/*
Package tsdb stores metric samples in redis at three resolutions and serves
range queries and latest-value lookups for dashboards and alert evaluation.

# Architecture

	┌──────────────────── TIME-SERIES STORE ─────────────────────┐
	│                                                              │
	│  Record(sample)                                              │
	│    ├─ timeseries:1m:<name>:<minute>   list, 7d TTL           │
	│    ├─ metric:latest:<name>            hash by label set, 24h │
	│    └─ metric_names                    set of known names     │
	│                                                              │
	│  Rollups (opportunistic, on Record)                          │
	│    minute==0 → previous hour's 1m buckets                    │
	│                averaged per label set → 1h bucket, 30d TTL   │
	│    hour==0   → previous day's 1h buckets → 1d bucket, 365d   │
	│    marker keys make each rollup run exactly once             │
	│                                                              │
	│  Query(name, res, window, labels) → Series cursor            │
	│    buckets fetched lazily in time order, label-subset filter │
	└──────────────────────────────────────────────────────────────┘

There is no background compactor: writers drive rollups. A sample whose
timestamp lands in the first minute of an hour rolls the hour that just
ended; the fleet probe cadence guarantees such samples exist. Rollup markers
carry the same TTL as their bucket, so a rollup can never run twice within
the retention window.

Samples inside one bucket keep insertion order, which is arrival order; the
Series cursor therefore yields samples sorted by time as long as producers
record in time order (they do, each producer is a single loop).
*/
package tsdb
