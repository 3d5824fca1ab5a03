package tsdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// QueryOptions selects a metric window. Zero To means now, zero From means
// one hour before To. Labels filter by subset match.
type QueryOptions struct {
	Name       string
	Resolution Resolution
	From       time.Time
	To         time.Time
	Labels     map[string]string
	Limit      int // 0 is unlimited
}

// Series iterates samples in time order, fetching buckets lazily so a long
// window does not load everything up front.
type Series struct {
	store *Store
	opts  QueryOptions

	cursor time.Time // next bucket to fetch
	end    time.Time
	buf    []types.MetricSample
	idx    int
	count  int
	err    error
}

// Query validates the options and returns a lazy cursor over the window
func (s *Store) Query(ctx context.Context, opts QueryOptions) (*Series, error) {
	if opts.Name == "" {
		return nil, errdefs.Invalid("metric name is required")
	}
	if opts.Resolution == "" {
		opts.Resolution = Res1m
	}
	if !opts.Resolution.Valid() {
		return nil, errdefs.Invalidf("unknown resolution %q", opts.Resolution)
	}
	if opts.To.IsZero() {
		opts.To = time.Now().UTC()
	}
	if opts.From.IsZero() {
		opts.From = opts.To.Add(-time.Hour)
	}
	opts.From, opts.To = opts.From.UTC(), opts.To.UTC()
	if !opts.From.Before(opts.To) {
		return nil, errdefs.Invalid("query window start must precede its end")
	}

	return &Series{
		store:  s,
		opts:   opts,
		cursor: opts.From.Truncate(opts.Resolution.Bucket()),
		end:    opts.To,
	}, nil
}

// Next advances to the next matching sample. It returns false at the end of
// the window, at the limit, or on error; check Err afterwards.
func (it *Series) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		if it.opts.Limit > 0 && it.count >= it.opts.Limit {
			return false
		}
		if it.idx < len(it.buf) {
			it.idx++
			it.count++
			return true
		}

		if !it.cursor.Before(it.end) {
			return false
		}

		raw, err := it.store.rdb.LRange(ctx, bucketKey(it.opts.Resolution, it.opts.Name, it.cursor), 0, -1).Result()
		if err != nil {
			it.err = err
			return false
		}
		it.cursor = it.cursor.Add(it.opts.Resolution.Bucket())

		it.buf = it.buf[:0]
		for _, item := range raw {
			var sm types.MetricSample
			if json.Unmarshal([]byte(item), &sm) != nil {
				continue
			}
			if sm.Timestamp.Before(it.opts.From) || sm.Timestamp.After(it.opts.To) {
				continue
			}
			if !matchLabels(sm.Labels, it.opts.Labels) {
				continue
			}
			it.buf = append(it.buf, sm)
		}
		it.idx = 0
	}
}

// Sample returns the sample Next advanced to
func (it *Series) Sample() *types.MetricSample {
	return &it.buf[it.idx-1]
}

// Err returns the first error the cursor hit, if any
func (it *Series) Err() error {
	return it.err
}

// All drains the cursor into a slice
func (it *Series) All(ctx context.Context) ([]types.MetricSample, error) {
	var out []types.MetricSample
	for it.Next(ctx) {
		out = append(out, *it.Sample())
	}
	return out, it.Err()
}
