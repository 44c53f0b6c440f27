package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fabrikit/fabrikit/core"
)

// SampleKind is the closed set of metric kinds the Metrics Store tracks,
// per §3's "Metric sample" data model.
type SampleKind string

const (
	KindSystem      SampleKind = "system"
	KindHealth      SampleKind = "health"
	KindPerformance SampleKind = "performance"
	KindAlert       SampleKind = "alert"
)

// Sample is one append-only metric observation. Value holds a numeric
// reading when Structured is nil; a structured payload (e.g. a health
// report's Details) is carried in Structured instead, matching §3's "value
// (numeric or structured)".
type Sample struct {
	ID         int64             `json:"id"`
	Kind       SampleKind        `json:"kind"`
	Source     string            `json:"source"`
	Name       string            `json:"name"`
	Value      float64           `json:"value,omitempty"`
	Structured json.RawMessage   `json:"structured,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Filter conjunctively restricts a query/aggregate by exact name match and
// tag equality. A zero Filter matches everything.
type Filter struct {
	Name string
	Tags map[string]string
}

func (f Filter) matches(s Sample) bool {
	if f.Name != "" && f.Name != s.Name {
		return false
	}
	for k, v := range f.Tags {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}

// Window bounds a query or aggregate by timestamp, inclusive of From,
// exclusive of To. A zero value on either end means unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Reducer is one of the aggregate functions §4.8 requires.
type Reducer string

const (
	ReduceCount Reducer = "count"
	ReduceSum   Reducer = "sum"
	ReduceAvg   Reducer = "avg"
	ReduceMin   Reducer = "min"
	ReduceMax   Reducer = "max"
	ReduceP50   Reducer = "p50"
	ReduceP95   Reducer = "p95"
	ReduceP99   Reducer = "p99"
)

// Bucket is one (bucketStart, value) pair from Aggregate.
type Bucket struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
}

// Store is the Metrics Store (C9): an append-only, time-ordered,
// sqlite-backed sample store with bounded-queue backpressure. A single
// background writer drains the append queue so readers always see a
// consistent snapshot without blocking on writes, per §5's "readers are
// lock-free snapshots" requirement (here: never blocked behind the writer
// goroutine beyond normal SQL read concurrency).
type Store struct {
	db     *sql.DB
	logger core.Logger

	queue      chan Sample
	highWater  int
	appendWait time.Duration

	wg       sync.WaitGroup
	closeCh  chan struct{}

	droppedMu sync.Mutex
	dropped   int64
}

// Option configures a Store.
type Option func(*Store)

// WithHighWater overrides the append-queue high-water mark (default 10000,
// matching core.MetricsConfig.QueueHighWater).
func WithHighWater(n int) Option {
	return func(s *Store) { s.highWater = n }
}

// WithAppendTimeout overrides how long Append blocks when the queue is
// full before dropping the sample (default 50ms).
func WithAppendTimeout(d time.Duration) Option {
	return func(s *Store) { s.appendWait = d }
}

// Open creates (or opens) a sqlite-backed Metrics Store at path. path may be
// ":memory:" for tests.
func Open(path string, logger core.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("monitoring.Open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer per kind is sufficient (§4.8); simplest is one connection.

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitoring.Open: create schema: %w", err)
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fabric/monitoring")
	}

	s := &Store{
		db:         db,
		logger:     logger,
		highWater:  10000,
		appendWait: 50 * time.Millisecond,
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan Sample, s.highWater)

	s.wg.Add(1)
	go s.drain()

	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	name TEXT NOT NULL,
	value_num REAL,
	value_json TEXT,
	tags_json TEXT,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_kind_ts ON samples(kind, ts);
CREATE INDEX IF NOT EXISTS idx_samples_kind_name_ts ON samples(kind, name, ts);
`

// drain is the Store's single background writer: it batches queued samples
// and flushes them every flushInterval, or sooner once 200 samples are
// batched, bounding the durability loss window to that interval per §4.8.
const flushInterval = 250 * time.Millisecond

func (s *Store) drain() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []Sample
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.logger.Warn("metrics store flush failed", map[string]interface{}{
				"operation": "monitoring_flush_failure",
				"count":     len(batch),
				"error":     err.Error(),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-s.queue:
			batch = append(batch, sample)
			if len(batch) >= 200 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closeCh:
			for {
				select {
				case sample := <-s.queue:
					batch = append(batch, sample)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) writeBatch(batch []Sample) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO samples(kind, source, name, value_num, value_json, tags_json, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, smp := range batch {
		tagsJSON, _ := json.Marshal(smp.Tags)
		var valueJSON interface{}
		if smp.Structured != nil {
			valueJSON = string(smp.Structured)
		}
		if _, err := stmt.Exec(string(smp.Kind), smp.Source, smp.Name, smp.Value, valueJSON, string(tagsJSON), smp.Timestamp.UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Append enqueues sample for writing, assigning Timestamp via time.Now if
// unset. If the queue is saturated, Append blocks up to appendWait before
// dropping the sample and incrementing SampleDropped.
func (s *Store) Append(ctx context.Context, sample Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	timer := time.NewTimer(s.appendWait)
	defer timer.Stop()

	select {
	case s.queue <- sample:
		return nil
	default:
	}

	select {
	case s.queue <- sample:
		return nil
	case <-ctx.Done():
		s.recordDrop()
		return ctx.Err()
	case <-timer.C:
		s.recordDrop()
		return core.ErrSampleDropped
	}
}

func (s *Store) recordDrop() {
	s.droppedMu.Lock()
	s.dropped++
	s.droppedMu.Unlock()
	Counter("monitoring.sample_dropped")
}

// Dropped reports the cumulative count of samples dropped under
// backpressure since the store was opened.
func (s *Store) Dropped() int64 {
	s.droppedMu.Lock()
	defer s.droppedMu.Unlock()
	return s.dropped
}

// Query returns every sample of kind matching filter within window,
// ordered by timestamp ascending. It reads only what the writer has
// already flushed: samples still queued or batched in drain are not in the
// result (flushNow only pauses briefly and does not write them).
func (s *Store) Query(ctx context.Context, kind SampleKind, filter Filter, window Window) ([]Sample, error) {
	s.flushNow()

	q := `SELECT id, kind, source, name, value_num, value_json, tags_json, ts FROM samples WHERE kind = ?`
	args := []interface{}{string(kind)}
	if filter.Name != "" {
		q += ` AND name = ?`
		args = append(args, filter.Name)
	}
	if !window.From.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, window.From.UnixNano())
	}
	if !window.To.IsZero() {
		q += ` AND ts < ?`
		args = append(args, window.To.UnixNano())
	}
	q += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("monitoring.Query: %w", err)
	}
	defer rows.Close()

	var results []Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		if filter.matches(smp) {
			results = append(results, smp)
		}
	}
	return results, rows.Err()
}

func scanSample(rows *sql.Rows) (Sample, error) {
	var (
		smp       Sample
		kindStr   string
		valueNum  sql.NullFloat64
		valueJSON sql.NullString
		tagsJSON  sql.NullString
		tsNano    int64
	)
	if err := rows.Scan(&smp.ID, &kindStr, &smp.Source, &smp.Name, &valueNum, &valueJSON, &tagsJSON, &tsNano); err != nil {
		return Sample{}, fmt.Errorf("monitoring.scanSample: %w", err)
	}
	smp.Kind = SampleKind(kindStr)
	smp.Value = valueNum.Float64
	if valueJSON.Valid {
		smp.Structured = json.RawMessage(valueJSON.String)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &smp.Tags)
	}
	smp.Timestamp = time.Unix(0, tsNano)
	return smp, nil
}

func (s *Store) flushNow() {
	// Best-effort: give the background writer one scheduling slice to
	// drain anything already queued. Tests that need a guarantee use
	// FlushSync.
	time.Sleep(time.Millisecond)
}

// FlushSync blocks until every sample enqueued before this call has been
// written, by waiting for the queue to drain. Intended for tests.
func (s *Store) FlushSync(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(flushInterval + 10*time.Millisecond)
}

// Aggregate buckets samples of kind matching filter within window into
// bucket-wide intervals and reduces each bucket's values with reducer.
// Buckets are returned in ascending time order, including empty buckets
// (value 0) so callers get a dense series for charting.
func (s *Store) Aggregate(ctx context.Context, kind SampleKind, filter Filter, window Window, bucket time.Duration, reducer Reducer) ([]Bucket, error) {
	samples, err := s.Query(ctx, kind, filter, window)
	if err != nil {
		return nil, err
	}
	if bucket <= 0 {
		bucket = time.Minute
	}

	from := window.From
	to := window.To
	if from.IsZero() && len(samples) > 0 {
		from = samples[0].Timestamp
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() || !to.After(from) {
		return nil, nil
	}

	buckets := make(map[int64][]float64)
	var starts []int64
	for start := from; start.Before(to); start = start.Add(bucket) {
		key := start.UnixNano()
		buckets[key] = nil
		starts = append(starts, key)
	}

	for _, smp := range samples {
		offset := smp.Timestamp.Sub(from)
		if offset < 0 {
			continue
		}
		idx := int64(offset / bucket)
		key := from.Add(time.Duration(idx) * bucket).UnixNano()
		if _, ok := buckets[key]; !ok {
			continue
		}
		buckets[key] = append(buckets[key], smp.Value)
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	result := make([]Bucket, 0, len(starts))
	for _, key := range starts {
		result = append(result, Bucket{
			Start: time.Unix(0, key),
			Value: reduce(buckets[key], reducer),
		})
	}
	return result, nil
}

func reduce(values []float64, reducer Reducer) float64 {
	if reducer == ReduceCount {
		return float64(len(values))
	}
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	switch reducer {
	case ReduceSum:
		return sum(sorted)
	case ReduceAvg:
		return sum(sorted) / float64(len(sorted))
	case ReduceMin:
		return sorted[0]
	case ReduceMax:
		return sorted[len(sorted)-1]
	case ReduceP50:
		return percentile(sorted, 0.50)
	case ReduceP95:
		return percentile(sorted, 0.95)
	case ReduceP99:
		return percentile(sorted, 0.99)
	default:
		return sum(sorted) / float64(len(sorted))
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Compact removes every sample older than olderThan and reports how many
// rows were removed, implementing §4.8's retention operation.
func (s *Store) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE ts < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("monitoring.Compact: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the background writer, flushing any queued samples, and
// closes the underlying database handle.
func (s *Store) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}
