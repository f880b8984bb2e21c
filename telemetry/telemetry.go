// Package telemetry records engine datapoints into a SQLite timeseries.
//
// The recorder writes to its own database, never the document file — save
// and replay must not contend with their own instrumentation. All
// persistence is async and non-blocking: buffer overflow silently drops
// datapoints rather than applying backpressure to the editor.
//
// Every engine component accepts a nil *Recorder; all methods are no-ops on
// nil, so telemetry stays a deployment decision rather than a constructor
// requirement.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine metric names.
const (
	MSaveDurationMs   = "save_duration_ms"
	MSaveEventCount   = "save_event_count"
	MSnapshotCreated  = "snapshot_created"
	MSnapshotRatio    = "snapshot_ratio"
	MReplayDurationMs = "replay_duration_ms"
	MReplayEvents     = "replay_events"
	MCacheHit         = "cache_hit"
	MCacheMiss        = "cache_miss"
)

// Schema for the history_metrics table. Applied by Init.
const Schema = `
CREATE TABLE IF NOT EXISTS history_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	doc_id TEXT NOT NULL DEFAULT '',
	value REAL NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_metrics_name_ts ON history_metrics(name, timestamp);
`

// Point is a single timeseries datapoint.
type Point struct {
	Name      string
	DocID     string
	Value     float64
	Timestamp int64 // unix microseconds
}

// Recorder buffers datapoints and flushes them to SQLite in batches.
// The zero of *Recorder (nil) is a valid no-op recorder.
type Recorder struct {
	db   *sql.DB
	ch   chan *Point
	done chan struct{}
	once sync.Once
}

// New creates a recorder backed by the given database connection. The db
// should use the raw "sqlite" driver so the recorder's own writes are not
// traced back into it.
func New(db *sql.DB) *Recorder {
	r := &Recorder{
		db:   db,
		ch:   make(chan *Point, 1024),
		done: make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Init creates the history_metrics table if it doesn't exist.
func (r *Recorder) Init() error {
	if r == nil {
		return nil
	}
	_, err := r.db.Exec(Schema)
	if err != nil {
		return fmt.Errorf("telemetry: init: %w", err)
	}
	return nil
}

// Record queues a datapoint for async persistence. Non-blocking; drops when
// the buffer is full. Safe on a nil receiver.
func (r *Recorder) Record(name, docID string, value float64) {
	if r == nil {
		return
	}
	p := &Point{Name: name, DocID: docID, Value: value, Timestamp: time.Now().UnixMicro()}
	select {
	case r.ch <- p:
	default:
		// buffer full — drop rather than backpressure the editor
	}
}

// Close drains the buffer and stops the flush goroutine. Safe on nil.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		close(r.ch)
		<-r.done
	})
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)

	batch := make([]*Point, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-r.ch:
			if !ok {
				r.flushBatch(batch)
				return
			}
			batch = append(batch, p)
			if len(batch) >= 64 {
				r.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flushBatch(batch []*Point) {
	if len(batch) == 0 {
		return
	}

	tx, err := r.db.Begin()
	if err != nil {
		slog.Error("telemetry: begin tx", "error", err)
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO history_metrics (name, doc_id, value, timestamp)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("telemetry: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, p := range batch {
		if _, err := stmt.Exec(p.Name, p.DocID, p.Value, p.Timestamp); err != nil {
			slog.Error("telemetry: insert", "error", err, "metric", p.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("telemetry: commit", "error", err)
	}
}

// Summary is an aggregate over one metric name.
type Summary struct {
	Count int64
	Sum   float64
	Avg   float64
}

// Summarize aggregates a metric since the given time. Empty docID matches
// all documents.
func (r *Recorder) Summarize(ctx context.Context, name, docID string, since time.Time) (*Summary, error) {
	if r == nil {
		return &Summary{}, nil
	}
	q := `SELECT COUNT(*), COALESCE(SUM(value), 0) FROM history_metrics
	      WHERE name = ? AND timestamp >= ?`
	args := []any{name, since.UnixMicro()}
	if docID != "" {
		q += ` AND doc_id = ?`
		args = append(args, docID)
	}

	var s Summary
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&s.Count, &s.Sum); err != nil {
		return nil, fmt.Errorf("telemetry: summarize: %w", err)
	}
	if s.Count > 0 {
		s.Avg = s.Sum / float64(s.Count)
	}
	return &s, nil
}
