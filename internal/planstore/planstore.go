// Package planstore is a write-and-query-only execution ledger: it
// persists the record of what ran so an operator can audit or debug a
// past run. It is never read back into Plan; scheduling always starts
// cold from the graph the caller hands in.
package planstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/graphsched/internal/resilience"
)

var bucketRuns = []byte("runs")

// TaskRecord is one task's outcome as recorded in the ledger.
type TaskRecord struct {
	TaskID  string  `json:"task_id"`
	Status  string  `json:"status"` // "ok", "task_error", "dependency_error", "timeout_error"
	Compute float64 `json:"compute_seconds,omitempty"`
}

// RunRecord is everything about one Execute call worth keeping around.
type RunRecord struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	NumWorkers int          `json:"num_workers"`
	Tasks      []TaskRecord `json:"tasks"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// Store is a bbolt-backed append-only ledger of RunRecords.
type Store struct {
	db *bbolt.DB

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
}

// Open opens (creating if necessary) the ledger database at dbPath.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("planstore: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("planstore: create bucket: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("graphsched_planstore_write_ms")
	readLatency, _ := meter.Float64Histogram("graphsched_planstore_read_ms")

	return &Store{db: db, writeLatency: writeLatency, readLatency: readLatency}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutRun persists rec, making up to three write attempts with jittered
// backoff between them.
func (s *Store) PutRun(ctx context.Context, rec RunRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_run")))
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("planstore: marshal run: %w", err)
	}

	_, err = resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketRuns).Put([]byte(rec.RunID), data)
		})
	})
	if err != nil {
		return fmt.Errorf("planstore: write run: %w", err)
	}
	return nil
}

// GetRun retrieves a previously recorded run by ID, for audit/debug
// tooling only; the scheduler never calls this.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_run")))
	}()

	var rec RunRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("planstore: read run: %w", err)
	}
	return rec, found, nil
}

// ListRuns returns up to limit run IDs in descending key order.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, _ := c.Last(); k != nil && len(ids) < limit; k, _ = c.Prev() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}
