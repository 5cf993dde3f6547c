// Package queue provides the durable stage-advance queue. Tasks survive
// process restarts in a Badger database; claims carry a TTL so work held
// by a crashed worker becomes claimable again.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"

	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/observability/metrics"
)

const taskPrefix = "task:"

// Task is one pending stage advancement for a job.
type Task struct {
	JobID      string     `json:"jobId"`
	RunAt      time.Time  `json:"runAt"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	ClaimedBy  string     `json:"claimedBy,omitempty"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
}

// Queue is a durable, claim-based task queue keyed by job ID. Enqueueing
// an already-queued job is a no-op, so a job never has two pending tasks.
type Queue struct {
	db      *badger.DB
	mu      sync.Mutex
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Open opens the queue database at path, creating it if needed.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	q := &Queue{
		db:      db,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("queue"),
	}
	q.metrics.QueueDepth.Set(float64(q.Depth()))
	return q, nil
}

// Enqueue schedules a job to run at runAt. If the job is already queued
// and unclaimed, the earlier run time wins.
func (q *Queue) Enqueue(jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := []byte(taskPrefix + jobID)
	err := q.db.Update(func(txn *badger.Txn) error {
		existing, err := getTask(txn, key)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if existing != nil {
			if existing.ClaimedAt != nil || !runAt.Before(existing.RunAt) {
				return nil
			}
			existing.RunAt = runAt
			return putTask(txn, key, existing)
		}
		return putTask(txn, key, &Task{
			JobID:      jobID,
			RunAt:      runAt,
			EnqueuedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	q.metrics.QueueDepth.Set(float64(q.depthLocked()))
	return nil
}

// Claim hands the next due, unclaimed task to workerID. Claims older than
// ttl are treated as abandoned and reclaimed. Returns nil when nothing is
// due.
func (q *Queue) Claim(workerID string, now time.Time, ttl time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed *Task
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(taskPrefix)
		var best *Task
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Task
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return err
			}
			if t.RunAt.After(now) {
				continue
			}
			if t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) < ttl {
				continue
			}
			if best == nil || t.RunAt.Before(best.RunAt) {
				tt := t
				best = &tt
			}
		}
		if best == nil {
			return nil
		}
		claimTime := now
		best.ClaimedBy = workerID
		best.ClaimedAt = &claimTime
		claimed = best
		return putTask(txn, []byte(taskPrefix+best.JobID), best)
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if claimed != nil {
		q.metrics.TasksClaimed.Inc()
	}
	return claimed, nil
}

// Ack removes a finished task from the queue.
func (q *Queue) Ack(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(taskPrefix + jobID))
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	q.metrics.QueueDepth.Set(float64(q.depthLocked()))
	return nil
}

// Nack returns a claimed task to the queue with a new run time.
func (q *Queue) Nack(jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := []byte(taskPrefix + jobID)
	err := q.db.Update(func(txn *badger.Txn) error {
		t, err := getTask(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			t = &Task{JobID: jobID, EnqueuedAt: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		t.RunAt = runAt
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		return putTask(txn, key, t)
	})
	if err != nil {
		return fmt.Errorf("nack job %s: %w", jobID, err)
	}
	q.metrics.TasksRequeued.Inc()
	return nil
}

// Depth counts queued tasks, claimed or not.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	count := 0
	_ = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(taskPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func getTask(txn *badger.Txn, key []byte) (*Task, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var t Task
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func putTask(txn *badger.Txn, key []byte, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
