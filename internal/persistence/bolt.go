package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRecords = []byte("records")  // "<finished nanos>/<run>/<task>" -> Record JSON
	bucketLatest  = []byte("latest")   // "<run>/<task>" and task ID -> key in records
	bucketRuns    = []byte("runs")     // "<started nanos>/<run>" -> Run JSON
	bucketRunKeys = []byte("run_keys") // run ID -> key in runs
)

// BoltStore implements Store using bbolt. Keys are prefixed with zero-padded
// timestamps so a reverse cursor walk yields newest first.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketLatest, bucketRuns, bucketRunKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func timeKey(t time.Time, parts ...string) []byte {
	key := fmt.Sprintf("%020d", toNanos(t))
	for _, p := range parts {
		key += "/" + p
	}
	return []byte(key)
}

// SaveRecord stores rec, replacing an earlier save of the same run and task.
func (s *BoltStore) SaveRecord(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	key := timeKey(rec.FinishedAt, rec.RunID, rec.TaskID)
	runTask := []byte(rec.RunID + "/" + rec.TaskID)

	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		latest := tx.Bucket(bucketLatest)

		// Drop the previous version of this run/task, which may sit under
		// a different timestamp.
		var prev []byte
		if p := latest.Get(runTask); p != nil {
			prev = append([]byte(nil), p...)
			if err := records.Delete(prev); err != nil {
				return err
			}
		}
		if err := records.Put(key, data); err != nil {
			return err
		}
		if err := latest.Put(runTask, key); err != nil {
			return err
		}

		// Point the bare task ID at the newest finish across runs.
		cur := latest.Get([]byte(rec.TaskID))
		if cur == nil || string(cur) <= string(key) || string(cur) == string(prev) {
			return latest.Put([]byte(rec.TaskID), key)
		}
		return nil
	})
}

// GetRecord returns the most recently finished record for taskID.
func (s *BoltStore) GetRecord(_ context.Context, taskID string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketLatest).Get([]byte(taskID))
		if key == nil {
			return fmt.Errorf("record %q: %w", taskID, ErrNotFound)
		}
		data := tx.Bucket(bucketRecords).Get(key)
		if data == nil {
			return fmt.Errorf("record %q: %w", taskID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records newest first.
func (s *BoltStore) ListRecords(_ context.Context, limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// SaveRun stores or replaces a run summary.
func (s *BoltStore) SaveRun(_ context.Context, run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	key := timeKey(run.StartedAt, run.ID)

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		keys := tx.Bucket(bucketRunKeys)
		if prev := keys.Get([]byte(run.ID)); prev != nil {
			if err := runs.Delete(prev); err != nil {
				return err
			}
		}
		if err := runs.Put(key, data); err != nil {
			return err
		}
		return keys.Put([]byte(run.ID), key)
	})
}

// ListRuns returns runs, most recently started first.
func (s *BoltStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to decode run %s: %w", k, err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	return runs, err
}
