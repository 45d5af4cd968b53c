package statedb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// RunRecord captures one chrootsdk operation on a chroot.
type RunRecord struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// HookRecord is one hook run against a chroot.
type HookRecord struct {
	RunID    string        `json:"run_id"`
	Path     string        `json:"path"`
	Hook     string        `json:"hook"`
	Version  int           `json:"version"`
	ExitCode int           `json:"exit_code"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

func validateRunID(runID string) error {
	if runID == "" {
		return &ValidationError{Field: "runID", Err: ErrEmptyUUID}
	}
	if _, err := uuid.Parse(runID); err != nil {
		return &ValidationError{Field: "runID", Value: runID, Err: ErrInvalidUUID}
	}
	return nil
}

// StartRun records a new running operation and returns its ID.
func (db *DB) StartRun(op, path string) (string, error) {
	if path == "" {
		return "", &ValidationError{Field: "path", Err: ErrEmptyPath}
	}

	rec := &RunRecord{
		ID:        uuid.New().String(),
		Op:        op,
		Path:      path,
		Status:    RunStatusRunning,
		StartTime: time.Now(),
	}
	if err := db.saveRun(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// FinishRun closes a run. A nil runErr marks it successful.
func (db *DB) FinishRun(runID string, runErr error) error {
	if err := validateRunID(runID); err != nil {
		return err
	}

	return db.updateRun(runID, func(rec *RunRecord) {
		rec.EndTime = time.Now()
		rec.Status = RunStatusSuccess
		if runErr != nil {
			rec.Status = RunStatusFailed
			rec.Error = runErr.Error()
		}
	})
}

// GetRun fetches a run record by its ID.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	var rec RunRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketRuns)
		if err != nil {
			return err
		}
		data := b.Get([]byte(runID))
		if data == nil {
			return &RecordError{Op: "get run", Key: runID, Err: ErrRecordNotFound}
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecentRuns returns up to limit runs for path, newest first. An empty path
// matches every chroot; a non-positive limit returns all of them.
func (db *DB) RecentRuns(path string, limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketRuns)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal run", Key: string(k), Err: err}
			}
			if path == "" || rec.Path == path {
				runs = append(runs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ActiveRun returns a run on path that never finished, if any. It is left
// behind by a process that was killed mid-operation.
func (db *DB) ActiveRun(path string) (*RunRecord, error) {
	runs, err := db.RecentRuns(path, 0)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Status == RunStatusRunning {
			return &runs[i], nil
		}
	}
	return nil, nil
}

// PutHook records one hook run.
func (db *DB) PutHook(rec *HookRecord) error {
	if err := validateRunID(rec.RunID); err != nil {
		return err
	}
	if rec.Path == "" {
		return &ValidationError{Field: "record.Path", Err: ErrEmptyPath}
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal hook", Key: rec.Path, Err: err}
	}

	return db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketHooks)
		if err != nil {
			return err
		}
		return b.Put(hookKey(rec), data)
	})
}

// ListHooks returns the hook history of path ordered by version, then time.
func (db *DB) ListHooks(path string) ([]HookRecord, error) {
	if path == "" {
		return nil, &ValidationError{Field: "path", Err: ErrEmptyPath}
	}

	prefix := hookPrefix(path)
	var records []HookRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketHooks)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec HookRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal hook", Key: path, Err: err}
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// hookKey orders hooks by chroot, version and time.
func hookKey(rec *HookRecord) []byte {
	key := fmt.Sprintf("%010d\x00%020d\x00%s", rec.Version, rec.Time.UnixNano(), rec.RunID)
	return append(hookPrefix(rec.Path), key...)
}

func hookPrefix(path string) []byte {
	return []byte(path + "\x00")
}

func deleteHooks(tx *bolt.Tx, path string) error {
	b, err := bucket(tx, BucketHooks)
	if err != nil {
		return err
	}
	prefix := hookPrefix(path)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) saveRun(rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal run", Key: rec.ID, Err: err}
	}

	return db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketRuns)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (db *DB) updateRun(runID string, mutate func(*RunRecord)) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketRuns)
		if err != nil {
			return err
		}

		data := b.Get([]byte(runID))
		if data == nil {
			return &RecordError{Op: "update run", Key: runID, Err: ErrRecordNotFound}
		}

		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return &RecordError{Op: "unmarshal run", Key: runID, Err: err}
		}

		mutate(&rec)

		updated, err := json.Marshal(&rec)
		if err != nil {
			return &RecordError{Op: "marshal run", Key: runID, Err: err}
		}
		return b.Put([]byte(runID), updated)
	})
}
