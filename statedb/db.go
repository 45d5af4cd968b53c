// Package statedb records what chrootsdk did to each chroot in a bbolt
// database: every operation run, every hook applied, and the last known
// state of each chroot.
package statedb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for bbolt database
const (
	BucketRuns    = "runs"
	BucketHooks   = "hooks"
	BucketChroots = "chroots"
)

// DB wraps a bbolt database.
type DB struct {
	db   *bolt.DB
	path string
}

// ChrootRecord is the last known state of one chroot, keyed by its path.
type ChrootRecord struct {
	Path       string    `json:"path"`
	Image      string    `json:"image"`
	VG         string    `json:"vg,omitempty"`
	Device     string    `json:"device,omitempty"`
	Mounted    bool      `json:"mounted"`
	Version    int       `json:"version"`
	HasVersion bool      `json:"has_version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OpenDB opens or creates the database at path and its buckets. The parent
// directory is created if needed.
//
// Example:
//
//	db, err := statedb.OpenDB(cfg.Database.Path)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &DatabaseError{Op: "create directory", Err: err}
	}

	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketRuns, BucketHooks, BucketChroots} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return &DatabaseError{Op: "create bucket", Bucket: name, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database. It is safe to call Close multiple times.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	return err
}

func bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, &DatabaseError{Op: "get bucket", Bucket: name, Err: ErrBucketNotFound}
	}
	return b, nil
}

// PutChroot stores rec, stamping UpdatedAt.
func (db *DB) PutChroot(rec *ChrootRecord) error {
	if rec.Path == "" {
		return &ValidationError{Field: "record.Path", Err: ErrEmptyPath}
	}
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal chroot", Key: rec.Path, Err: err}
	}

	err = db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketChroots)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Path), data)
	})
	if err != nil {
		return &RecordError{Op: "save chroot", Key: rec.Path, Err: err}
	}
	return nil
}

// GetChroot returns the record for path, or nil with no error if the chroot
// was never recorded.
func (db *DB) GetChroot(path string) (*ChrootRecord, error) {
	if path == "" {
		return nil, &ValidationError{Field: "path", Err: ErrEmptyPath}
	}

	var rec *ChrootRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketChroots)
		if err != nil {
			return err
		}
		data := b.Get([]byte(path))
		if data == nil {
			return nil
		}
		rec = &ChrootRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return &RecordError{Op: "unmarshal chroot", Key: path, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateChroot applies mutate to the record for path, creating it first if
// needed.
func (db *DB) UpdateChroot(path string, mutate func(*ChrootRecord)) error {
	if path == "" {
		return &ValidationError{Field: "path", Err: ErrEmptyPath}
	}

	return db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketChroots)
		if err != nil {
			return err
		}

		rec := ChrootRecord{Path: path}
		if data := b.Get([]byte(path)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return &RecordError{Op: "unmarshal chroot", Key: path, Err: err}
			}
		}

		mutate(&rec)
		rec.Path = path
		rec.UpdatedAt = time.Now()

		data, err := json.Marshal(&rec)
		if err != nil {
			return &RecordError{Op: "marshal chroot", Key: path, Err: err}
		}
		return b.Put([]byte(path), data)
	})
}

// DeleteChroot forgets path and its hook history. Deleting an unknown chroot
// is not an error.
func (db *DB) DeleteChroot(path string) error {
	if path == "" {
		return &ValidationError{Field: "path", Err: ErrEmptyPath}
	}

	return db.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, BucketChroots)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
		return deleteHooks(tx, path)
	})
}
