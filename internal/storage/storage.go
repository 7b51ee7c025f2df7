package storage

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var CatalogBucket = []byte("catalog")

// PrepareConflictBehavior controls how reads interact with in-flight
// prepared writes. Verification reads must never block on them.
type PrepareConflictBehavior int32

const (
	PrepareConflictEnforce PrepareConflictBehavior = iota
	PrepareConflictIgnoreAllowWrites
)

// CorruptionMode controls whether a detected corrupt record aborts the
// operation or is logged and skipped.
type CorruptionMode int32

const (
	CorruptionThrow CorruptionMode = iota
	CorruptionLogAndContinue
)

// Engine is the bbolt-backed document store. The prepare-conflict and
// corruption modes are ambient process state, swapped by acquisition
// guards and restored on their exit.
type Engine struct {
	db *bolt.DB

	prepareBehavior atomic.Int32
	corruptionMode  atomic.Int32
}

func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(CatalogBucket); err != nil {
			return fmt.Errorf("failed to create catalog bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Path() string {
	return e.db.Path()
}

// Backup streams a consistent copy of the whole database.
func (e *Engine) Backup(w io.Writer) error {
	return e.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Restore replaces the database contents with a backup stream. The
// caller must guarantee no snapshots or writes are in flight.
func (e *Engine) Restore(r io.Reader) error {
	path := e.db.Path()
	tmp := path + ".restore"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to stage restore file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write restore file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync restore file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database for restore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to swap in restored database: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to reopen restored database: %w", err)
	}
	e.db = db
	return nil
}

// SwapPrepareConflictBehavior installs a new behavior and returns the
// previous one so callers can restore it.
func (e *Engine) SwapPrepareConflictBehavior(b PrepareConflictBehavior) PrepareConflictBehavior {
	return PrepareConflictBehavior(e.prepareBehavior.Swap(int32(b)))
}

func (e *Engine) PrepareConflictBehavior() PrepareConflictBehavior {
	return PrepareConflictBehavior(e.prepareBehavior.Load())
}

// SwapCorruptionMode installs a new corruption-detection mode and returns
// the previous one.
func (e *Engine) SwapCorruptionMode(m CorruptionMode) CorruptionMode {
	return CorruptionMode(e.corruptionMode.Swap(int32(m)))
}

func (e *Engine) CorruptionMode() CorruptionMode {
	return CorruptionMode(e.corruptionMode.Load())
}

// Bucket names for one namespace. The corruption-injection tool opens the
// database directly and relies on the same layout.

func RecordsBucket(ns string) []byte {
	return []byte("records:" + ns)
}

func PrimaryIndexBucket(ns string) []byte {
	return []byte("pk:" + ns)
}

func IndexBucket(ns, index string) []byte {
	return []byte("idx:" + ns + ":" + index)
}
