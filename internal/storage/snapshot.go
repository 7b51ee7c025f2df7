package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
)

// Snapshot is a point-in-time read view of the whole store. It holds a
// read transaction open until Close, so the data it exposes cannot change
// underneath a scan.
type Snapshot struct {
	tx *bolt.Tx
}

func (e *Engine) Snapshot() (*Snapshot, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Collection returns a handle for one namespace inside the snapshot. A
// namespace that does not exist yields a valid handle whose Exists
// reports false; callers check explicitly.
func (s *Snapshot) Collection(ns string) (*Collection, error) {
	data := s.tx.Bucket(CatalogBucket).Get([]byte(ns))
	if data == nil {
		return &Collection{ns: ns}, nil
	}
	var meta CollectionMeta
	if err := bson.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode collection metadata: %w", err)
	}
	return &Collection{ns: ns, tx: s.tx, meta: &meta}, nil
}

type Collection struct {
	ns   string
	tx   *bolt.Tx
	meta *CollectionMeta
}

func (c *Collection) Exists() bool {
	return c.meta != nil
}

func (c *Collection) Namespace() string {
	return c.ns
}

func (c *Collection) Meta() *CollectionMeta {
	return c.meta
}

// FindRecord resolves a record location to its raw bytes. A missing
// record is not an error; a dangling index entry is evidence the caller
// reports, not a failure of the lookup itself.
func (c *Collection) FindRecord(recordID uint64) ([]byte, bool) {
	loc := binary.BigEndian.AppendUint64(nil, recordID)
	data := c.tx.Bucket(RecordsBucket(c.ns)).Get(loc)
	if data == nil {
		return nil, false
	}
	return data, true
}

// PrimaryCursor iterates the primary-key index in key order. Entry values
// are record locations.
func (c *Collection) PrimaryCursor() *Cursor {
	return &Cursor{c: c.tx.Bucket(PrimaryIndexBucket(c.ns)).Cursor()}
}

// IndexCursor iterates a secondary index in key order.
func (c *Collection) IndexCursor(name string) (*Cursor, error) {
	if _, ok := c.meta.Index(name); !ok {
		return nil, fmt.Errorf("index not found: %s.%s", c.ns, name)
	}
	bucket := c.tx.Bucket(IndexBucket(c.ns, name))
	if bucket == nil {
		return nil, fmt.Errorf("index bucket missing: %s.%s", c.ns, name)
	}
	return &Cursor{c: bucket.Cursor()}, nil
}

// Cursor is a thin ordered iterator over one index.
type Cursor struct {
	c *bolt.Cursor
}

// Seek positions the cursor at the first entry with key >= target.
func (cur *Cursor) Seek(target []byte) ([]byte, []byte) {
	return cur.c.Seek(target)
}

func (cur *Cursor) Next() ([]byte, []byte) {
	return cur.c.Next()
}
