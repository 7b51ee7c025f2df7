package healthlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
)

var entriesBucket = []byte("healthlog")

// BoltSink appends entries to a local bbolt file under a monotonic
// sequence key, so the audit trail survives restarts and reads back in
// write order.
type BoltSink struct {
	db *bolt.DB
}

func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open health log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create health log bucket: %w", err)
	}

	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}

func (s *BoltSink) Log(ctx context.Context, entry *Entry) error {
	data, err := bson.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode health log entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, seq)
		return bucket.Put(key, data)
	})
}

// Entries returns up to limit entries in write order; limit <= 0 returns
// everything.
func (s *BoltSink) Entries(limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(entriesBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			var entry Entry
			if err := bson.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode health log entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
