package main

import (
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/storage"
)

// Test tool: injects the silent storage damage the checks exist to
// find. It writes to the document store behind the engine's back, so the
// node must be stopped first.

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <boltdb-path> <namespace> <target>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Targets:\n")
	fmt.Fprintf(os.Stderr, "  record           flip one byte in the first record\n")
	fmt.Fprintf(os.Stderr, "  index:<name>     delete the first entry of a secondary index\n")
	fmt.Fprintf(os.Stderr, "  dangling         delete the first record, leaving its index entries\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) != 4 {
		usage()
	}

	dbPath := os.Args[1]
	ns := os.Args[2]
	target := os.Args[3]

	fmt.Printf("Opening BoltDB: %s\n", dbPath)
	fmt.Printf("Target namespace: %s\n", ns)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch {
	case target == "record":
		err = corruptRecord(db, ns)
	case target == "dangling":
		err = deleteRecord(db, ns)
	case len(target) > 6 && target[:6] == "index:":
		err = deleteIndexEntry(db, ns, target[6:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("BoltDB corruption completed")
}

func corruptRecord(db *bolt.DB, ns string) error {
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.RecordsBucket(ns))
		if bucket == nil {
			return fmt.Errorf("no records bucket for namespace: %s", ns)
		}

		k, v := bucket.Cursor().First()
		if k == nil {
			return fmt.Errorf("no records found in namespace: %s", ns)
		}

		fmt.Printf("Found record (key=%x, %d bytes)\n", k, len(v))
		if id, err := bson.Raw(v).LookupErr("_id"); err == nil {
			fmt.Printf("  _id: %s\n", id.String())
		}

		// Flip the last byte of the document body; the length prefix and
		// terminator stay intact so the record still parses.
		corrupted := make([]byte, len(v))
		copy(corrupted, v)
		if len(corrupted) < 2 {
			return fmt.Errorf("record too small to corrupt")
		}
		corrupted[len(corrupted)-2] ^= 0xff

		if err := bucket.Put(k, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted record: %w", err)
		}
		fmt.Println("✓ Successfully corrupted record")
		return nil
	})
}

func deleteRecord(db *bolt.DB, ns string) error {
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.RecordsBucket(ns))
		if bucket == nil {
			return fmt.Errorf("no records bucket for namespace: %s", ns)
		}

		k, _ := bucket.Cursor().First()
		if k == nil {
			return fmt.Errorf("no records found in namespace: %s", ns)
		}

		fmt.Printf("Deleting record (key=%x), index entries remain dangling\n", k)
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		fmt.Println("✓ Successfully deleted record")
		return nil
	})
}

func deleteIndexEntry(db *bolt.DB, ns, index string) error {
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.IndexBucket(ns, index))
		if bucket == nil {
			return fmt.Errorf("no bucket for index %s.%s", ns, index)
		}

		k, _ := bucket.Cursor().First()
		if k == nil {
			return fmt.Errorf("index %s.%s has no entries", ns, index)
		}

		fmt.Printf("Deleting index entry (key=%x)\n", k)
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to delete index entry: %w", err)
		}
		fmt.Println("✓ Successfully deleted index entry")
		return nil
	})
}
