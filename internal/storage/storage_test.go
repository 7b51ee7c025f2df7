package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/keystr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func marshal(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func TestEngine(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.CreateCollection("app.users", false); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	t.Run("DuplicateCollection", func(t *testing.T) {
		if err := engine.CreateCollection("app.users", false); err == nil {
			t.Error("expected error creating duplicate collection")
		}
	})

	t.Run("InsertAndFind", func(t *testing.T) {
		doc := marshal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"}})
		recordID, err := engine.Insert("app.users", doc)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		snap, err := engine.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		defer snap.Close()

		coll, err := snap.Collection("app.users")
		if err != nil {
			t.Fatalf("Collection failed: %v", err)
		}
		if !coll.Exists() {
			t.Fatal("collection should exist")
		}

		found, ok := coll.FindRecord(recordID)
		if !ok {
			t.Fatal("record not found")
		}
		if !bytes.Equal(found, doc) {
			t.Error("stored record bytes differ from inserted document")
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		doc := marshal(t, bson.D{{Key: "name", Value: "no id"}})
		if _, err := engine.Insert("app.users", doc); err == nil {
			t.Error("expected error inserting document without _id")
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		doc := marshal(t, bson.D{{Key: "_id", Value: int32(1)}})
		if _, err := engine.Insert("app.users", doc); err == nil {
			t.Error("expected error inserting duplicate _id")
		}
	})

	t.Run("MissingCollection", func(t *testing.T) {
		snap, err := engine.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		defer snap.Close()

		coll, err := snap.Collection("does.not.exist")
		if err != nil {
			t.Fatalf("Collection failed: %v", err)
		}
		if coll.Exists() {
			t.Error("collection should not exist")
		}
	})
}

func TestPrimaryCursorOrder(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.CreateCollection("app.items", false); err != nil {
		t.Fatal(err)
	}

	// Insert out of key order; the cursor must return key order.
	for _, id := range []int32{5, 1, 3, 2, 4} {
		doc := marshal(t, bson.D{{Key: "_id", Value: id}})
		if _, err := engine.Insert("app.items", doc); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	snap, err := engine.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()

	coll, err := snap.Collection("app.items")
	if err != nil {
		t.Fatal(err)
	}

	cursor := coll.PrimaryCursor()
	var prev []byte
	count := 0
	for k, _ := cursor.Seek(nil); k != nil; k, _ = cursor.Next() {
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			t.Error("primary cursor returned keys out of order")
		}
		prev = append(prev[:0], k...)
		count++
	}
	if count != 5 {
		t.Errorf("expected 5 entries, got %d", count)
	}
}

func TestSecondaryIndexes(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.CreateCollection("app.books", false); err != nil {
		t.Fatal(err)
	}

	doc := marshal(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "author", Value: "woolf"},
		{Key: "tags", Value: bson.A{"fiction", "classic"}},
	})
	recordID, err := engine.Insert("app.books", doc)
	if err != nil {
		t.Fatal(err)
	}

	// Backfill on creation.
	if err := engine.CreateIndex("app.books", IndexSpec{
		Name: "author_1",
		Key:  bson.D{{Key: "author", Value: 1}},
	}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	// Multikey maintained on insert.
	if err := engine.CreateIndex("app.books", IndexSpec{
		Name: "tags_1",
		Key:  bson.D{{Key: "tags", Value: 1}},
	}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}

	doc2 := marshal(t, bson.D{
		{Key: "_id", Value: int32(2)},
		{Key: "author", Value: "eco"},
		{Key: "tags", Value: bson.A{"fiction"}},
	})
	if _, err := engine.Insert("app.books", doc2); err != nil {
		t.Fatal(err)
	}

	snap, err := engine.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()

	coll, err := snap.Collection("app.books")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("BackfilledEntries", func(t *testing.T) {
		cursor, err := coll.IndexCursor("author_1")
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		var locs []uint64
		for k, _ := cursor.Seek(nil); k != nil; k, _ = cursor.Next() {
			_, id, err := keystr.SplitRecordID(k)
			if err != nil {
				t.Fatalf("SplitRecordID failed: %v", err)
			}
			locs = append(locs, id)
			count++
		}
		if count != 2 {
			t.Fatalf("expected 2 entries, got %d", count)
		}
		// "eco" sorts before "woolf", so record 2 comes first.
		if locs[0] != 2 || locs[1] != recordID {
			t.Errorf("unexpected entry locations: %v", locs)
		}
	})

	t.Run("MultikeyEntries", func(t *testing.T) {
		cursor, err := coll.IndexCursor("tags_1")
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for k, _ := cursor.Seek(nil); k != nil; k, _ = cursor.Next() {
			count++
		}
		// doc1 contributes two tag entries, doc2 one.
		if count != 3 {
			t.Errorf("expected 3 entries, got %d", count)
		}
	})

	t.Run("UnknownIndex", func(t *testing.T) {
		if _, err := coll.IndexCursor("nope"); err == nil {
			t.Error("expected error for unknown index")
		}
	})
}

func TestIndexKeysForDocument(t *testing.T) {
	spec := &IndexSpec{Name: "a_1_b_1", Key: bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 1}}}

	t.Run("MissingFieldIndexesNull", func(t *testing.T) {
		doc := marshal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: "x"}})
		keys, err := IndexKeysForDocument(spec, doc)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 1 {
			t.Fatalf("expected 1 key, got %d", len(keys))
		}
	})

	t.Run("EmptyArrayIndexesUndefined", func(t *testing.T) {
		doc := marshal(t, bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "a", Value: bson.A{}},
			{Key: "b", Value: int32(2)},
		})
		keys, err := IndexKeysForDocument(spec, doc)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 1 {
			t.Fatalf("expected 1 key for empty array, got %d", len(keys))
		}
	})

	t.Run("ArrayFansOut", func(t *testing.T) {
		doc := marshal(t, bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "a", Value: bson.A{int32(1), int32(2), int32(3)}},
			{Key: "b", Value: "y"},
		})
		keys, err := IndexKeysForDocument(spec, doc)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 3 {
			t.Fatalf("expected 3 keys, got %d", len(keys))
		}
	})

	t.Run("TwoArraysRejected", func(t *testing.T) {
		doc := marshal(t, bson.D{
			{Key: "_id", Value: int32(1)},
			{Key: "a", Value: bson.A{int32(1)}},
			{Key: "b", Value: bson.A{int32(2)}},
		})
		if _, err := IndexKeysForDocument(spec, doc); err == nil {
			t.Error("expected error for two array fields")
		}
	})
}

func TestMatchesFilter(t *testing.T) {
	doc := marshal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "status", Value: "active"}})

	equality := marshal(t, bson.D{{Key: "status", Value: "active"}})
	if !MatchesFilter(equality, doc) {
		t.Error("equality filter should match")
	}

	mismatch := marshal(t, bson.D{{Key: "status", Value: "gone"}})
	if MatchesFilter(mismatch, doc) {
		t.Error("equality filter should not match")
	}

	exists := marshal(t, bson.D{{Key: "status", Value: bson.D{{Key: "$exists", Value: true}}}})
	if !MatchesFilter(exists, doc) {
		t.Error("$exists filter should match")
	}

	notExists := marshal(t, bson.D{{Key: "missing", Value: bson.D{{Key: "$exists", Value: false}}}})
	if !MatchesFilter(notExists, doc) {
		t.Error("$exists:false filter should match absent field")
	}
}

func TestModeSwaps(t *testing.T) {
	engine := newTestEngine(t)

	prev := engine.SwapPrepareConflictBehavior(PrepareConflictIgnoreAllowWrites)
	if prev != PrepareConflictEnforce {
		t.Errorf("expected default enforce behavior, got %d", prev)
	}
	if engine.PrepareConflictBehavior() != PrepareConflictIgnoreAllowWrites {
		t.Error("behavior swap not applied")
	}

	prevMode := engine.SwapCorruptionMode(CorruptionLogAndContinue)
	if prevMode != CorruptionThrow {
		t.Errorf("expected default throw mode, got %d", prevMode)
	}
	engine.SwapCorruptionMode(prevMode)
	if engine.CorruptionMode() != CorruptionThrow {
		t.Error("corruption mode not restored")
	}
}
