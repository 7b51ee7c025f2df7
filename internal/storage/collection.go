package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/replcheck/replcheck/internal/keystr"
)

const (
	IndexKindBtree  = "btree"
	IndexKindHashed = "hashed"
)

type IndexSpec struct {
	Name          string   `bson:"name"`
	Key           bson.D   `bson:"key"`
	Unique        bool     `bson:"unique,omitempty"`
	Kind          string   `bson:"kind"`
	PartialFilter bson.Raw `bson:"partialFilter,omitempty"`
}

type CollectionMeta struct {
	Namespace    string      `bson:"namespace"`
	UUID         string      `bson:"uuid"`
	Capped       bool        `bson:"capped,omitempty"`
	NextRecordID uint64      `bson:"nextRecordId"`
	Indexes      []IndexSpec `bson:"indexes"`
}

func (m *CollectionMeta) Index(name string) (*IndexSpec, bool) {
	for i := range m.Indexes {
		if m.Indexes[i].Name == name {
			return &m.Indexes[i], true
		}
	}
	return nil, false
}

// CreateCollection registers a namespace and creates its buckets.
func (e *Engine) CreateCollection(ns string, capped bool) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		catalog := tx.Bucket(CatalogBucket)
		if catalog.Get([]byte(ns)) != nil {
			return fmt.Errorf("collection already exists: %s", ns)
		}

		for _, bucket := range [][]byte{RecordsBucket(ns), PrimaryIndexBucket(ns)} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}

		meta := CollectionMeta{
			Namespace:    ns,
			UUID:         uuid.NewString(),
			Capped:       capped,
			NextRecordID: 1,
		}
		return putMeta(catalog, &meta)
	})
}

// CreateIndex adds a secondary index and backfills entries for existing
// records. Only btree indexes maintain entries; other kinds are recorded
// in the catalog but left empty.
func (e *Engine) CreateIndex(ns string, spec IndexSpec) error {
	if spec.Name == "" || len(spec.Key) == 0 {
		return fmt.Errorf("index needs a name and a key pattern")
	}
	if spec.Kind == "" {
		spec.Kind = IndexKindBtree
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		catalog := tx.Bucket(CatalogBucket)
		meta, err := getMeta(catalog, ns)
		if err != nil {
			return err
		}
		if _, ok := meta.Index(spec.Name); ok {
			return fmt.Errorf("index already exists: %s.%s", ns, spec.Name)
		}

		bucket, err := tx.CreateBucketIfNotExists(IndexBucket(ns, spec.Name))
		if err != nil {
			return fmt.Errorf("failed to create index bucket: %w", err)
		}

		if spec.Kind == IndexKindBtree {
			records := tx.Bucket(RecordsBucket(ns))
			cursor := records.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				recordID := binary.BigEndian.Uint64(k)
				if err := writeIndexEntries(bucket, &spec, bson.Raw(v), recordID); err != nil {
					return err
				}
			}
		}

		meta.Indexes = append(meta.Indexes, spec)
		return putMeta(catalog, meta)
	})
}

// Insert stores a document, assigns it a record location, and maintains
// the primary-key and secondary-index entries. The document must carry
// an _id field.
func (e *Engine) Insert(ns string, doc bson.Raw) (uint64, error) {
	idValue, err := doc.LookupErr("_id")
	if err != nil {
		return 0, fmt.Errorf("document missing _id field")
	}
	pkKey, err := keystr.Encode(idValue)
	if err != nil {
		return 0, fmt.Errorf("failed to encode _id: %w", err)
	}

	var recordID uint64
	err = e.db.Update(func(tx *bolt.Tx) error {
		catalog := tx.Bucket(CatalogBucket)
		meta, err := getMeta(catalog, ns)
		if err != nil {
			return err
		}

		pk := tx.Bucket(PrimaryIndexBucket(ns))
		if pk.Get(pkKey) != nil {
			return fmt.Errorf("duplicate _id in %s", ns)
		}

		recordID = meta.NextRecordID
		meta.NextRecordID++

		records := tx.Bucket(RecordsBucket(ns))
		loc := binary.BigEndian.AppendUint64(nil, recordID)
		if err := records.Put(loc, doc); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		if err := pk.Put(pkKey, loc); err != nil {
			return fmt.Errorf("failed to store primary index entry: %w", err)
		}

		for i := range meta.Indexes {
			spec := &meta.Indexes[i]
			if spec.Kind != IndexKindBtree {
				continue
			}
			bucket := tx.Bucket(IndexBucket(ns, spec.Name))
			if err := writeIndexEntries(bucket, spec, doc, recordID); err != nil {
				return err
			}
		}

		return putMeta(catalog, meta)
	})
	if err != nil {
		return 0, err
	}
	return recordID, nil
}

func writeIndexEntries(bucket *bolt.Bucket, spec *IndexSpec, doc bson.Raw, recordID uint64) error {
	if len(spec.PartialFilter) > 0 && !MatchesFilter(spec.PartialFilter, doc) {
		return nil
	}

	keys, err := IndexKeysForDocument(spec, doc)
	if err != nil {
		return fmt.Errorf("failed to build keys for index %s: %w", spec.Name, err)
	}

	loc := binary.BigEndian.AppendUint64(nil, recordID)
	for _, key := range keys {
		if spec.Unique {
			if existing := bucket.Get(key); existing != nil {
				return fmt.Errorf("duplicate key in unique index %s", spec.Name)
			}
			if err := bucket.Put(key, loc); err != nil {
				return err
			}
		} else {
			if err := bucket.Put(keystr.AppendRecordID(key, recordID), loc); err != nil {
				return err
			}
		}
	}
	return nil
}

// IndexKeysForDocument computes the entry keys (without location suffix) a
// correct index would contain for the document. An array-valued field
// contributes one key per element; an empty array contributes a single
// undefined-class key. At most one field of a compound key may hold an
// array.
func IndexKeysForDocument(spec *IndexSpec, doc bson.Raw) ([][]byte, error) {
	candidates := make([][]bson.RawValue, len(spec.Key))
	arrayField := -1

	for i, elem := range spec.Key {
		value, err := doc.LookupErr(elem.Key)
		if err != nil {
			candidates[i] = []bson.RawValue{{Type: bsontype.Null}}
			continue
		}
		if value.Type == bsontype.Array {
			if arrayField >= 0 {
				return nil, fmt.Errorf("compound key has multiple array fields")
			}
			arrayField = i
			elems, err := value.Array().Values()
			if err != nil {
				return nil, fmt.Errorf("failed to read array field %s: %w", elem.Key, err)
			}
			if len(elems) == 0 {
				candidates[i] = []bson.RawValue{{Type: bsontype.Undefined}}
			} else {
				candidates[i] = elems
			}
			continue
		}
		candidates[i] = []bson.RawValue{value}
	}

	count := 1
	if arrayField >= 0 {
		count = len(candidates[arrayField])
	}

	keys := make([][]byte, 0, count)
	for n := 0; n < count; n++ {
		vals := make([]bson.RawValue, len(candidates))
		for i := range candidates {
			if i == arrayField {
				vals[i] = candidates[i][n]
			} else {
				vals[i] = candidates[i][0]
			}
		}
		key, err := keystr.Encode(vals...)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// MatchesFilter evaluates a partial-index filter against a document.
// Supported predicates: top-level equality and {$exists: bool}.
func MatchesFilter(filter bson.Raw, doc bson.Raw) bool {
	elems, err := filter.Elements()
	if err != nil {
		return false
	}
	for _, elem := range elems {
		want := elem.Value()
		got, lookupErr := doc.LookupErr(elem.Key())

		if want.Type == bsontype.EmbeddedDocument {
			if exists, err := want.Document().LookupErr("$exists"); err == nil {
				if exists.Boolean() != (lookupErr == nil) {
					return false
				}
				continue
			}
		}

		if lookupErr != nil || !got.Equal(want) {
			return false
		}
	}
	return true
}

// Collections lists every registered namespace.
func (e *Engine) Collections() ([]CollectionMeta, error) {
	var metas []CollectionMeta
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(CatalogBucket).ForEach(func(k, v []byte) error {
			var meta CollectionMeta
			if err := bson.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("failed to decode metadata for %s: %w", k, err)
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

func getMeta(catalog *bolt.Bucket, ns string) (*CollectionMeta, error) {
	data := catalog.Get([]byte(ns))
	if data == nil {
		return nil, fmt.Errorf("collection not found: %s", ns)
	}
	var meta CollectionMeta
	if err := bson.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode collection metadata: %w", err)
	}
	return &meta, nil
}

func putMeta(catalog *bolt.Bucket, meta *CollectionMeta) error {
	data, err := bson.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode collection metadata: %w", err)
	}
	return catalog.Put([]byte(meta.Namespace), data)
}
