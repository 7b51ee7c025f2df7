package verify

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/replcheck/replcheck/internal/failpoint"
	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/keystr"
	"github.com/replcheck/replcheck/internal/storage"
)

// SleepInBatch delays the scan for data["sleepMs"] milliseconds on every
// record while enabled. Timing only; results are unaffected.
var SleepInBatch = failpoint.New("sleepInBatch")

// HangAfterExtraIndexKeysHash blocks after an index digest has been
// computed, for timing-sensitive test orchestration.
var HangAfterExtraIndexKeysHash = failpoint.New("hangAfterExtraIndexKeysHash")

const (
	DefaultMaxCount         = int64(1) << 62
	DefaultMaxBytes         = int64(1) << 62
	DefaultMaxIdenticalKeys = int64(7)
	DefaultHealthLogEveryN  = int64(25)
)

var idPattern = bson.D{{Key: "_id", Value: 1}}

// HasherOptions bound one batch's resource use and wire its reporting.
type HasherOptions struct {
	Sink           healthlog.Sink
	Logger         *slog.Logger
	Throttle       *DataThrottle
	Params         *SecondaryIndexParams
	IndexName      string
	StartExclusive bool
	MaxCount       int64
	MaxBytes       int64

	// MaxIdenticalKeys stops an index scan once a run of identical keys
	// at the tail reaches this length. Only batch-issuing scans set it;
	// appliers must not cut batches on their own.
	MaxIdenticalKeys int64

	// IdenticalKeysAtEnd caps how many entries equal to the range end the
	// scan folds. Applier-side mirror of the issuer's truncation point.
	IdenticalKeysAtEnd int64
}

// Hasher walks one ordered key range and folds the bytes it encounters
// into a running digest. One hasher serves exactly one batch; its state
// is never shared and is discarded with the batch.
type Hasher struct {
	coll     *storage.Collection
	sink     healthlog.Sink
	logger   *slog.Logger
	throttle *DataThrottle
	opts     HasherOptions

	startKey []byte
	endKey   []byte

	digest            hash.Hash
	bytesSeen         int64
	docsSeen          int64
	keysSeen          int64
	lastKeySeen       bson.D
	trailingIdentical int64
	missingKeys       []bson.D
}

// NewHasher prepares a hasher for the inclusive range [start, end] under
// the collection's (or target index's) comparison ordering. Boundary
// documents are re-encoded without any record-location component.
func NewHasher(coll *storage.Collection, start, end bson.Raw, opts HasherOptions) (*Hasher, error) {
	startKey, err := encodeBoundary(start)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch start: %w", err)
	}
	endKey, err := encodeBoundary(end)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch end: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Throttle == nil {
		opts.Throttle = NewDataThrottle(0)
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	return &Hasher{
		coll:     coll,
		sink:     opts.Sink,
		logger:   opts.Logger,
		throttle: opts.Throttle,
		opts:     opts,
		startKey: startKey,
		endKey:   endKey,
		digest:   md5.New(),
	}, nil
}

// HashCollection performs the collection-consistency scan: it walks the
// primary-key index across the batch range, resolves every entry to its
// record, and folds the raw record bytes into the digest.
func (h *Hasher) HashCollection(ctx context.Context) error {
	ns := h.coll.Namespace()
	cursor := h.coll.PrimaryCursor()
	missingKeysMode := h.opts.Params != nil && h.opts.Params.Mode == ModeDataConsistencyAndMissingIndexKeys

	reachedTrueEnd := false
	for k, v := cursor.Seek(h.startKey); ; k, v = cursor.Next() {
		if k == nil {
			reachedTrueEnd = true
			break
		}
		if h.opts.StartExclusive && bytes.Equal(k, h.startKey) {
			continue
		}
		if keystr.Compare(k, h.endKey) > 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan interrupted: %w", err)
		}
		SleepInBatch.Execute(func(data map[string]interface{}) {
			if ms, ok := data["sleepMs"].(int); ok {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		})

		progressKey, err := keystr.Rehydrate(idPattern, k)
		if err != nil {
			return fmt.Errorf("failed to decode primary index key: %w", err)
		}
		recordID := binary.BigEndian.Uint64(v)

		record, ok := h.coll.FindRecord(recordID)
		if !ok {
			// A dangling index entry is itself evidence of inconsistency;
			// the digest comparison will catch it. Report and keep going.
			h.log(ctx, healthlog.NewErrorEntry(ns, healthlog.ScopeDocument, "checkBatch",
				"error fetching record from record id",
				fmt.Errorf("record %d not found", recordID),
				bson.D{{Key: "recordId", Value: int64(recordID)}, {Key: "objId", Value: progressKey}}))
			continue
		}

		// Validate the raw bytes before interpreting them; parsing first
		// can mask the corruption.
		if err := bson.Raw(record).Validate(); err != nil {
			entry := healthlog.NewWarningEntry(ns, healthlog.ScopeDocument, "checkBatch",
				"record is not well-formed BSON", err,
				bson.D{{Key: "recordId", Value: int64(recordID)}, {Key: "objId", Value: progressKey}})
			if h.opts.Params != nil && h.opts.Params.StrictBSONValidation {
				entry = healthlog.NewErrorEntry(ns, healthlog.ScopeDocument, "checkBatch",
					"record is not well-formed BSON", err,
					bson.D{{Key: "recordId", Value: int64(recordID)}, {Key: "objId", Value: progressKey}})
			}
			h.log(ctx, entry)
		}

		if _, err := bson.Raw(record).LookupErr("_id"); err != nil {
			return &MissingIDError{Namespace: ns, RecordID: recordID}
		}

		// If this record would put us over a limit it belongs to the next
		// batch; stop without consuming it.
		if !h.canHash(len(record)) {
			return nil
		}

		if missingKeysMode {
			h.validateMissingKeys(ctx, bson.Raw(record), recordID, progressKey)
		}

		h.digest.Write(record)
		h.docsSeen++
		h.bytesSeen += int64(len(record))
		h.lastKeySeen = progressKey

		if err := h.throttle.AwaitIfNeeded(ctx, len(record)); err != nil {
			return fmt.Errorf("scan interrupted: %w", err)
		}
	}

	if reachedTrueEnd {
		h.lastKeySeen = maxKeySentinel(idPattern)
	}
	return nil
}

// HashIndex performs the secondary-index-only scan: it folds each entry's
// bytes excluding the trailing record location, so nodes whose record
// locations differ still agree on the digest.
func (h *Hasher) HashIndex(ctx context.Context) error {
	spec, ok := h.coll.Meta().Index(h.opts.IndexName)
	if !ok {
		return &IndexNotFoundError{Namespace: h.coll.Namespace(), Index: h.opts.IndexName}
	}
	cursor, err := h.coll.IndexCursor(h.opts.IndexName)
	if err != nil {
		return err
	}

	var prevEntry []byte
	var endEqualSeen int64
	reachedTrueEnd := false
	for k, _ := cursor.Seek(h.startKey); ; k, _ = cursor.Next() {
		if k == nil {
			reachedTrueEnd = true
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan interrupted: %w", err)
		}

		entryKey := k
		if !spec.Unique {
			entryKey, _, err = keystr.SplitRecordID(k)
			if err != nil {
				return fmt.Errorf("malformed index entry in %s: %w", spec.Name, err)
			}
		}

		if h.opts.StartExclusive && bytes.Equal(entryKey, h.startKey) {
			continue
		}
		if keystr.Compare(entryKey, h.endKey) > 0 {
			break
		}
		// Replay the issuer's truncation point: a batch may have cut a
		// run of duplicate keys short, and folding more of them than the
		// issuer did would fabricate a mismatch.
		if h.opts.IdenticalKeysAtEnd > 0 && bytes.Equal(entryKey, h.endKey) &&
			endEqualSeen >= h.opts.IdenticalKeysAtEnd {
			break
		}
		if !h.canHash(len(entryKey)) {
			return nil
		}

		h.digest.Write(entryKey)
		h.keysSeen++
		h.bytesSeen += int64(len(entryKey))

		if prevEntry != nil && bytes.Equal(entryKey, prevEntry) {
			h.trailingIdentical++
		} else {
			h.trailingIdentical = 1
		}
		prevEntry = append(prevEntry[:0], entryKey...)
		if bytes.Equal(entryKey, h.endKey) {
			endEqualSeen++
		}

		lastKey, err := keystr.Rehydrate(spec.Key, entryKey)
		if err != nil {
			return fmt.Errorf("failed to decode index key: %w", err)
		}
		h.lastKeySeen = lastKey

		// A run of identical keys at the tail would otherwise defeat
		// batch-size control; the issuer stops once it hits the ceiling.
		if h.opts.MaxIdenticalKeys > 0 && h.trailingIdentical >= h.opts.MaxIdenticalKeys {
			return nil
		}

		if err := h.throttle.AwaitIfNeeded(ctx, len(entryKey)); err != nil {
			return fmt.Errorf("scan interrupted: %w", err)
		}
	}

	if h.keysSeen == 0 || reachedTrueEnd {
		h.lastKeySeen = maxKeySentinel(spec.Key)
	}
	return nil
}

// validateMissingKeys probes every applicable secondary index for the
// entries a correct index would hold for this record. Missing keys are
// collected and reported per record; they never stop the scan.
func (h *Hasher) validateMissingKeys(ctx context.Context, doc bson.Raw, recordID uint64, progressKey bson.D) {
	ns := h.coll.Namespace()
	var docMissing []bson.D

	for i := range h.coll.Meta().Indexes {
		spec := &h.coll.Meta().Indexes[i]
		if spec.Kind != storage.IndexKindBtree {
			h.logger.Debug("skipping unsupported index kind",
				"namespace", ns, "index", spec.Name, "kind", spec.Kind)
			continue
		}
		if len(spec.PartialFilter) > 0 && !storage.MatchesFilter(spec.PartialFilter, doc) {
			continue
		}

		keys, err := storage.IndexKeysForDocument(spec, doc)
		if err != nil {
			h.log(ctx, healthlog.NewErrorEntry(ns, healthlog.ScopeIndex, "checkBatch",
				"failed to compute expected index keys", err,
				bson.D{{Key: "indexName", Value: spec.Name}, {Key: "objId", Value: progressKey}}))
			continue
		}
		cursor, err := h.coll.IndexCursor(spec.Name)
		if err != nil {
			h.log(ctx, healthlog.NewErrorEntry(ns, healthlog.ScopeIndex, "checkBatch",
				"failed to open index for probing", err,
				bson.D{{Key: "indexName", Value: spec.Name}}))
			continue
		}

		for _, key := range keys {
			if h.probeIndex(cursor, spec, key, recordID) {
				continue
			}
			rehydrated, err := keystr.Rehydrate(spec.Key, key)
			if err != nil {
				rehydrated = bson.D{{Key: "raw", Value: hex.EncodeToString(key)}}
			}
			docMissing = append(docMissing, bson.D{
				{Key: "indexName", Value: spec.Name},
				{Key: "keyString", Value: rehydrated},
				{Key: "expectedRecordId", Value: int64(recordID)},
			})
		}
	}

	if len(docMissing) > 0 {
		h.missingKeys = append(h.missingKeys, docMissing...)
		h.log(ctx, healthlog.NewErrorEntry(ns, healthlog.ScopeDocument, "checkBatch",
			"record has missing index keys", nil,
			bson.D{
				{Key: "recordId", Value: int64(recordID)},
				{Key: "objId", Value: progressKey},
				{Key: "missingIndexKeys", Value: docMissing},
			}))
	}
}

func (h *Hasher) probeIndex(cursor *storage.Cursor, spec *storage.IndexSpec, key []byte, recordID uint64) bool {
	if spec.Unique {
		k, v := cursor.Seek(key)
		return k != nil && bytes.Equal(k, key) && len(v) == keystr.RecordIDSize &&
			binary.BigEndian.Uint64(v) == recordID
	}
	target := keystr.AppendRecordID(key, recordID)
	k, _ := cursor.Seek(target)
	return k != nil && bytes.Equal(k, target)
}

// canHash reports whether one more unit of the given size fits in the
// batch. The first unit always fits, so an oversized single record can
// never starve the batch.
func (h *Hasher) canHash(size int) bool {
	if h.countSeen() == 0 {
		return true
	}
	if h.bytesSeen+int64(size) > h.opts.MaxBytes {
		return false
	}
	if h.countSeen()+1 > h.opts.MaxCount {
		return false
	}
	return true
}

func (h *Hasher) countSeen() int64 {
	return h.docsSeen + h.keysSeen
}

// Total finalizes the digest to its fixed-width hex form.
func (h *Hasher) Total() string {
	return hex.EncodeToString(h.digest.Sum(nil))
}

func (h *Hasher) BytesSeen() int64      { return h.bytesSeen }
func (h *Hasher) DocsSeen() int64       { return h.docsSeen }
func (h *Hasher) KeysSeen() int64       { return h.keysSeen }
func (h *Hasher) CountSeen() int64      { return h.countSeen() }
func (h *Hasher) LastKeySeen() bson.D   { return h.lastKeySeen }
func (h *Hasher) MissingKeys() []bson.D { return h.missingKeys }

// TrailingIdenticalKeys is the length of the run of identical keys at
// the tail of the scan, letting appliers and later batches re-derive
// where a run of duplicates was truncated.
func (h *Hasher) TrailingIdenticalKeys() int64 { return h.trailingIdentical }

func (h *Hasher) log(ctx context.Context, entry *healthlog.Entry) {
	if h.sink == nil {
		return
	}
	if err := h.sink.Log(ctx, entry); err != nil {
		h.logger.Error("failed to write health log entry", "error", err)
	}
}

func encodeBoundary(doc bson.Raw) ([]byte, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	vals := make([]bson.RawValue, 0, len(elems))
	for _, elem := range elems {
		vals = append(vals, elem.Value())
	}
	return keystr.Encode(vals...)
}

func maxKeySentinel(pattern bson.D) bson.D {
	sentinel := make(bson.D, 0, len(pattern))
	for _, elem := range pattern {
		sentinel = append(sentinel, bson.E{Key: elem.Key, Value: primitive.MaxKey{}})
	}
	return sentinel
}

func minKeyBoundary(pattern bson.D) bson.D {
	boundary := make(bson.D, 0, len(pattern))
	for _, elem := range pattern {
		boundary = append(boundary, bson.E{Key: elem.Key, Value: primitive.MinKey{}})
	}
	return boundary
}
