package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/keystr"
	"github.com/replcheck/replcheck/internal/storage"
)

// InstructionLog is the replicated stream the runner writes to. Submit
// returns once the instruction is durably ordered; LastIndex is the
// position of the most recent ordered entry.
type InstructionLog interface {
	Submit(ctx context.Context, in *Instruction) error
	LastIndex() uint64
}

// LocalLog orders instructions in-process and applies them to a single
// handler. It serves single-node deployments and tests; clustered nodes
// use the consensus log instead.
type LocalLog struct {
	handler *Handler
	index   atomic.Uint64
}

func NewLocalLog(handler *Handler) *LocalLog {
	return &LocalLog{handler: handler}
}

func (l *LocalLog) Submit(ctx context.Context, in *Instruction) error {
	in.ReadIndex = l.index.Add(1)
	return l.handler.Apply(ctx, in, ApplySteady)
}

func (l *LocalLog) LastIndex() uint64 {
	return l.index.Load()
}

// CheckParams describes one requested check run over a namespace.
type CheckParams struct {
	Namespace string
	Mode      ValidationMode
	IndexName string

	// Optional range restriction in primary-key (or index-key) space.
	Start bson.D
	End   bson.D

	MaxBatchCount int64
	MaxBatchBytes int64

	// MaxIdenticalKeys caps the run of duplicate index keys a single
	// batch may end on.
	MaxIdenticalKeys int64

	// LogBatch forces every batch to the health log regardless of the
	// appliers' sampling interval.
	LogBatch bool
}

// Runner drives a check from the authoritative node: it hashes each
// batch locally, then replicates a batch instruction carrying the digest
// and the exact range it covered. Every node that applies the
// instruction re-hashes the same range and compares.
type Runner struct {
	engine   *storage.Engine
	log      InstructionLog
	sink     healthlog.Sink
	logger   *slog.Logger
	throttle *DataThrottle
}

func NewRunner(engine *storage.Engine, log InstructionLog, sink healthlog.Sink, logger *slog.Logger, throttleBytesPerSec int64) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:   engine,
		log:      log,
		sink:     sink,
		logger:   logger,
		throttle: NewDataThrottle(throttleBytesPerSec),
	}
}

// Run executes the whole check: a start marker, one batch instruction
// per hashed range until the namespace (or the requested range) is
// exhausted, and a stop marker. An empty collection still produces one
// zero-count batch so every node records that it was checked.
func (r *Runner) Run(ctx context.Context, params CheckParams) error {
	if params.Mode == "" {
		params.Mode = ModeDataConsistency
	}
	if params.Mode == ModeExtraIndexKeys && params.IndexName == "" {
		return fmt.Errorf("extra index keys check requires an index name")
	}
	if params.MaxBatchCount <= 0 {
		params.MaxBatchCount = DefaultMaxCount
	}
	if params.MaxBatchBytes <= 0 {
		params.MaxBatchBytes = DefaultMaxBytes
	}
	if params.MaxIdenticalKeys <= 0 {
		params.MaxIdenticalKeys = DefaultMaxIdenticalKeys
	}

	collUUID, keyPattern, err := r.resolveTarget(params)
	if err != nil {
		return err
	}

	secParams := &SecondaryIndexParams{Mode: params.Mode, IndexName: params.IndexName}

	if err := r.log.Submit(ctx, &Instruction{
		Type:           InstructionStart,
		Namespace:      params.Namespace,
		CollectionUUID: collUUID,
		Params:         secParams,
	}); err != nil {
		return fmt.Errorf("failed to replicate start marker: %w", err)
	}

	start := params.Start
	if start == nil {
		start = minKeyBoundary(keyPattern)
	}
	end := params.End
	if end == nil {
		end = maxKeySentinel(keyPattern)
	}
	endRaw, err := bson.Marshal(end)
	if err != nil {
		return fmt.Errorf("failed to encode range end: %w", err)
	}

	startExclusive := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		last, done, err := r.runBatch(ctx, params, secParams, collUUID, start, bson.Raw(endRaw), startExclusive)
		if err != nil {
			return err
		}
		if done {
			break
		}
		start = last
		startExclusive = true
	}

	if err := r.log.Submit(ctx, &Instruction{
		Type:           InstructionStop,
		Namespace:      params.Namespace,
		CollectionUUID: collUUID,
		Params:         secParams,
	}); err != nil {
		return fmt.Errorf("failed to replicate stop marker: %w", err)
	}
	return nil
}

// runBatch hashes one range locally and replicates the result. It
// returns the last key the batch covered and whether the run is
// complete.
func (r *Runner) runBatch(ctx context.Context, params CheckParams, secParams *SecondaryIndexParams, collUUID string, start bson.D, endRaw bson.Raw, startExclusive bool) (bson.D, bool, error) {
	startRaw, err := bson.Marshal(start)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode batch start: %w", err)
	}

	acq, err := NewAcquisition(r.engine, params.Namespace, storage.PrepareConflictIgnoreAllowWrites)
	if err != nil {
		return nil, false, err
	}
	defer acq.Close()

	coll := acq.Collection()
	if !coll.Exists() {
		r.logger.Info("collection disappeared mid-check; stopping",
			"namespace", params.Namespace)
		return nil, true, nil
	}

	hasher, err := NewHasher(coll, bson.Raw(startRaw), endRaw, HasherOptions{
		Sink:             r.sink,
		Logger:           r.logger,
		Throttle:         r.throttle,
		Params:           secParams,
		IndexName:        params.IndexName,
		StartExclusive:   startExclusive,
		MaxCount:         params.MaxBatchCount,
		MaxBytes:         params.MaxBatchBytes,
		MaxIdenticalKeys: params.MaxIdenticalKeys,
	})
	if err != nil {
		return nil, false, err
	}

	if params.Mode == ModeExtraIndexKeys {
		err = hasher.HashIndex(ctx)
	} else {
		err = hasher.HashCollection(ctx)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash batch: %w", err)
	}

	last := hasher.LastKeySeen()
	lastRaw, err := bson.Marshal(last)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode batch end: %w", err)
	}

	logBatch := params.LogBatch
	in := &Instruction{
		Type:           InstructionBatch,
		Namespace:      params.Namespace,
		CollectionUUID: collUUID,
		BatchID:        uuid.NewString(),
		Params:         secParams,
		BatchStart:     bson.Raw(startRaw),
		BatchEnd:       bson.Raw(lastRaw),
		StartExclusive: startExclusive,
		ExpectedDigest: hasher.Total(),
		MaxCount:       hasher.CountSeen(),
		MaxBytes:       hasher.BytesSeen(),
		ReadIndex:      r.log.LastIndex(),
	}
	if params.Mode == ModeExtraIndexKeys {
		in.IdenticalKeysAtEnd = hasher.TrailingIdenticalKeys()
	}
	if logBatch {
		in.LogBatch = &logBatch
	}
	if err := r.log.Submit(ctx, in); err != nil {
		return nil, false, fmt.Errorf("failed to replicate batch: %w", err)
	}

	done := hasher.CountSeen() == 0 || !keyBelow(last, endRaw)
	return last, done, nil
}

// resolveTarget snapshots the collection identity and key pattern the
// run is defined over. The UUID pins later batches to this incarnation.
func (r *Runner) resolveTarget(params CheckParams) (string, bson.D, error) {
	acq, err := NewAcquisition(r.engine, params.Namespace, storage.PrepareConflictIgnoreAllowWrites)
	if err != nil {
		return "", nil, err
	}
	defer acq.Close()

	coll := acq.Collection()
	if !coll.Exists() {
		return "", nil, fmt.Errorf("namespace %s does not exist", params.Namespace)
	}
	if params.Mode == ModeExtraIndexKeys {
		spec, ok := coll.Meta().Index(params.IndexName)
		if !ok {
			return "", nil, &IndexNotFoundError{Namespace: params.Namespace, Index: params.IndexName}
		}
		return coll.Meta().UUID, spec.Key, nil
	}
	return coll.Meta().UUID, idPattern, nil
}

// keyBelow reports whether key sorts strictly before the encoded range
// end, meaning another batch is still needed.
func keyBelow(key bson.D, endRaw bson.Raw) bool {
	keyDoc, err := bson.Marshal(key)
	if err != nil {
		return false
	}
	keyEnc, err := encodeBoundary(bson.Raw(keyDoc))
	if err != nil {
		return false
	}
	endEnc, err := encodeBoundary(endRaw)
	if err != nil {
		return false
	}
	return keystr.Compare(keyEnc, endEnc) < 0
}
