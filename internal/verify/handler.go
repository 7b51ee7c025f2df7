package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/keystr"
	"github.com/replcheck/replcheck/internal/storage"
)

// HandlerConfig is the node-local tuning for instruction application. The
// replicated stream itself carries no node-local knobs, so two nodes with
// different configs still compute identical digests.
type HandlerConfig struct {
	HealthLogEveryN     int64
	ThrottleBytesPerSec int64
	WarnOnlyNamespaces  []string
}

// Handler applies replicated check instructions against the local store
// and reports every outcome to the health log. Application must never
// fail the replication apply loop, so Apply swallows all verification
// errors after reporting them.
type Handler struct {
	engine   *storage.Engine
	sink     healthlog.Sink
	logger   *slog.Logger
	throttle *DataThrottle

	healthLogEveryN int64
	warnOnly        map[string]struct{}

	disabled         atomic.Bool
	batchesProcessed atomic.Int64
}

func NewHandler(engine *storage.Engine, sink healthlog.Sink, logger *slog.Logger, cfg HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthLogEveryN <= 0 {
		cfg.HealthLogEveryN = DefaultHealthLogEveryN
	}
	warnOnly := make(map[string]struct{}, len(cfg.WarnOnlyNamespaces))
	for _, ns := range cfg.WarnOnlyNamespaces {
		warnOnly[ns] = struct{}{}
	}
	return &Handler{
		engine:          engine,
		sink:            sink,
		logger:          logger,
		throttle:        NewDataThrottle(cfg.ThrottleBytesPerSec),
		healthLogEveryN: cfg.HealthLogEveryN,
		warnOnly:        warnOnly,
	}
}

// SetDisabled flips the node-local kill switch. Instructions received
// while disabled are acknowledged with a warning and not executed.
func (h *Handler) SetDisabled(disabled bool) {
	h.disabled.Store(disabled)
}

// BatchesProcessed is the lifetime count of executed batch instructions
// on this node.
func (h *Handler) BatchesProcessed() int64 {
	return h.batchesProcessed.Load()
}

// Apply executes one instruction. It always returns nil: a verification
// finding is a health log entry, not an apply failure, and an apply
// failure would halt replication for every namespace on the node.
func (h *Handler) Apply(ctx context.Context, in *Instruction, mode ApplyMode) error {
	defer func() {
		if r := recover(); r != nil {
			h.log(ctx, healthlog.NewErrorEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
				"unexpected error while checking batch",
				fmt.Errorf("panic: %v", r), nil))
		}
	}()

	if mode != ApplySteady {
		h.log(ctx, healthlog.NewWarningEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			fmt.Sprintf("skipping consistency check during %s", mode), nil, nil))
		return nil
	}
	if h.disabled.Load() {
		h.log(ctx, healthlog.NewWarningEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			"checks are disabled on this node; skipping instruction", nil, nil))
		return nil
	}

	switch in.Type {
	case InstructionStart, InstructionStop:
		entry := healthlog.NewEntry(in.Namespace, healthlog.SeverityInfo, healthlog.ScopeCluster,
			in.Operation(), string(in.Type), bson.D{{Key: "success", Value: true}})
		entry.CollectionUUID = in.CollectionUUID
		h.log(ctx, entry)
	case InstructionCollection:
		// Collection-metadata checks predate per-batch checking and are
		// retired; acknowledge so mixed streams stay consumable.
		h.log(ctx, healthlog.NewEntry(in.Namespace, healthlog.SeverityInfo, healthlog.ScopeCluster,
			in.Operation(), "collection metadata check is not supported; ignoring",
			bson.D{{Key: "success", Value: true}}))
	case InstructionBatch:
		h.applyBatch(ctx, in)
	default:
		h.log(ctx, healthlog.NewErrorEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			"unrecognized check instruction",
			fmt.Errorf("unknown instruction type %q", in.Type), nil))
	}
	return nil
}

func (h *Handler) applyBatch(ctx context.Context, in *Instruction) {
	acq, err := NewAcquisition(h.engine, in.Namespace, storage.PrepareConflictIgnoreAllowWrites)
	if err != nil {
		h.log(ctx, healthlog.NewErrorEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			"failed to acquire collection for checking", err, h.batchContext(in)))
		return
	}
	defer acq.Close()

	coll := acq.Collection()
	if !coll.Exists() {
		h.log(ctx, healthlog.NewEntry(in.Namespace, healthlog.SeverityInfo, healthlog.ScopeCluster,
			in.Operation(), "abandoning batch: collection no longer exists",
			bson.D{{Key: "success", Value: true}, {Key: "context", Value: h.batchContext(in)}}))
		return
	}
	if in.CollectionUUID != "" && coll.Meta().UUID != in.CollectionUUID {
		h.log(ctx, healthlog.NewEntry(in.Namespace, healthlog.SeverityInfo, healthlog.ScopeCluster,
			in.Operation(), "abandoning batch: collection was dropped and recreated",
			bson.D{
				{Key: "success", Value: true},
				{Key: "expectedUUID", Value: in.CollectionUUID},
				{Key: "foundUUID", Value: coll.Meta().UUID},
			}))
		return
	}

	hasher, err := NewHasher(coll, in.BatchStart, in.BatchEnd, HasherOptions{
		Sink:               h.sink,
		Logger:             h.logger,
		Throttle:           h.throttle,
		Params:             in.Params,
		IndexName:          h.indexName(in),
		StartExclusive:     in.StartExclusive,
		MaxCount:           in.MaxCount,
		MaxBytes:           in.MaxBytes,
		IdenticalKeysAtEnd: in.IdenticalKeysAtEnd,
	})
	if err != nil {
		h.log(ctx, healthlog.NewErrorEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			"failed to initialize batch hasher", err, h.batchContext(in)))
		return
	}

	if in.Mode() == ModeExtraIndexKeys {
		err = hasher.HashIndex(ctx)
		_ = HangAfterExtraIndexKeysHash.PauseWhileSet(ctx)
	} else {
		err = hasher.HashCollection(ctx)
	}
	if err != nil {
		entry := healthlog.NewErrorEntry(in.Namespace, healthlog.ScopeCluster, in.Operation(),
			"error executing consistency check batch", err, h.batchContext(in))
		if IsIndexNotFound(err) {
			entry.Scope = healthlog.ScopeIndex
		}
		entry.CollectionUUID = in.CollectionUUID
		h.log(ctx, entry)
		return
	}

	found := hasher.Total()
	match := found == in.ExpectedDigest
	success := match && len(hasher.MissingKeys()) == 0

	entry := h.batchEntry(in, coll, hasher, found, success)
	if !success {
		entry.Severity = healthlog.SeverityError
		if coll.Meta().Capped || h.isWarnOnly(in.Namespace) {
			// A capped collection truncates independently on each node, so
			// disagreement there is expected rather than evidence of damage.
			entry.Severity = healthlog.SeverityWarning
		}
		if !match {
			entry.Msg = "found inconsistent batch"
		} else {
			entry.Msg = "batch has missing index keys"
		}
	}

	n := h.batchesProcessed.Add(1)
	logBatch := success && (n%h.healthLogEveryN == 0)
	if in.LogBatch != nil {
		logBatch = *in.LogBatch
	}
	if !success || logBatch {
		h.log(ctx, entry)
	}
}

// batchEntry builds the full success-shaped record for one executed
// batch; the caller downgrades it on failure.
func (h *Handler) batchEntry(in *Instruction, coll *storage.Collection, hasher *Hasher, found string, success bool) *healthlog.Entry {
	data := bson.D{
		{Key: "success", Value: success},
		{Key: "count", Value: hasher.CountSeen()},
		{Key: "bytes", Value: hasher.BytesSeen()},
		{Key: "md5", Value: found},
		{Key: "expectedMd5", Value: in.ExpectedDigest},
	}
	if in.BatchID != "" {
		data = append(data, bson.E{Key: "batchId", Value: in.BatchID})
	}
	data = append(data,
		bson.E{Key: "batchStart", Value: rehydrateBoundary(in, coll, in.BatchStart)},
		bson.E{Key: "batchEnd", Value: rehydrateBoundary(in, coll, in.BatchEnd)},
	)
	if in.Mode() == ModeExtraIndexKeys {
		data = append(data,
			bson.E{Key: "nConsecutiveIdenticalIndexKeysSeenAtEnd", Value: hasher.TrailingIdenticalKeys()},
		)
		if spec, ok := coll.Meta().Index(h.indexName(in)); ok {
			data = append(data, bson.E{Key: "indexSpec", Value: bson.D{
				{Key: "name", Value: spec.Name},
				{Key: "key", Value: spec.Key},
				{Key: "unique", Value: spec.Unique},
			}})
		}
	}
	if len(hasher.MissingKeys()) > 0 {
		data = append(data, bson.E{Key: "missingIndexKeys", Value: hasher.MissingKeys()})
	}
	if in.ReadIndex != 0 {
		data = append(data, bson.E{Key: "readTimestamp", Value: int64(in.ReadIndex)})
	}

	entry := healthlog.NewEntry(in.Namespace, healthlog.SeverityInfo, healthlog.ScopeCluster,
		in.Operation(), string(in.Type), data)
	entry.CollectionUUID = in.CollectionUUID
	return entry
}

func (h *Handler) indexName(in *Instruction) string {
	if in.Params == nil {
		return ""
	}
	return in.Params.IndexName
}

func (h *Handler) isWarnOnly(ns string) bool {
	_, ok := h.warnOnly[ns]
	return ok
}

func (h *Handler) batchContext(in *Instruction) bson.D {
	ctx := bson.D{}
	if in.BatchID != "" {
		ctx = append(ctx, bson.E{Key: "batchId", Value: in.BatchID})
	}
	if len(in.BatchStart) > 0 {
		ctx = append(ctx, bson.E{Key: "batchStart", Value: bson.Raw(in.BatchStart)})
	}
	if len(in.BatchEnd) > 0 {
		ctx = append(ctx, bson.E{Key: "batchEnd", Value: bson.Raw(in.BatchEnd)})
	}
	return ctx
}

func (h *Handler) log(ctx context.Context, entry *healthlog.Entry) {
	if h.sink == nil {
		return
	}
	if err := h.sink.Log(ctx, entry); err != nil {
		h.logger.Error("failed to write health log entry",
			"operation", entry.Operation, "error", err)
	}
}

// rehydrateBoundary renders an instruction boundary back into field-name
// form for reporting. Boundaries already arrive as BSON documents; this
// only normalizes them through the key encoding so the logged form is the
// one the digest actually used.
func rehydrateBoundary(in *Instruction, coll *storage.Collection, boundary bson.Raw) interface{} {
	pattern := idPattern
	if in.Mode() == ModeExtraIndexKeys && in.Params != nil {
		if spec, ok := coll.Meta().Index(in.Params.IndexName); ok {
			pattern = spec.Key
		}
	}
	encoded, err := encodeBoundary(boundary)
	if err != nil {
		return boundary
	}
	rehydrated, err := keystr.Rehydrate(pattern, encoded)
	if err != nil {
		return boundary
	}
	return rehydrated
}
