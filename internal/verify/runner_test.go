package verify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/storage"
)

// replicatedLog fans each instruction out to every node's handler, round
// tripping it through its wire encoding first.
type replicatedLog struct {
	handlers []*Handler
	index    atomic.Uint64
}

func (l *replicatedLog) Submit(ctx context.Context, in *Instruction) error {
	in.ReadIndex = l.index.Add(1)
	encoded, err := json.Marshal(in)
	if err != nil {
		return err
	}
	for _, h := range l.handlers {
		var decoded Instruction
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return err
		}
		if err := h.Apply(ctx, &decoded, ApplySteady); err != nil {
			return err
		}
	}
	return nil
}

func (l *replicatedLog) LastIndex() uint64 {
	return l.index.Load()
}

func twoNodeCluster(t *testing.T) (*storage.Engine, *storage.Engine, *memSink, *memSink, *Runner) {
	t.Helper()
	primary := newTestEngine(t)
	secondary := newTestEngine(t)

	primarySink := &memSink{}
	secondarySink := &memSink{}
	log := &replicatedLog{handlers: []*Handler{
		NewHandler(primary, primarySink, nil, HandlerConfig{}),
		NewHandler(secondary, secondarySink, nil, HandlerConfig{}),
	}}
	runner := NewRunner(primary, log, primarySink, nil, 0)
	return primary, secondary, primarySink, secondarySink, runner
}

func TestRunReplicatesMatchingBatches(t *testing.T) {
	primary, secondary, primarySink, secondarySink, runner := twoNodeCluster(t)
	for _, engine := range []*storage.Engine{primary, secondary} {
		mustCreate(t, engine, testNS)
		for i := 1; i <= 5; i++ {
			mustInsert(t, engine, testNS, bson.D{{Key: "_id", Value: i}, {Key: "v", Value: i * 10}})
		}
	}

	err := runner.Run(context.Background(), CheckParams{
		Namespace:     testNS,
		MaxBatchCount: 2,
		LogBatch:      true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for name, sink := range map[string]*memSink{"primary": primarySink, "secondary": secondarySink} {
		if errs := sink.bySeverity(healthlog.SeverityError); len(errs) != 0 {
			t.Fatalf("%s: unexpected error entries: %v", name, errs[0].Msg)
		}
		infos := sink.bySeverity(healthlog.SeverityInfo)
		// start marker, three batches of 2+2+1 docs, stop marker.
		if len(infos) != 5 {
			t.Fatalf("%s: expected 5 info entries, got %d", name, len(infos))
		}
		var batches int
		for _, e := range infos {
			if e.Operation == "checkBatch" {
				batches++
			}
		}
		if batches != 3 {
			t.Fatalf("%s: expected 3 batch entries, got %d", name, batches)
		}
	}
}

func TestRunDetectsInconsistentReplica(t *testing.T) {
	primary, secondary, primarySink, secondarySink, runner := twoNodeCluster(t)
	mustCreate(t, primary, testNS)
	mustCreate(t, secondary, testNS)
	for i := 1; i <= 3; i++ {
		mustInsert(t, primary, testNS, bson.D{{Key: "_id", Value: i}, {Key: "v", Value: i}})
	}
	// The replica silently diverged on one document.
	mustInsert(t, secondary, testNS, bson.D{{Key: "_id", Value: 1}, {Key: "v", Value: 1}})
	mustInsert(t, secondary, testNS, bson.D{{Key: "_id", Value: 2}, {Key: "v", Value: 999}})
	mustInsert(t, secondary, testNS, bson.D{{Key: "_id", Value: 3}, {Key: "v", Value: 3}})

	err := runner.Run(context.Background(), CheckParams{Namespace: testNS})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if errs := primarySink.bySeverity(healthlog.SeverityError); len(errs) != 0 {
		t.Fatalf("primary must agree with itself, got %d errors", len(errs))
	}
	errs := secondarySink.bySeverity(healthlog.SeverityError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error entry on the replica, got %d", len(errs))
	}
	if errs[0].Msg != "found inconsistent batch" {
		t.Fatalf("unexpected message: %s", errs[0].Msg)
	}
	assertDataField(t, errs[0].Data, "success", false)
}

func TestRunEmptyCollection(t *testing.T) {
	primary, secondary, _, secondarySink, runner := twoNodeCluster(t)
	mustCreate(t, primary, testNS)
	mustCreate(t, secondary, testNS)

	err := runner.Run(context.Background(), CheckParams{
		Namespace: testNS,
		LogBatch:  true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var batches []*healthlog.Entry
	for _, e := range secondarySink.bySeverity(healthlog.SeverityInfo) {
		if e.Operation == "checkBatch" {
			batches = append(batches, e)
		}
	}
	if len(batches) != 1 {
		t.Fatalf("an empty collection still gets one batch, got %d", len(batches))
	}
	assertDataField(t, batches[0].Data, "success", true)
	assertDataField(t, batches[0].Data, "count", int64(0))
}

func TestRunExtraIndexKeys(t *testing.T) {
	primary, secondary, _, secondarySink, runner := twoNodeCluster(t)
	for _, engine := range []*storage.Engine{primary, secondary} {
		mustCreate(t, engine, testNS)
		if err := engine.CreateIndex(testNS, storage.IndexSpec{
			Name: "a_1",
			Key:  bson.D{{Key: "a", Value: 1}},
		}); err != nil {
			t.Fatalf("create index: %v", err)
		}
		for i := 1; i <= 4; i++ {
			mustInsert(t, engine, testNS, bson.D{{Key: "_id", Value: i}, {Key: "a", Value: i % 2}})
		}
	}

	err := runner.Run(context.Background(), CheckParams{
		Namespace: testNS,
		Mode:      ModeExtraIndexKeys,
		IndexName: "a_1",
		LogBatch:  true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if errs := secondarySink.bySeverity(healthlog.SeverityError); len(errs) != 0 {
		t.Fatalf("matching indexes must not report errors, got %d", len(errs))
	}
}

func TestRunExtraIndexKeysDuplicateRuns(t *testing.T) {
	primary, secondary, primarySink, secondarySink, runner := twoNodeCluster(t)
	for _, engine := range []*storage.Engine{primary, secondary} {
		mustCreate(t, engine, testNS)
		if err := engine.CreateIndex(testNS, storage.IndexSpec{
			Name: "a_1",
			Key:  bson.D{{Key: "a", Value: 1}},
		}); err != nil {
			t.Fatalf("create index: %v", err)
		}
		// One long run of duplicates forces batches to end mid-run.
		for i := 1; i <= 6; i++ {
			mustInsert(t, engine, testNS, bson.D{{Key: "_id", Value: i}, {Key: "a", Value: 1}})
		}
		mustInsert(t, engine, testNS, bson.D{{Key: "_id", Value: 7}, {Key: "a", Value: 2}})
	}

	err := runner.Run(context.Background(), CheckParams{
		Namespace:        testNS,
		Mode:             ModeExtraIndexKeys,
		IndexName:        "a_1",
		MaxIdenticalKeys: 3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for name, sink := range map[string]*memSink{"primary": primarySink, "secondary": secondarySink} {
		if errs := sink.bySeverity(healthlog.SeverityError); len(errs) != 0 {
			t.Fatalf("%s: identical data must agree even across duplicate runs: %s", name, errs[0].Msg)
		}
	}
}

func TestRunValidation(t *testing.T) {
	_, _, _, _, runner := twoNodeCluster(t)

	t.Run("unknown namespace", func(t *testing.T) {
		err := runner.Run(context.Background(), CheckParams{Namespace: "app.gone"})
		if err == nil {
			t.Fatal("expected an error for an unknown namespace")
		}
	})

	t.Run("extra index keys needs an index name", func(t *testing.T) {
		err := runner.Run(context.Background(), CheckParams{
			Namespace: testNS,
			Mode:      ModeExtraIndexKeys,
		})
		if err == nil {
			t.Fatal("expected an error without an index name")
		}
	})
}

func TestRunUnknownIndex(t *testing.T) {
	primary, _, _, _, runner := twoNodeCluster(t)
	mustCreate(t, primary, testNS)

	err := runner.Run(context.Background(), CheckParams{
		Namespace: testNS,
		Mode:      ModeExtraIndexKeys,
		IndexName: "nope_1",
	})
	if !IsIndexNotFound(err) {
		t.Fatalf("expected index-not-found, got %v", err)
	}
}

func TestLocalLog(t *testing.T) {
	engine := newTestEngine(t)
	mustCreate(t, engine, testNS)
	mustInsert(t, engine, testNS, bson.D{{Key: "_id", Value: 1}})

	sink := &memSink{}
	log := NewLocalLog(NewHandler(engine, sink, nil, HandlerConfig{}))

	if err := log.Submit(context.Background(), &Instruction{Type: InstructionStart, Namespace: testNS}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if log.LastIndex() != 1 {
		t.Fatalf("expected index 1, got %d", log.LastIndex())
	}
	if len(sink.bySeverity(healthlog.SeverityInfo)) != 1 {
		t.Fatalf("expected the start entry to be applied")
	}
}
