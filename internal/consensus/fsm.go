package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/storage"
	"github.com/replcheck/replcheck/internal/verify"
)

// FSM applies the replicated log to the local document store and routes
// check instructions to the verification handler. Apply results for
// check entries are always nil; a verification finding must not be
// mistaken for a replication failure.
type FSM struct {
	mu      sync.Mutex
	engine  *storage.Engine
	handler *verify.Handler
	mode    atomic.Value
}

func NewFSM(engine *storage.Engine, handler *verify.Handler) *FSM {
	f := &FSM{
		engine:  engine,
		handler: handler,
	}
	f.mode.Store(verify.ApplyRecovering)
	return f
}

// SetApplyMode records the node's replication state. Check instructions
// applied outside steady state are skipped with a health log warning.
func (f *FSM) SetApplyMode(mode verify.ApplyMode) {
	f.mode.Store(mode)
}

func (f *FSM) ApplyMode() verify.ApplyMode {
	return f.mode.Load().(verify.ApplyMode)
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch entry.Type {
	case LogEntryInsert:
		_, err := f.engine.Insert(entry.Namespace, bson.Raw(entry.Document))
		if err != nil {
			return fmt.Errorf("failed to apply insert to %s: %w", entry.Namespace, err)
		}
		return nil
	case LogEntryCreateCollection:
		if err := f.engine.CreateCollection(entry.Namespace, entry.Capped); err != nil {
			return fmt.Errorf("failed to apply collection create: %w", err)
		}
		return nil
	case LogEntryCreateIndex:
		var spec storage.IndexSpec
		if err := bson.Unmarshal(entry.IndexSpec, &spec); err != nil {
			return fmt.Errorf("failed to decode index spec: %w", err)
		}
		if err := f.engine.CreateIndex(entry.Namespace, spec); err != nil {
			return fmt.Errorf("failed to apply index create: %w", err)
		}
		return nil
	case LogEntryCheck:
		if entry.Instruction == nil {
			return fmt.Errorf("check entry without instruction")
		}
		// The log index is the shared read timestamp: every node applies
		// the same instruction at the same position.
		entry.Instruction.ReadIndex = log.Index
		return f.handler.Apply(context.Background(), entry.Instruction, f.ApplyMode())
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{engine: f.engine}, nil
}

// Restore swaps the whole document store for the leader's backup. The
// node is resynchronizing, so check instructions replayed before the
// tail of the log are skipped.
func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	f.mode.Store(verify.ApplyInitialSync)
	if err := f.engine.Restore(rc); err != nil {
		return fmt.Errorf("failed to restore document store: %w", err)
	}
	return nil
}

type fsmSnapshot struct {
	engine *storage.Engine
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	if err := s.engine.Backup(sink); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to stream snapshot: %w", err)
	}
	return nil
}

func (s *fsmSnapshot) Release() {
}
