package verify

import (
	"fmt"

	"github.com/replcheck/replcheck/internal/storage"
)

// Acquisition is a scoped, consistent read view of one namespace. On
// construction it swaps the engine's prepare-conflict behavior to the
// requested one and corruption handling to log-and-continue, then opens
// the storage snapshot. Close restores everything on every exit path; a
// single corrupt record must not abort the whole scan, and the swapped
// modes must not leak past the batch.
type Acquisition struct {
	engine   *storage.Engine
	snapshot *storage.Snapshot
	coll     *storage.Collection

	prevPrepare    storage.PrepareConflictBehavior
	prevCorruption storage.CorruptionMode
	closed         bool
}

// NewAcquisition opens the read view. A namespace that does not exist is
// not an error: the returned handle's Collection().Exists() is false and
// callers must check it.
func NewAcquisition(engine *storage.Engine, ns string, behavior storage.PrepareConflictBehavior) (*Acquisition, error) {
	a := &Acquisition{
		engine:         engine,
		prevPrepare:    engine.SwapPrepareConflictBehavior(behavior),
		prevCorruption: engine.SwapCorruptionMode(storage.CorruptionLogAndContinue),
	}

	snapshot, err := engine.Snapshot()
	if err != nil {
		a.restore()
		return nil, fmt.Errorf("failed to open snapshot for %s: %w", ns, err)
	}
	a.snapshot = snapshot

	coll, err := snapshot.Collection(ns)
	if err != nil {
		snapshot.Close()
		a.restore()
		return nil, fmt.Errorf("failed to resolve %s: %w", ns, err)
	}
	a.coll = coll

	return a, nil
}

func (a *Acquisition) Collection() *storage.Collection {
	return a.coll
}

// Close releases the snapshot and restores the swapped engine modes.
// Idempotent.
func (a *Acquisition) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.snapshot != nil {
		a.snapshot.Close()
	}
	a.restore()
}

func (a *Acquisition) restore() {
	a.engine.SwapCorruptionMode(a.prevCorruption)
	a.engine.SwapPrepareConflictBehavior(a.prevPrepare)
}
