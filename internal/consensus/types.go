package consensus

import (
	"github.com/replcheck/replcheck/internal/verify"
)

type LogEntryType string

const (
	LogEntryInsert           LogEntryType = "insert"
	LogEntryCreateCollection LogEntryType = "create_collection"
	LogEntryCreateIndex      LogEntryType = "create_index"
	LogEntryCheck            LogEntryType = "check"
)

// LogEntry is one replicated record. Data-plane entries mutate the
// document store; check entries drive verification. Document and
// IndexSpec carry raw BSON so every node applies byte-identical input.
type LogEntry struct {
	Type      LogEntryType `json:"type"`
	Namespace string       `json:"namespace,omitempty"`

	Document  []byte `json:"document,omitempty"`
	Capped    bool   `json:"capped,omitempty"`
	IndexSpec []byte `json:"indexSpec,omitempty"`

	Instruction *verify.Instruction `json:"instruction,omitempty"`
}
