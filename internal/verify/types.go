package verify

import (
	"go.mongodb.org/mongo-driver/bson"
)

// ValidationMode selects which scan a batch performs and which
// side-checks run alongside it.
type ValidationMode string

const (
	ModeDataConsistency                   ValidationMode = "dataConsistency"
	ModeDataConsistencyAndMissingIndexKeys ValidationMode = "dataConsistencyAndMissingIndexKeysCheck"
	ModeExtraIndexKeys                     ValidationMode = "extraIndexKeysCheck"
)

// SecondaryIndexParams carries the optional validation-mode parameters of
// an instruction. IndexName is only meaningful for extraIndexKeysCheck.
type SecondaryIndexParams struct {
	Mode                 ValidationMode `json:"mode"`
	IndexName            string         `json:"indexName,omitempty"`
	StrictBSONValidation bool           `json:"strictBsonValidation,omitempty"`
}

type InstructionType string

const (
	InstructionStart      InstructionType = "start"
	InstructionBatch      InstructionType = "batch"
	InstructionCollection InstructionType = "collection"
	InstructionStop       InstructionType = "stop"
)

// Instruction is one record of the replicated check stream. Boundary
// keys are BSON documents in their original field-name shape; an absent
// start or end falls back to the MinKey/MaxKey sentinels.
type Instruction struct {
	Type           InstructionType       `json:"type"`
	Namespace      string                `json:"namespace"`
	CollectionUUID string                `json:"collectionUUID,omitempty"`
	BatchID        string                `json:"batchId,omitempty"`
	Params         *SecondaryIndexParams `json:"params,omitempty"`
	BatchStart     bson.Raw              `json:"batchStart,omitempty"`
	BatchEnd       bson.Raw              `json:"batchEnd,omitempty"`
	StartExclusive bool                  `json:"startExclusive,omitempty"`
	ExpectedDigest string                `json:"md5,omitempty"`
	MaxCount       int64                 `json:"maxCount,omitempty"`
	MaxBytes       int64                 `json:"maxBytes,omitempty"`
	ReadIndex      uint64                `json:"readIndex,omitempty"`
	LogBatch       *bool                 `json:"logBatchToHealthLog,omitempty"`

	// IdenticalKeysAtEnd is how many index entries equal to BatchEnd the
	// issuing node folded. A batch can cut a run of duplicate keys short,
	// so appliers must stop at the same count to agree on the digest.
	IdenticalKeysAtEnd int64 `json:"identicalKeysAtEnd,omitempty"`
}

// Mode returns the instruction's validation mode, defaulting to plain
// data consistency when no parameters were recorded.
func (in *Instruction) Mode() ValidationMode {
	if in.Params == nil || in.Params.Mode == "" {
		return ModeDataConsistency
	}
	return in.Params.Mode
}

// Operation renders the instruction type for health log entries.
func (in *Instruction) Operation() string {
	switch in.Type {
	case InstructionStart:
		return "checkStart"
	case InstructionBatch:
		return "checkBatch"
	case InstructionCollection:
		return "checkCollection"
	case InstructionStop:
		return "checkStop"
	}
	return string(in.Type)
}

// ApplyMode describes the replication state an instruction is applied
// under. Batches only execute in steady state.
type ApplyMode string

const (
	ApplySteady      ApplyMode = "steady"
	ApplyInitialSync ApplyMode = "initial sync"
	ApplyRecovering  ApplyMode = "recovering"
)
