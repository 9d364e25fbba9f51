package engine

import (
	"encoding/json"
	"fmt"

	"github.com/amelia-dev/amelia/internal/workflow"
)

// CorruptReason is the failure reason recorded when a checkpoint cannot
// be decoded.
const CorruptReason = "checkpoint-corrupt"

// Checkpoint is the persisted snapshot of a suspended or in-flight run.
// Node names the node to run next; empty means the run is terminal.
type Checkpoint struct {
	SchemaVersion int    `json:"schema_version"`
	Node          string `json:"node"`
	State         State  `json:"state"`
}

// EncodeCheckpoint serializes a snapshot for the given resume node.
func EncodeCheckpoint(node string, state State) ([]byte, error) {
	data, err := json.Marshal(Checkpoint{
		SchemaVersion: SchemaVersion,
		Node:          node,
		State:         state,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses a snapshot. Undecodable data or a schema
// version mismatch is terminal: the workflow cannot safely resume.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	if len(data) == 0 {
		return Checkpoint{}, workflow.Terminal(CorruptReason, fmt.Errorf("empty snapshot"))
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, workflow.Terminal(CorruptReason, err)
	}
	if cp.SchemaVersion != SchemaVersion {
		return Checkpoint{}, workflow.Terminal(CorruptReason,
			fmt.Errorf("snapshot schema version %d, want %d", cp.SchemaVersion, SchemaVersion))
	}
	return cp, nil
}
