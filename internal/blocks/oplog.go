package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OperationKind enumerates the structural mutations recorded in the operation log.
type OperationKind string

const (
	OperationKindCreate    OperationKind = "create"
	OperationKindUpdate    OperationKind = "update"
	OperationKindDelete    OperationKind = "delete"
	OperationKindReorder   OperationKind = "reorder"
	OperationKindDuplicate OperationKind = "duplicate"
)

// ErrInvalidOperationKind indicates an operation kind outside the enumeration.
var ErrInvalidOperationKind = errors.New("blocks: invalid operation kind")

// ParseOperationKind validates a raw operation kind.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	candidate := OperationKind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch candidate {
	case OperationKindCreate, OperationKindUpdate, OperationKindDelete,
		OperationKindReorder, OperationKindDuplicate:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, rawInput)
}

// String returns the raw kind tag.
func (k OperationKind) String() string {
	return string(k)
}

// Operation stores one append-only operation log row. Rows are immutable once
// written; Version is strictly increasing within a document and is assigned
// inside the same transaction that inserts the row.
type Operation struct {
	OperationID      int64  `gorm:"column:operation_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_ops_doc_version,priority:1;uniqueIndex:idx_ops_doc_version_unique,priority:1"`
	BlockID          string `gorm:"column:block_id;size:190;not null;default:''"`
	Kind             string `gorm:"column:kind;size:16;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	ClientID         string `gorm:"column:client_id;size:190;not null;default:''"`
	ActorID          string `gorm:"column:actor_id;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;index:idx_ops_doc_version,priority:2;uniqueIndex:idx_ops_doc_version_unique,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "block_operations"
}

// OperationPayload captures enough information to reapply an operation's
// effect. Fields are pointers where absence and zero value must be told
// apart during replay merges.
type OperationPayload struct {
	BlockID       string             `json:"block_id,omitempty"`
	SourceBlockID string             `json:"source_block_id,omitempty"`
	ParentID      *string            `json:"parent_id,omitempty"`
	Type          string             `json:"type,omitempty"`
	ContentJSON   string             `json:"content,omitempty"`
	Properties    string             `json:"properties,omitempty"`
	Position      *float64           `json:"position,omitempty"`
	Positions     map[string]float64 `json:"positions,omitempty"`
}

// EncodePayload serializes an operation payload for storage.
func EncodePayload(payload OperationPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePayload deserializes a stored operation payload.
func DecodePayload(payloadJSON string) (OperationPayload, error) {
	var payload OperationPayload
	if strings.TrimSpace(payloadJSON) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return OperationPayload{}, err
	}
	return payload, nil
}
