package blocks

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("blocks: invalid document id")
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("blocks: invalid block id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("blocks: invalid actor id")
	// ErrInvalidBlockType indicates that a block type tag is outside the closed enumeration.
	ErrInvalidBlockType = errors.New("blocks: invalid block type")
	// ErrBlockNotFound indicates that the referenced block row does not exist.
	ErrBlockNotFound = errors.New("blocks: block not found")
	// ErrDocumentNotFound indicates that the referenced document row does not exist.
	ErrDocumentNotFound = errors.New("blocks: document not found")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// BlockID represents a validated block identifier.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBlockID, maxIdentifierLength)
	}
	return BlockID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// ActorID represents a validated actor identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// BlockType enumerates the closed set of supported block type tags.
type BlockType string

const (
	BlockTypeHeading1     BlockType = "heading_1"
	BlockTypeHeading2     BlockType = "heading_2"
	BlockTypeHeading3     BlockType = "heading_3"
	BlockTypeParagraph    BlockType = "paragraph"
	BlockTypeBulletedList BlockType = "bulleted_list"
	BlockTypeNumberedList BlockType = "numbered_list"
	BlockTypeTodo         BlockType = "todo"
	BlockTypeCode         BlockType = "code"
	BlockTypeQuote        BlockType = "quote"
	BlockTypeDivider      BlockType = "divider"
	BlockTypeImage        BlockType = "image"
	BlockTypeTable        BlockType = "table"
)

// ParseBlockType validates a raw type tag against the closed enumeration.
func ParseBlockType(rawInput string) (BlockType, error) {
	candidate := BlockType(strings.ToLower(strings.TrimSpace(rawInput)))
	switch candidate {
	case BlockTypeHeading1, BlockTypeHeading2, BlockTypeHeading3,
		BlockTypeParagraph, BlockTypeBulletedList, BlockTypeNumberedList,
		BlockTypeTodo, BlockTypeCode, BlockTypeQuote,
		BlockTypeDivider, BlockTypeImage, BlockTypeTable:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBlockType, rawInput)
}

// String returns the raw type tag.
func (t BlockType) String() string {
	return string(t)
}

// Document models the persisted document row. The snapshot blob is opaque to
// everything except the CRDT store; an empty string means no snapshot has
// been persisted yet. LatestVersion is the document-scoped operation log
// sequence and must only be advanced under a row lock.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_documents_workspace"`
	Title            string `gorm:"column:title;size:512;not null"`
	SnapshotB64      string `gorm:"column:snapshot_b64;type:text;not null;default:''"`
	LatestVersion    int64  `gorm:"column:latest_version;not null;default:0"`
	Archived         bool   `gorm:"column:archived;not null;default:false"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Block models the persisted block row. Position orders siblings; collisions
// may appear transiently under concurrent inserts and readers re-sort by
// (position, block_id).
type Block struct {
	DocumentID       string  `gorm:"column:document_id;primaryKey;size:190;not null;index:idx_blocks_doc_position,priority:1"`
	BlockID          string  `gorm:"column:block_id;primaryKey;size:190;not null"`
	ParentID         *string `gorm:"column:parent_id;size:190"`
	Type             string  `gorm:"column:block_type;size:32;not null"`
	ContentJSON      string  `gorm:"column:content_json;type:text;not null;default:'{}'"`
	PropertiesJSON   string  `gorm:"column:properties_json;type:text;not null;default:'{}'"`
	Position         float64 `gorm:"column:position;not null;index:idx_blocks_doc_position,priority:2"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "blocks"
}
