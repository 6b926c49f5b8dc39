package blocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a machine-readable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "blocks.service.new"
	opCreateDocument  = "blocks.create_document"
	opGetDocument     = "blocks.get_document"
	opArchiveDocument = "blocks.archive_document"
	opListBlocks      = "blocks.list_blocks"
	opCreateBlock     = "blocks.create_block"
	opUpdateBlock     = "blocks.update_block"
	opDeleteBlock     = "blocks.delete_block"
	opReorderBlocks   = "blocks.reorder_blocks"
	opDuplicateBlock  = "blocks.duplicate_block"
	opSaveSnapshot    = "blocks.save_snapshot"
	opReadOperations  = "blocks.read_operations"
	opAppendOperation = "blocks.oplog_append"

	reasonMissingDatabase  = "missing_database"
	reasonDocumentLookup   = "document_lookup_failed"
	reasonBlockLookup      = "block_lookup_failed"
	reasonAppendFailed     = "oplog_append_failed"
	reasonQueryFailed      = "query_failed"
	reasonEncodeFailed     = "payload_encode_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonDocumentNotFound = "document_not_found"
	reasonBlockNotFound    = "block_not_found"

	fieldDocumentID = "document_id"
	fieldBlockID    = "block_id"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues new identifiers for documents and blocks.
type IDProvider interface {
	NewID() (string, error)
}

// Invalidator drops cached read results for a document. Invalidation happens
// synchronously before a mutation reports success.
type Invalidator interface {
	InvalidateDocument(documentID string)
}

// Notifier receives the fire-and-forget change signal after an operation log
// append commits. Implementations must never block the caller.
type Notifier interface {
	Notify(documentID string, latestVersion int64)
}

// ServiceConfig describes the dependencies for the blocks service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Cache      Invalidator
	Relay      Notifier
}

// Service owns the relational block rows and the operation log write path.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	cache      Invalidator
	relay      Notifier
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		cache:      cfg.Cache,
		relay:      cfg.Relay,
	}, nil
}

// MutationResult reports the row state and assigned log version after a structural mutation.
type MutationResult struct {
	Block   *Block
	Version int64
}

// CreateDocumentRequest describes a new document.
type CreateDocumentRequest struct {
	WorkspaceID string
	Title       string
	ActorID     ActorID
}

// CreateDocument inserts a document row and returns it.
func (s *Service) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, reasonIDGeneration, err)
		return nil, newServiceError(opCreateDocument, reasonIDGeneration, err)
	}
	now := s.clock().UTC().Unix()
	document := Document{
		DocumentID:       documentID,
		WorkspaceID:      req.WorkspaceID,
		Title:            req.Title,
		CreatedBy:        req.ActorID.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, reasonQueryFailed, err)
		return nil, newServiceError(opCreateDocument, reasonQueryFailed, err)
	}
	return &document, nil
}

// GetDocument loads a document row by identifier.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (*Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opGetDocument, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return &document, nil
}

// ArchiveDocument marks a document archived. Documents are never deleted.
func (s *Service) ArchiveDocument(ctx context.Context, documentID DocumentID) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]interface{}{
			"archived":     true,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opArchiveDocument, reasonQueryFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opArchiveDocument, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opArchiveDocument, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	s.invalidate(documentID.String())
	return nil
}

// ListBlocks returns the relational block rows for a document ordered by
// (position, block_id).
func (s *Service) ListBlocks(ctx context.Context, documentID DocumentID) ([]Block, error) {
	var rows []Block
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("position ASC, block_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListBlocks, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListBlocks, reasonQueryFailed, err)
	}
	return rows, nil
}

// CreateBlockRequest describes a structural block insert.
type CreateBlockRequest struct {
	DocumentID DocumentID
	BlockID    string
	ParentID   *string
	Type       BlockType
	Content    Content
	Properties string
	Position   float64
	ActorID    ActorID
	ClientID   string
}

// CreateBlock inserts a block row and appends a create operation in one transaction.
func (s *Service) CreateBlock(ctx context.Context, req CreateBlockRequest) (MutationResult, error) {
	blockID := req.BlockID
	if blockID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateBlock, reasonIDGeneration, err)
			return MutationResult{}, newServiceError(opCreateBlock, reasonIDGeneration, err)
		}
		blockID = generated
	}
	contentJSON, err := EncodeContent(req.Content)
	if err != nil {
		s.logError(opCreateBlock, reasonEncodeFailed, err, zap.String(fieldBlockID, blockID))
		return MutationResult{}, newServiceError(opCreateBlock, reasonEncodeFailed, err)
	}
	properties := req.Properties
	if properties == "" {
		properties = "{}"
	}

	now := s.clock().UTC().Unix()
	block := Block{
		DocumentID:       req.DocumentID.String(),
		BlockID:          blockID,
		ParentID:         req.ParentID,
		Type:             req.Type.String(),
		ContentJSON:      contentJSON,
		PropertiesJSON:   properties,
		Position:         req.Position,
		Version:          1,
		CreatedBy:        req.ActorID.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	payload := OperationPayload{
		BlockID:     blockID,
		ParentID:    req.ParentID,
		Type:        req.Type.String(),
		ContentJSON: contentJSON,
		Properties:  properties,
		Position:    pointerTo(req.Position),
	}

	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&block).Error; err != nil {
			return newServiceError(opCreateBlock, reasonQueryFailed, err)
		}
		assigned, err := s.appendOperation(tx, req.DocumentID, blockID, OperationKindCreate, payload, req.ClientID, req.ActorID, now)
		if err != nil {
			return err
		}
		version = assigned
		return nil
	})
	if txErr != nil {
		s.logError(opCreateBlock, reasonAppendFailed, txErr,
			zap.String(fieldDocumentID, req.DocumentID.String()),
			zap.String(fieldBlockID, blockID))
		return MutationResult{}, txErr
	}

	s.invalidate(req.DocumentID.String())
	s.notify(req.DocumentID.String(), version)
	return MutationResult{Block: &block, Version: version}, nil
}

// UpdateBlockRequest describes a partial block update. Nil fields are untouched.
type UpdateBlockRequest struct {
	DocumentID DocumentID
	BlockID    BlockID
	Type       *BlockType
	Content    Content
	Properties *string
	Position   *float64
	ActorID    ActorID
	ClientID   string
}

// UpdateBlock applies a partial update, bumps the row version counter, and
// appends an update operation in one transaction.
func (s *Service) UpdateBlock(ctx context.Context, req UpdateBlockRequest) (MutationResult, error) {
	now := s.clock().UTC().Unix()

	var updated Block
	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Block
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND block_id = ?", req.DocumentID.String(), req.BlockID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateBlock, reasonBlockNotFound, ErrBlockNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateBlock, reasonBlockLookup, err)
		}

		payload := OperationPayload{BlockID: req.BlockID.String()}
		if req.Type != nil {
			existing.Type = req.Type.String()
			payload.Type = req.Type.String()
		}
		if req.Content != nil {
			contentJSON, err := EncodeContent(req.Content)
			if err != nil {
				return newServiceError(opUpdateBlock, reasonEncodeFailed, err)
			}
			existing.ContentJSON = contentJSON
			payload.ContentJSON = contentJSON
		}
		if req.Properties != nil {
			existing.PropertiesJSON = *req.Properties
			payload.Properties = *req.Properties
		}
		if req.Position != nil {
			existing.Position = *req.Position
			payload.Position = req.Position
		}
		existing.Version++
		existing.UpdatedAtSeconds = now

		if err := tx.Save(&existing).Error; err != nil {
			return newServiceError(opUpdateBlock, reasonQueryFailed, err)
		}
		assigned, err := s.appendOperation(tx, req.DocumentID, req.BlockID.String(), OperationKindUpdate, payload, req.ClientID, req.ActorID, now)
		if err != nil {
			return err
		}
		updated = existing
		version = assigned
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateBlock, reasonAppendFailed, txErr,
			zap.String(fieldDocumentID, req.DocumentID.String()),
			zap.String(fieldBlockID, req.BlockID.String()))
		return MutationResult{}, txErr
	}

	s.invalidate(req.DocumentID.String())
	s.notify(req.DocumentID.String(), version)
	return MutationResult{Block: &updated, Version: version}, nil
}

// DeleteBlockRequest describes a structural block delete.
type DeleteBlockRequest struct {
	DocumentID DocumentID
	BlockID    BlockID
	ActorID    ActorID
	ClientID   string
}

// DeleteBlock removes the block row and appends a delete operation in one transaction.
func (s *Service) DeleteBlock(ctx context.Context, req DeleteBlockRequest) (int64, error) {
	now := s.clock().UTC().Unix()
	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("document_id = ? AND block_id = ?", req.DocumentID.String(), req.BlockID.String()).
			Delete(&Block{})
		if result.Error != nil {
			return newServiceError(opDeleteBlock, reasonQueryFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteBlock, reasonBlockNotFound, ErrBlockNotFound)
		}
		assigned, err := s.appendOperation(tx, req.DocumentID, req.BlockID.String(), OperationKindDelete,
			OperationPayload{BlockID: req.BlockID.String()}, req.ClientID, req.ActorID, now)
		if err != nil {
			return err
		}
		version = assigned
		return nil
	})
	if txErr != nil {
		s.logError(opDeleteBlock, reasonAppendFailed, txErr,
			zap.String(fieldDocumentID, req.DocumentID.String()),
			zap.String(fieldBlockID, req.BlockID.String()))
		return 0, txErr
	}

	s.invalidate(req.DocumentID.String())
	s.notify(req.DocumentID.String(), version)
	return version, nil
}

// ReorderBlocksRequest carries the new position for each moved block.
type ReorderBlocksRequest struct {
	DocumentID DocumentID
	Positions  map[string]float64
	ActorID    ActorID
	ClientID   string
}

// ReorderBlocks rewrites sibling positions and appends one reorder operation.
func (s *Service) ReorderBlocks(ctx context.Context, req ReorderBlocksRequest) (int64, error) {
	now := s.clock().UTC().Unix()
	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for blockID, position := range req.Positions {
			result := tx.Model(&Block{}).
				Where("document_id = ? AND block_id = ?", req.DocumentID.String(), blockID).
				Updates(map[string]interface{}{
					"position":     position,
					"version":      gorm.Expr("version + 1"),
					"updated_at_s": now,
				})
			if result.Error != nil {
				return newServiceError(opReorderBlocks, reasonQueryFailed, result.Error)
			}
			if result.RowsAffected == 0 {
				return newServiceError(opReorderBlocks, reasonBlockNotFound, ErrBlockNotFound)
			}
		}
		assigned, err := s.appendOperation(tx, req.DocumentID, "", OperationKindReorder,
			OperationPayload{Positions: req.Positions}, req.ClientID, req.ActorID, now)
		if err != nil {
			return err
		}
		version = assigned
		return nil
	})
	if txErr != nil {
		s.logError(opReorderBlocks, reasonAppendFailed, txErr, zap.String(fieldDocumentID, req.DocumentID.String()))
		return 0, txErr
	}

	s.invalidate(req.DocumentID.String())
	s.notify(req.DocumentID.String(), version)
	return version, nil
}

// DuplicateBlockRequest describes a block copy.
type DuplicateBlockRequest struct {
	DocumentID    DocumentID
	SourceBlockID BlockID
	Position      *float64
	ActorID       ActorID
	ClientID      string
}

// DuplicateBlock copies an existing block into a fresh row and appends a
// duplicate operation in one transaction.
func (s *Service) DuplicateBlock(ctx context.Context, req DuplicateBlockRequest) (MutationResult, error) {
	newBlockID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opDuplicateBlock, reasonIDGeneration, err)
		return MutationResult{}, newServiceError(opDuplicateBlock, reasonIDGeneration, err)
	}
	now := s.clock().UTC().Unix()

	var copied Block
	var version int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source Block
		err := tx.Where("document_id = ? AND block_id = ?", req.DocumentID.String(), req.SourceBlockID.String()).
			Take(&source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDuplicateBlock, reasonBlockNotFound, ErrBlockNotFound)
		}
		if err != nil {
			return newServiceError(opDuplicateBlock, reasonBlockLookup, err)
		}

		position := source.Position + 1
		if req.Position != nil {
			position = *req.Position
		}
		copied = Block{
			DocumentID:       source.DocumentID,
			BlockID:          newBlockID,
			ParentID:         source.ParentID,
			Type:             source.Type,
			ContentJSON:      source.ContentJSON,
			PropertiesJSON:   source.PropertiesJSON,
			Position:         position,
			Version:          1,
			CreatedBy:        req.ActorID.String(),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&copied).Error; err != nil {
			return newServiceError(opDuplicateBlock, reasonQueryFailed, err)
		}
		payload := OperationPayload{
			BlockID:       newBlockID,
			SourceBlockID: req.SourceBlockID.String(),
			ParentID:      source.ParentID,
			Type:          source.Type,
			ContentJSON:   source.ContentJSON,
			Properties:    source.PropertiesJSON,
			Position:      pointerTo(position),
		}
		assigned, err := s.appendOperation(tx, req.DocumentID, newBlockID, OperationKindDuplicate, payload, req.ClientID, req.ActorID, now)
		if err != nil {
			return err
		}
		version = assigned
		return nil
	})
	if txErr != nil {
		s.logError(opDuplicateBlock, reasonAppendFailed, txErr,
			zap.String(fieldDocumentID, req.DocumentID.String()),
			zap.String(fieldBlockID, req.SourceBlockID.String()))
		return MutationResult{}, txErr
	}

	s.invalidate(req.DocumentID.String())
	s.notify(req.DocumentID.String(), version)
	return MutationResult{Block: &copied, Version: version}, nil
}

// SaveSnapshot persists the opaque CRDT snapshot blob for a document.
func (s *Service) SaveSnapshot(ctx context.Context, documentID DocumentID, snapshotB64 string) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]interface{}{
			"snapshot_b64": snapshotB64,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSaveSnapshot, reasonQueryFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opSaveSnapshot, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSaveSnapshot, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	return nil
}

// ReadOperationsSince returns log entries with version strictly greater than
// sinceVersion, ascending, capped at limit.
func (s *Service) ReadOperationsSince(ctx context.Context, documentID DocumentID, sinceVersion int64, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Operation
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", documentID.String(), sinceVersion).
		Order("version ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(opReadOperations, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opReadOperations, reasonQueryFailed, err)
	}
	return entries, nil
}

// appendOperation assigns the next document-scoped version and inserts the
// log row. The document row lock serializes concurrent appends; a plain
// read-then-insert here would race.
func (s *Service) appendOperation(tx *gorm.DB, documentID DocumentID, blockID string, kind OperationKind, payload OperationPayload, clientID string, actorID ActorID, appliedAt int64) (int64, error) {
	var document Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opAppendOperation, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		return 0, newServiceError(opAppendOperation, reasonDocumentLookup, err)
	}

	nextVersion := document.LatestVersion + 1
	if err := tx.Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]interface{}{
			"latest_version": nextVersion,
			"updated_at_s":   appliedAt,
		}).Error; err != nil {
		return 0, newServiceError(opAppendOperation, reasonAppendFailed, err)
	}

	payloadJSON, err := EncodePayload(payload)
	if err != nil {
		return 0, newServiceError(opAppendOperation, reasonEncodeFailed, err)
	}
	entry := Operation{
		DocumentID:       documentID.String(),
		BlockID:          blockID,
		Kind:             kind.String(),
		PayloadJSON:      payloadJSON,
		ClientID:         clientID,
		ActorID:          actorID.String(),
		Version:          nextVersion,
		AppliedAtSeconds: appliedAt,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, newServiceError(opAppendOperation, reasonAppendFailed, err)
	}
	return nextVersion, nil
}

func (s *Service) invalidate(documentID string) {
	if s.cache != nil {
		s.cache.InvalidateDocument(documentID)
	}
}

func (s *Service) notify(documentID string, version int64) {
	if s.relay != nil {
		s.relay.Notify(documentID, version)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("blocks service error", attrs...)
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
