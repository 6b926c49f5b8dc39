package blocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingInvalidator struct {
	mu          sync.Mutex
	invalidated []string
}

func (r *recordingInvalidator) InvalidateDocument(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, documentID)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invalidated)
}

type recordingNotifier struct {
	mu       sync.Mutex
	versions []int64
}

func (r *recordingNotifier) Notify(documentID string, latestVersion int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = append(r.versions, latestVersion)
}

func (r *recordingNotifier) latest() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.versions) == 0 {
		return 0, false
	}
	return r.versions[len(r.versions)-1], true
}

func mustDocument(t *testing.T, service *Service, actor ActorID) *Document {
	t.Helper()
	document, err := service.CreateDocument(context.Background(), CreateDocumentRequest{
		WorkspaceID: "ws-1",
		Title:       "Test Document",
		ActorID:     actor,
	})
	if err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	return document
}

func TestCreateDocumentAndGetRoundTrip(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")

	created := mustDocument(t, service, actor)
	if created.DocumentID == "" {
		t.Fatalf("expected generated document id")
	}
	if created.LatestVersion != 0 {
		t.Fatalf("expected fresh document at version 0, got %d", created.LatestVersion)
	}

	loaded, err := service.GetDocument(context.Background(), mustDocumentID(t, created.DocumentID))
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if loaded.Title != "Test Document" || loaded.CreatedBy != actor.String() {
		t.Fatalf("unexpected document: %+v", loaded)
	}
}

func TestGetDocumentMissingReturnsNotFound(t *testing.T) {
	service := mustService(t)
	_, err := service.GetDocument(context.Background(), mustDocumentID(t, "missing"))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected document not found, got %v", err)
	}
}

func TestArchiveDocumentMarksRow(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	if err := service.ArchiveDocument(context.Background(), documentID); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	loaded, err := service.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if !loaded.Archived {
		t.Fatalf("expected archived document")
	}
}

func TestCreateBlockAssignsVersionAndLogsOperation(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	result, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID,
		Type:       BlockTypeParagraph,
		Content:    ParagraphContent{Text: "hello"},
		Position:   1,
		ActorID:    actor,
		ClientID:   "client-a",
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("expected first operation at version 1, got %d", result.Version)
	}
	if result.Block.BlockID == "" || result.Block.Version != 1 {
		t.Fatalf("unexpected block row: %+v", result.Block)
	}

	entries, err := service.ReadOperationsSince(context.Background(), documentID, 0, 10)
	if err != nil {
		t.Fatalf("read operations failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one logged operation, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Kind != OperationKindCreate.String() || entry.ClientID != "client-a" || entry.ActorID != actor.String() {
		t.Fatalf("unexpected operation row: %+v", entry)
	}

	payload, err := DecodePayload(entry.PayloadJSON)
	if err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.BlockID != result.Block.BlockID || payload.ContentJSON != `{"text":"hello"}` {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	loaded, err := service.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if loaded.LatestVersion != 1 {
		t.Fatalf("expected document latest version 1, got %d", loaded.LatestVersion)
	}
}

func TestUpdateBlockAppliesPartialChanges(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	created, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID,
		Type:       BlockTypeParagraph,
		Content:    ParagraphContent{Text: "before"},
		Position:   1,
		ActorID:    actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	updated, err := service.UpdateBlock(context.Background(), UpdateBlockRequest{
		DocumentID: documentID,
		BlockID:    mustBlockID(t, created.Block.BlockID),
		Content:    ParagraphContent{Text: "after"},
		ActorID:    actor,
	})
	if err != nil {
		t.Fatalf("update block failed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected log version 2, got %d", updated.Version)
	}
	if updated.Block.ContentJSON != `{"text":"after"}` {
		t.Fatalf("expected updated content, got %s", updated.Block.ContentJSON)
	}
	if updated.Block.Version != 2 {
		t.Fatalf("expected row version bump to 2, got %d", updated.Block.Version)
	}
	if updated.Block.Position != 1 {
		t.Fatalf("expected untouched position, got %f", updated.Block.Position)
	}
}

func TestUpdateBlockMissingReturnsNotFound(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)

	_, err := service.UpdateBlock(context.Background(), UpdateBlockRequest{
		DocumentID: mustDocumentID(t, document.DocumentID),
		BlockID:    mustBlockID(t, "missing"),
		Content:    ParagraphContent{Text: "x"},
		ActorID:    actor,
	})
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}
}

func TestDeleteBlockRemovesRowAndLogs(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	created, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID,
		Type:       BlockTypeParagraph,
		Content:    ParagraphContent{Text: "doomed"},
		Position:   1,
		ActorID:    actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	version, err := service.DeleteBlock(context.Background(), DeleteBlockRequest{
		DocumentID: documentID,
		BlockID:    mustBlockID(t, created.Block.BlockID),
		ActorID:    actor,
	})
	if err != nil {
		t.Fatalf("delete block failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected delete at version 2, got %d", version)
	}

	rows, err := service.ListBlocks(context.Background(), documentID)
	if err != nil {
		t.Fatalf("list blocks failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %d", len(rows))
	}
}

func TestDeleteBlockMissingReturnsNotFound(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)

	_, err := service.DeleteBlock(context.Background(), DeleteBlockRequest{
		DocumentID: mustDocumentID(t, document.DocumentID),
		BlockID:    mustBlockID(t, "missing"),
		ActorID:    actor,
	})
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}
}

func TestReorderBlocksRewritesPositionsInOneOperation(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	first, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID, Type: BlockTypeParagraph,
		Content: ParagraphContent{Text: "a"}, Position: 1, ActorID: actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}
	second, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID, Type: BlockTypeParagraph,
		Content: ParagraphContent{Text: "b"}, Position: 2, ActorID: actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	version, err := service.ReorderBlocks(context.Background(), ReorderBlocksRequest{
		DocumentID: documentID,
		Positions: map[string]float64{
			first.Block.BlockID:  2,
			second.Block.BlockID: 1,
		},
		ActorID: actor,
	})
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected one reorder operation at version 3, got %d", version)
	}

	rows, err := service.ListBlocks(context.Background(), documentID)
	if err != nil {
		t.Fatalf("list blocks failed: %v", err)
	}
	if rows[0].BlockID != second.Block.BlockID {
		t.Fatalf("expected swapped order, got %s first", rows[0].BlockID)
	}
}

func TestReorderBlocksUnknownBlockRollsBack(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	created, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID, Type: BlockTypeParagraph,
		Content: ParagraphContent{Text: "a"}, Position: 1, ActorID: actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	_, err = service.ReorderBlocks(context.Background(), ReorderBlocksRequest{
		DocumentID: documentID,
		Positions: map[string]float64{
			created.Block.BlockID: 5,
			"missing":             6,
		},
		ActorID: actor,
	})
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}

	rows, err := service.ListBlocks(context.Background(), documentID)
	if err != nil {
		t.Fatalf("list blocks failed: %v", err)
	}
	if rows[0].Position != 1 {
		t.Fatalf("expected rollback to original position, got %f", rows[0].Position)
	}
}

func TestDuplicateBlockCopiesContentWithFreshIdentity(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	source, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID, Type: BlockTypeCode,
		Content: CodeContent{Language: "go", Text: "package main"}, Position: 1,
		Properties: `{"wrap":true}`, ActorID: actor,
	})
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	copied, err := service.DuplicateBlock(context.Background(), DuplicateBlockRequest{
		DocumentID:    documentID,
		SourceBlockID: mustBlockID(t, source.Block.BlockID),
		ActorID:       actor,
	})
	if err != nil {
		t.Fatalf("duplicate failed: %v", err)
	}
	if copied.Block.BlockID == source.Block.BlockID {
		t.Fatalf("expected fresh block id")
	}
	if copied.Block.ContentJSON != source.Block.ContentJSON || copied.Block.PropertiesJSON != source.Block.PropertiesJSON {
		t.Fatalf("expected content copy: %+v", copied.Block)
	}
	if copied.Block.Position != source.Block.Position+1 {
		t.Fatalf("expected default position after source, got %f", copied.Block.Position)
	}
	if copied.Block.Version != 1 {
		t.Fatalf("expected fresh row version 1, got %d", copied.Block.Version)
	}

	entries, err := service.ReadOperationsSince(context.Background(), documentID, 1, 10)
	if err != nil {
		t.Fatalf("read operations failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != OperationKindDuplicate.String() {
		t.Fatalf("expected one duplicate operation, got %+v", entries)
	}
	payload, err := DecodePayload(entries[0].PayloadJSON)
	if err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.SourceBlockID != source.Block.BlockID {
		t.Fatalf("expected source reference in payload, got %+v", payload)
	}
}

func TestReadOperationsSinceFiltersAndOrders(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	for index := 0; index < 5; index++ {
		if _, err := service.CreateBlock(context.Background(), CreateBlockRequest{
			DocumentID: documentID, Type: BlockTypeParagraph,
			Content: ParagraphContent{Text: "x"}, Position: float64(index), ActorID: actor,
		}); err != nil {
			t.Fatalf("create block failed: %v", err)
		}
	}

	entries, err := service.ReadOperationsSince(context.Background(), documentID, 3, 10)
	if err != nil {
		t.Fatalf("read operations failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected versions 4 and 5, got %d entries", len(entries))
	}
	if entries[0].Version != 4 || entries[1].Version != 5 {
		t.Fatalf("unexpected versions: %d, %d", entries[0].Version, entries[1].Version)
	}

	limited, err := service.ReadOperationsSince(context.Background(), documentID, 0, 2)
	if err != nil {
		t.Fatalf("read operations failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Version != 1 || limited[1].Version != 2 {
		t.Fatalf("expected first two versions, got %+v", limited)
	}
}

func TestConcurrentMutationsGetStrictlyIncreasingVersions(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(position int) {
			defer wg.Done()
			_, err := service.CreateBlock(context.Background(), CreateBlockRequest{
				DocumentID: documentID, Type: BlockTypeParagraph,
				Content: ParagraphContent{Text: "concurrent"}, Position: float64(position), ActorID: actor,
			})
			errs <- err
		}(index)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}

	entries, err := service.ReadOperationsSince(context.Background(), documentID, 0, writers*2)
	if err != nil {
		t.Fatalf("read operations failed: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("expected %d operations, got %d", writers, len(entries))
	}
	for index, entry := range entries {
		if entry.Version != int64(index+1) {
			t.Fatalf("expected contiguous versions, got %d at index %d", entry.Version, index)
		}
	}
}

func TestMutationsInvalidateCacheAndNotifyRelay(t *testing.T) {
	invalidator := &recordingInvalidator{}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   mustTestDatabase(t),
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &sequentialIDProvider{prefix: "gen"},
		Cache:      invalidator,
		Relay:      notifier,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	if _, err := service.CreateBlock(context.Background(), CreateBlockRequest{
		DocumentID: documentID, Type: BlockTypeParagraph,
		Content: ParagraphContent{Text: "x"}, Position: 1, ActorID: actor,
	}); err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	if invalidator.count() == 0 {
		t.Fatalf("expected cache invalidation on mutation")
	}
	latest, ok := notifier.latest()
	if !ok || latest != 1 {
		t.Fatalf("expected change signal with version 1, got %d (%v)", latest, ok)
	}
}

func TestSaveSnapshotPersistsBlob(t *testing.T) {
	service := mustService(t)
	actor := mustActorID(t, "actor-1")
	document := mustDocument(t, service, actor)
	documentID := mustDocumentID(t, document.DocumentID)

	if err := service.SaveSnapshot(context.Background(), documentID, "AQID"); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	loaded, err := service.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if loaded.SnapshotB64 != "AQID" {
		t.Fatalf("expected persisted snapshot, got %q", loaded.SnapshotB64)
	}

	if err := service.SaveSnapshot(context.Background(), mustDocumentID(t, "missing"), "AQID"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected document not found, got %v", err)
	}
}
