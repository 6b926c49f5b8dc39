package crdt

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"

	"github.com/NorthglenLabs/tessera/backend/internal/blocks"
)

const (
	blocksKey   = "blocks"
	fieldID     = "id"
	fieldType   = "type"
	fieldPos    = "position"
	fieldText   = "text"
	shardCount  = 16
	persistWait = 5 * time.Second
)

var (
	// ErrDocumentNotOpen indicates that no live CRDT state exists for the document.
	ErrDocumentNotOpen = errors.New("crdt: document not open")
	// ErrBlockEntryNotFound indicates that the CRDT document has no entry for the block.
	ErrBlockEntryNotFound = errors.New("crdt: block entry not found")
	// ErrInvalidUpdate indicates that remote update bytes could not be merged.
	ErrInvalidUpdate = errors.New("crdt: invalid update bytes")
)

// PersistFunc durably stores an encoded snapshot for a document.
type PersistFunc func(ctx context.Context, documentID string, snapshot []byte) error

// StoreConfig describes the Block Store dependencies and flush policy.
type StoreConfig struct {
	Logger *zap.Logger
	// Persist receives debounced snapshots. Required.
	Persist PersistFunc
	// FlushAfterUpdates forces a flush once this many updates are pending.
	FlushAfterUpdates int
	// DebounceInterval is the quiet window before a pending flush fires.
	DebounceInterval time.Duration
	// MaxFlushDelay caps how long a dirty document may stay unflushed while
	// edits keep arriving.
	MaxFlushDelay time.Duration
}

// Store holds one live automerge document per open document id. Documents
// are sharded so unrelated documents never contend on one lock; all
// mutations of a single document are serialized through its own mutex.
type Store struct {
	shards  [shardCount]*shard
	logger  *zap.Logger
	persist PersistFunc

	flushAfterUpdates int
	debounceInterval  time.Duration
	maxFlushDelay     time.Duration
}

type shard struct {
	mu   sync.Mutex
	docs map[string]*documentState
}

type documentState struct {
	mu             sync.Mutex
	doc            *automerge.Doc
	pendingUpdates int
	dirtySince     time.Time
	flushTimer     *time.Timer
	closed         bool

	// flushMu serializes Save+persist pairs: a persist carrying older state
	// must never land after one carrying newer state.
	flushMu sync.Mutex
}

var errMissingPersist = errors.New("crdt: persist func is required")

// NewStore validates the configuration and constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Persist == nil {
		return nil, errMissingPersist
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flushAfter := cfg.FlushAfterUpdates
	if flushAfter <= 0 {
		flushAfter = 64
	}
	debounce := cfg.DebounceInterval
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	maxDelay := cfg.MaxFlushDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	store := &Store{
		logger:            logger,
		persist:           cfg.Persist,
		flushAfterUpdates: flushAfter,
		debounceInterval:  debounce,
		maxFlushDelay:     maxDelay,
	}
	for i := range store.shards {
		store.shards[i] = &shard{docs: make(map[string]*documentState)}
	}
	return store, nil
}

// Open ensures a live document exists for the id, loading the provided
// snapshot when one is present. Opening an already-open document is a no-op.
func (s *Store) Open(documentID string, snapshot []byte) error {
	sh := s.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.docs[documentID]; ok {
		return nil
	}

	var doc *automerge.Doc
	if len(snapshot) > 0 {
		loaded, err := automerge.Load(snapshot)
		if err != nil {
			return fmt.Errorf("crdt: load snapshot: %w", err)
		}
		doc = loaded
	} else {
		doc = automerge.New()
	}
	if err := ensureBlocksList(doc); err != nil {
		return err
	}
	sh.docs[documentID] = &documentState{doc: doc}
	return nil
}

// IsOpen reports whether live CRDT state exists for the document.
func (s *Store) IsOpen(documentID string) bool {
	sh := s.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.docs[documentID]
	return ok
}

// ApplyRemoteUpdate merges foreign update bytes into the live document.
// Malformed bytes are rejected and logged; they are never partially applied.
func (s *Store) ApplyRemoteUpdate(documentID string, update []byte) error {
	state, err := s.state(documentID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := state.doc.LoadIncremental(update); err != nil {
		s.logger.Warn("rejected malformed crdt update",
			zap.String("document_id", documentID),
			zap.Int("update_bytes", len(update)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	s.markDirtyLocked(documentID, state)
	return nil
}

// InsertBlock adds a block entry at its position-ordered slot and returns the
// encoded update bytes for fan-out.
func (s *Store) InsertBlock(documentID, blockID, blockType string, position float64, text string) ([]byte, error) {
	return s.mutate(documentID, func(doc *automerge.Doc) error {
		list, err := blocksList(doc)
		if err != nil {
			return err
		}
		index := list.Len()
		for i := 0; i < list.Len(); i++ {
			entry, err := entryAt(list, i)
			if err != nil {
				return err
			}
			entryPosition, err := entryFloat(entry, fieldPos)
			if err != nil {
				return err
			}
			if entryPosition > position {
				index = i
				break
			}
		}
		if err := list.Insert(index, automerge.NewMap()); err != nil {
			return err
		}
		entry, err := entryAt(list, index)
		if err != nil {
			return err
		}
		if err := entry.Set(fieldID, blockID); err != nil {
			return err
		}
		if err := entry.Set(fieldType, blockType); err != nil {
			return err
		}
		if err := entry.Set(fieldPos, position); err != nil {
			return err
		}
		return entry.Set(fieldText, automerge.NewText(text))
	})
}

// DeleteBlock removes the block's entry and returns the encoded update bytes.
func (s *Store) DeleteBlock(documentID, blockID string) ([]byte, error) {
	return s.mutate(documentID, func(doc *automerge.Doc) error {
		list, err := blocksList(doc)
		if err != nil {
			return err
		}
		index, _, err := findEntry(list, blockID)
		if err != nil {
			return err
		}
		return list.Delete(index)
	})
}

// SpliceText edits the block's text sequence in place and returns the
// encoded update bytes.
func (s *Store) SpliceText(documentID, blockID string, index, deleteCount int, insert string) ([]byte, error) {
	return s.mutate(documentID, func(doc *automerge.Doc) error {
		list, err := blocksList(doc)
		if err != nil {
			return err
		}
		_, entry, err := findEntry(list, blockID)
		if err != nil {
			return err
		}
		value, err := entry.Get(fieldText)
		if err != nil {
			return err
		}
		if value.Kind() != automerge.KindText {
			return ErrBlockEntryNotFound
		}
		return value.Text().Splice(index, deleteCount, insert)
	})
}

// SetPosition moves a block among its siblings and returns the encoded
// update bytes.
func (s *Store) SetPosition(documentID, blockID string, position float64) ([]byte, error) {
	return s.mutate(documentID, func(doc *automerge.Doc) error {
		list, err := blocksList(doc)
		if err != nil {
			return err
		}
		_, entry, err := findEntry(list, blockID)
		if err != nil {
			return err
		}
		return entry.Set(fieldPos, position)
	})
}

// Entries returns the scalar view of every block entry in the live document,
// in list order.
func (s *Store) Entries(documentID string) ([]blocks.CrdtEntry, error) {
	state, err := s.state(documentID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return entriesLocked(state.doc)
}

// EncodeSnapshot serializes the full live document state.
func (s *Store) EncodeSnapshot(documentID string) ([]byte, error) {
	state, err := s.state(documentID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.doc.Save(), nil
}

// LoadSnapshot replaces the live document state with the provided encoding.
func (s *Store) LoadSnapshot(documentID string, snapshot []byte) error {
	state, err := s.state(documentID)
	if err != nil {
		return err
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("crdt: load snapshot: %w", err)
	}
	if err := ensureBlocksList(doc); err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.doc = doc
	return nil
}

// Flush persists the current snapshot immediately if the document is dirty.
func (s *Store) Flush(ctx context.Context, documentID string) error {
	state, err := s.state(documentID)
	if err != nil {
		return err
	}
	return s.flushState(ctx, documentID, state, false)
}

// CloseDocument performs a final flush, cancels pending timers, and drops
// the live state. Called when the last session leaves a document.
func (s *Store) CloseDocument(ctx context.Context, documentID string) error {
	return s.CloseDocumentIf(ctx, documentID, nil)
}

// CloseDocumentIf is CloseDocument guarded by a liveness check. The check
// runs under the shard lock, so a session that re-joined between the caller
// deciding to close and the close itself keeps the live state intact.
func (s *Store) CloseDocumentIf(ctx context.Context, documentID string, keepOpen func() bool) error {
	sh := s.shardFor(documentID)
	sh.mu.Lock()
	state, ok := sh.docs[documentID]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	if keepOpen != nil && keepOpen() {
		sh.mu.Unlock()
		return nil
	}
	delete(sh.docs, documentID)
	sh.mu.Unlock()
	return s.flushState(ctx, documentID, state, true)
}

func (s *Store) mutate(documentID string, fn func(doc *automerge.Doc) error) ([]byte, error) {
	state, err := s.state(documentID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := fn(state.doc); err != nil {
		return nil, err
	}
	update := state.doc.SaveIncremental()
	s.markDirtyLocked(documentID, state)
	return update, nil
}

func (s *Store) state(documentID string) (*documentState, error) {
	sh := s.shardFor(documentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.docs[documentID]
	if !ok {
		return nil, ErrDocumentNotOpen
	}
	return state, nil
}

func (s *Store) shardFor(documentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return s.shards[h.Sum32()%shardCount]
}

// markDirtyLocked records a pending update and (re)arms the debounce timer.
// Flushes fire immediately once the pending count or the dirty age crosses
// its threshold. Caller holds state.mu.
func (s *Store) markDirtyLocked(documentID string, state *documentState) {
	if state.closed {
		return
	}
	state.pendingUpdates++
	now := time.Now()
	if state.dirtySince.IsZero() {
		state.dirtySince = now
	}

	if state.pendingUpdates >= s.flushAfterUpdates || now.Sub(state.dirtySince) >= s.maxFlushDelay {
		if state.flushTimer != nil {
			state.flushTimer.Stop()
			state.flushTimer = nil
		}
		go s.flushAsync(documentID, state)
		return
	}

	delay := s.debounceInterval
	if remaining := s.maxFlushDelay - now.Sub(state.dirtySince); remaining < delay {
		delay = remaining
	}
	if state.flushTimer != nil {
		state.flushTimer.Stop()
	}
	state.flushTimer = time.AfterFunc(delay, func() {
		s.flushAsync(documentID, state)
	})
}

func (s *Store) flushAsync(documentID string, state *documentState) {
	ctx, cancel := context.WithTimeout(context.Background(), persistWait)
	defer cancel()
	if err := s.flushState(ctx, documentID, state, false); err != nil {
		s.logger.Warn("snapshot flush failed",
			zap.String("document_id", documentID),
			zap.Error(err))
	}
}

func (s *Store) flushState(ctx context.Context, documentID string, state *documentState, closing bool) error {
	state.flushMu.Lock()
	defer state.flushMu.Unlock()

	state.mu.Lock()
	if state.flushTimer != nil {
		state.flushTimer.Stop()
		state.flushTimer = nil
	}
	if closing {
		state.closed = true
	}
	if state.pendingUpdates == 0 {
		state.mu.Unlock()
		return nil
	}
	snapshot := state.doc.Save()
	state.pendingUpdates = 0
	state.dirtySince = time.Time{}
	state.mu.Unlock()

	return s.persist(ctx, documentID, snapshot)
}

func ensureBlocksList(doc *automerge.Doc) error {
	value, err := doc.RootMap().Get(blocksKey)
	if err != nil {
		return err
	}
	if value.Kind() == automerge.KindList {
		return nil
	}
	return doc.RootMap().Set(blocksKey, automerge.NewList())
}

func blocksList(doc *automerge.Doc) (*automerge.List, error) {
	value, err := doc.RootMap().Get(blocksKey)
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindList {
		if err := doc.RootMap().Set(blocksKey, automerge.NewList()); err != nil {
			return nil, err
		}
		value, err = doc.RootMap().Get(blocksKey)
		if err != nil {
			return nil, err
		}
	}
	return value.List(), nil
}

func entryAt(list *automerge.List, index int) (*automerge.Map, error) {
	value, err := list.Get(index)
	if err != nil {
		return nil, err
	}
	if value.Kind() != automerge.KindMap {
		return nil, ErrBlockEntryNotFound
	}
	return value.Map(), nil
}

func findEntry(list *automerge.List, blockID string) (int, *automerge.Map, error) {
	for i := 0; i < list.Len(); i++ {
		entry, err := entryAt(list, i)
		if err != nil {
			return 0, nil, err
		}
		id, err := entryString(entry, fieldID)
		if err != nil {
			return 0, nil, err
		}
		if id == blockID {
			return i, entry, nil
		}
	}
	return 0, nil, ErrBlockEntryNotFound
}

func entriesLocked(doc *automerge.Doc) ([]blocks.CrdtEntry, error) {
	list, err := blocksList(doc)
	if err != nil {
		return nil, err
	}
	entries := make([]blocks.CrdtEntry, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		entry, err := entryAt(list, i)
		if err != nil {
			return nil, err
		}
		id, err := entryString(entry, fieldID)
		if err != nil {
			return nil, err
		}
		blockType, err := entryString(entry, fieldType)
		if err != nil {
			return nil, err
		}
		position, err := entryFloat(entry, fieldPos)
		if err != nil {
			return nil, err
		}
		text := ""
		if value, err := entry.Get(fieldText); err != nil {
			return nil, err
		} else if value.Kind() == automerge.KindText {
			current, err := value.Text().Get()
			if err != nil {
				return nil, err
			}
			text = current
		}
		entries = append(entries, blocks.CrdtEntry{
			BlockID:  id,
			Type:     blockType,
			Position: position,
			Text:     text,
		})
	}
	return entries, nil
}

func entryString(entry *automerge.Map, key string) (string, error) {
	value, err := entry.Get(key)
	if err != nil {
		return "", err
	}
	if value.Kind() != automerge.KindStr {
		return "", fmt.Errorf("%w: field %s", ErrBlockEntryNotFound, key)
	}
	return value.Str(), nil
}

func entryFloat(entry *automerge.Map, key string) (float64, error) {
	value, err := entry.Get(key)
	if err != nil {
		return 0, err
	}
	switch value.Kind() {
	case automerge.KindFloat64:
		return value.Float64(), nil
	case automerge.KindInt64:
		return float64(value.Int64()), nil
	}
	return 0, fmt.Errorf("%w: field %s", ErrBlockEntryNotFound, key)
}
