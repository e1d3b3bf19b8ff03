package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryDocumentStore is an in-memory DocumentStore used by unit tests and
// local development. All operations copy document bytes on the way in and out
// so callers can never alias internal state.
//
// A single mutex serializes every operation, which trivially satisfies the
// atomic read-modify-write contract for Update and Transact.
type MemoryDocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

// Interface compliance check at compile time.
var _ DocumentStore = (*MemoryDocumentStore)(nil)

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		collections: make(map[string]map[string]json.RawMessage),
	}
}

// Set stores a document under (collection, id), replacing any prior version.
func (s *MemoryDocumentStore) Set(ctx context.Context, collection, id string, doc any) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(collection, id, raw)

	return ctx.Err()
}

// Get returns a copy of the stored document.
func (s *MemoryDocumentStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if err := validateDocKey(collection, id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLocked(collection, id)
}

// Query returns copies of all documents matching criteria, ordered by id.
func (s *MemoryDocumentStore) Query(
	ctx context.Context, collection string, criteria Criteria, limit int,
) ([]json.RawMessage, error) {
	if collection == "" {
		return nil, ErrEmptyCollection
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	results := make([]json.RawMessage, 0, len(ids))

	for _, id := range ids {
		raw := docs[id]

		if len(criteria) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
			}

			matched, err := matchesCriteria(decoded, criteria)
			if err != nil {
				return nil, err
			}

			if !matched {
				continue
			}
		}

		results = append(results, copyRaw(raw))

		if limit > 0 && len(results) >= limit {
			break
		}
	}

	return results, ctx.Err()
}

// Delete removes a document or returns ErrDocumentNotFound.
func (s *MemoryDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		return ErrDocumentNotFound
	}

	if _, ok := docs[id]; !ok {
		return ErrDocumentNotFound
	}

	delete(docs, id)

	return ctx.Err()
}

// Update applies mutate to the current document under the store lock.
func (s *MemoryDocumentStore) Update(
	ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error),
) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(collection, id, mutate)
}

// Transact runs fn while holding the store lock; the memory store has no
// partial-commit states, so fn's writes become visible atomically. An fn
// error leaves prior writes in place only if fn made them through the tx,
// so the transactional view stages writes and applies them on success.
func (s *MemoryDocumentStore) Transact(ctx context.Context, fn func(tx DocumentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, staged: make(map[string]map[string]json.RawMessage)}

	if err := fn(tx); err != nil {
		return err
	}

	for collection, docs := range tx.staged {
		for id, raw := range docs {
			s.setLocked(collection, id, raw)
		}
	}

	return ctx.Err()
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryDocumentStore) HealthCheck(_ context.Context) error {
	return nil
}

// Count returns the number of documents in a collection. Test helper.
func (s *MemoryDocumentStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.collections[collection])
}

func (s *MemoryDocumentStore) setLocked(collection, id string, raw json.RawMessage) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		s.collections[collection] = docs
	}

	docs[id] = copyRaw(raw)
}

func (s *MemoryDocumentStore) getLocked(collection, id string) (json.RawMessage, error) {
	docs, ok := s.collections[collection]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	raw, ok := docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	return copyRaw(raw), nil
}

func (s *MemoryDocumentStore) updateLocked(
	collection, id string, mutate func(json.RawMessage) (any, error),
) error {
	current, err := s.getLocked(collection, id)
	if err != nil {
		return err
	}

	replacement, err := mutate(current)
	if err != nil {
		return err
	}

	raw, err := marshalDocument(replacement)
	if err != nil {
		return err
	}

	s.setLocked(collection, id, raw)

	return nil
}

// memoryTx stages writes until the Transact callback returns without error.
// Reads see staged writes first, then the underlying store.
type memoryTx struct {
	store  *MemoryDocumentStore
	staged map[string]map[string]json.RawMessage
}

var _ DocumentTx = (*memoryTx)(nil)

func (t *memoryTx) Set(_ context.Context, collection, id string, doc any) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	t.stage(collection, id, raw)

	return nil
}

func (t *memoryTx) Get(_ context.Context, collection, id string) (json.RawMessage, error) {
	if err := validateDocKey(collection, id); err != nil {
		return nil, err
	}

	if docs, ok := t.staged[collection]; ok {
		if raw, ok := docs[id]; ok {
			return copyRaw(raw), nil
		}
	}

	return t.store.getLocked(collection, id)
}

func (t *memoryTx) Update(
	ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error),
) error {
	current, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	replacement, err := mutate(current)
	if err != nil {
		return err
	}

	raw, err := marshalDocument(replacement)
	if err != nil {
		return err
	}

	t.stage(collection, id, raw)

	return nil
}

func (t *memoryTx) stage(collection, id string, raw json.RawMessage) {
	docs, ok := t.staged[collection]
	if !ok {
		docs = make(map[string]json.RawMessage)
		t.staged[collection] = docs
	}

	docs[id] = copyRaw(raw)
}

func validateDocKey(collection, id string) error {
	if collection == "" {
		return ErrEmptyCollection
	}

	if id == "" {
		return ErrEmptyDocumentID
	}

	return nil
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	dup := make(json.RawMessage, len(raw))
	copy(dup, raw)

	return dup
}
