package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// Criteria operators supported by Query. Values under these keys are compared
// against the document field addressed by the dotted path of the criteria key.
const (
	OpGTE   = "$gte"
	OpLTE   = "$lte"
	OpRegex = "$regex"
)

// Sentinel errors shared by all document store implementations.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrEmptyCollection  = errors.New("collection name cannot be empty")
	ErrEmptyDocumentID  = errors.New("document id cannot be empty")
	ErrNilDocument      = errors.New("document cannot be nil")
	ErrInvalidCriteria  = errors.New("invalid query criteria")
)

type (
	// Criteria filters documents in Query. Keys are field paths with dotted
	// syntax for nesting ("execution_details.status"); values are either a
	// literal to match for equality, or a map keyed by one of the Op*
	// operators for range and regex matching on scalar fields. Empty or nil
	// criteria match every document in the collection.
	Criteria map[string]any

	// DocumentStore is the persistence contract the healing core rides on.
	//
	// The domain packages (metadata, lineage, patterns, healing, learning,
	// schemareg) define their record layouts and own their collection names;
	// this interface only moves opaque JSON documents. Two implementations
	// exist: PostgresDocumentStore for production and MemoryDocumentStore for
	// tests. Both guarantee that Update and Transact are atomic
	// read-modify-write operations — concurrent counter updates must never
	// interleave.
	DocumentStore interface {
		// Set stores a document under (collection, id), replacing any prior version.
		Set(ctx context.Context, collection, id string, doc any) error

		// Get returns the raw document or ErrDocumentNotFound.
		Get(ctx context.Context, collection, id string) (json.RawMessage, error)

		// Query returns documents matching criteria, ordered by id for
		// determinism. limit <= 0 means no limit.
		Query(ctx context.Context, collection string, criteria Criteria, limit int) ([]json.RawMessage, error)

		// Delete removes a document; deleting a missing document returns
		// ErrDocumentNotFound.
		Delete(ctx context.Context, collection, id string) error

		// Update applies mutate to the current document under an exclusive
		// lock and persists the result. The mutate function receives the raw
		// current document and returns the replacement value.
		Update(ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error)) error

		// Transact runs fn with a transactional view; every read inside the
		// transaction locks the document it touches, and all writes commit or
		// roll back together. Used for cross-document invariants such as the
		// pattern+action counter pair.
		Transact(ctx context.Context, fn func(tx DocumentTx) error) error

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error
	}

	// DocumentTx is the transactional view passed to Transact callbacks.
	DocumentTx interface {
		Set(ctx context.Context, collection, id string, doc any) error
		Get(ctx context.Context, collection, id string) (json.RawMessage, error)
		Update(ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error)) error
	}
)

// marshalDocument normalizes a document value to its canonical JSON bytes.
func marshalDocument(doc any) (json.RawMessage, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}

	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	return data, nil
}
