// Package document defines the contract between the data-access service and a document storage driver.
package document

import (
	"context"
	"errors"
)

var (
	// ErrInvalidID is returned by drivers when an identifier cannot be cast to the collection's id type.
	ErrInvalidID = errors.New("invalid document id")
	// ErrNotConnected is returned by drivers that have not been bound to a live connection yet.
	ErrNotConnected = errors.New("collection is not bound to a connection")
	// ErrDuplicateKey is returned by drivers when a write violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Filter represents field-based filtering criteria for document stores.
type Filter map[string]interface{}

// Collection is the handle to one logical document collection.
//
// Lookups by id report absence through the found flag, never through an error.
// Errors from the underlying driver are returned as-is.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Find returns all documents matching the query, honoring its sort, skip and limit.
	Find(ctx context.Context, q *Query) ([]Document, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Insert stores entity and returns the stored document including server-assigned fields.
	Insert(ctx context.Context, entity map[string]interface{}) (Document, error)

	// FindByID fetches one document by identifier.
	FindByID(ctx context.Context, id interface{}) (Document, bool, error)

	// FindByIDAndUpdate applies update and returns the post-update document.
	FindByIDAndUpdate(ctx context.Context, id interface{}, update map[string]interface{}) (Document, bool, error)

	// FindByIDAndRemove deletes the document if it exists.
	FindByIDAndRemove(ctx context.Context, id interface{}) error

	// RemoveAll deletes every document in the collection.
	RemoveAll(ctx context.Context) error
}

// Indexer is implemented by collections that support secondary index creation.
type Indexer interface {
	// EnsureIndex creates an index over the space-separated field spec ("-" prefix for descending).
	EnsureIndex(ctx context.Context, spec string, unique bool) error
}
