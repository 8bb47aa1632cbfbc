// Package catalog provides durable storage for the store and books a
// single server instance owns.
//
// The core routing and coordination layers consume Catalog as an opaque
// collaborator: they only need per-entity create/read/update/delete plus
// the cascade on store deletion. Two implementations exist: BoltCatalog
// (bbolt-backed, production) and MemCatalog (in-memory, tests).
package catalog

import "errors"

// Storage errors. Handlers translate these to wire statuses; they never
// bubble past the HTTP boundary as 5xx.
var (
	// ErrStoreNotFound means no store lives on this instance, or the
	// requested id is not the one this instance owns.
	ErrStoreNotFound = errors.New("bookstore not found")

	// ErrBookNotFound means the book id has no local record.
	ErrBookNotFound = errors.New("book not found")

	// ErrStoreExists means this instance already hosts its one store.
	ErrStoreExists = errors.New("bookstore already exists on this server")
)

// Catalog is the storage contract for one instance's shard. All
// implementations must be safe for concurrent use; per-entity operations
// are atomic, but multi-entity sequences (cascade delete) are best-effort,
// not transactional across implementations.
type Catalog interface {
	// CreateStore persists the instance's store. Returns ErrStoreExists if
	// one is already present.
	CreateStore(s Store) error

	// CurrentStore returns the store this instance hosts, or
	// ErrStoreNotFound if none has been created.
	CurrentStore() (Store, error)

	// UpdateStore applies a partial update (empty fields unchanged) and
	// returns the result.
	UpdateStore(patch Store) (Store, error)

	// DeleteStore removes the store with the given id and every book it
	// contains. Returns ErrStoreNotFound if the id is not the local store.
	DeleteStore(id int64) error

	// AddBook persists a book, assigning it a fresh id, and returns it.
	AddBook(b Book) (Book, error)

	// GetBook returns the book with the given id.
	GetBook(id int64) (Book, error)

	// ListBooks returns every book owned by the given store, in no
	// particular order.
	ListBooks(storeID int64) ([]Book, error)

	// FindBooks returns the books whose ids appear in ids, silently
	// skipping unknown ids.
	FindBooks(ids []int64) ([]Book, error)

	// UpdateBook applies a partial update (unset fields unchanged, price
	// sentinel honored) and returns the result.
	UpdateBook(id int64, patch Book) (Book, error)

	// DeleteBook removes a book. Returns ErrBookNotFound if absent.
	DeleteBook(id int64) error

	// Close releases underlying resources.
	Close() error
}
