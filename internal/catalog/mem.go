package catalog

import "sync"

// MemCatalog is an in-memory Catalog used by tests, so each test case gets
// an isolated instance without touching disk.
type MemCatalog struct {
	mu     sync.RWMutex
	store  *Store
	books  map[int64]Book
	nextID int64
}

// NewMem creates an empty in-memory catalog.
func NewMem() *MemCatalog {
	return &MemCatalog{books: make(map[int64]Book)}
}

// Close is a no-op for the in-memory catalog.
func (c *MemCatalog) Close() error { return nil }

// CreateStore persists the instance's store.
func (c *MemCatalog) CreateStore(s Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return ErrStoreExists
	}
	copied := s
	c.store = &copied
	return nil
}

// CurrentStore returns the store this instance hosts.
func (c *MemCatalog) CurrentStore() (Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return Store{}, ErrStoreNotFound
	}
	return *c.store, nil
}

// UpdateStore applies a partial update to the local store.
func (c *MemCatalog) UpdateStore(patch Store) (Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return Store{}, ErrStoreNotFound
	}
	c.store.merge(patch)
	return *c.store, nil
}

// DeleteStore removes the store and cascades to its books.
func (c *MemCatalog) DeleteStore(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil || c.store.ID != id {
		return ErrStoreNotFound
	}
	c.store = nil
	c.books = make(map[int64]Book)
	return nil
}

// AddBook persists a book under a freshly issued local id.
func (c *MemCatalog) AddBook(b Book) (Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	b.ID = c.nextID
	c.books[b.ID] = b
	return b, nil
}

// GetBook returns the book with the given id.
func (c *MemCatalog) GetBook(id int64) (Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[id]
	if !ok {
		return Book{}, ErrBookNotFound
	}
	return b, nil
}

// ListBooks returns every book owned by the given store.
func (c *MemCatalog) ListBooks(storeID int64) ([]Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var books []Book
	for _, b := range c.books {
		if b.StoreID == storeID {
			books = append(books, b)
		}
	}
	return books, nil
}

// FindBooks returns the books whose ids are present, skipping unknown ids.
func (c *MemCatalog) FindBooks(ids []int64) ([]Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var books []Book
	for _, id := range ids {
		if b, ok := c.books[id]; ok {
			books = append(books, b)
		}
	}
	return books, nil
}

// UpdateBook applies a partial update to a book.
func (c *MemCatalog) UpdateBook(id int64, patch Book) (Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[id]
	if !ok {
		return Book{}, ErrBookNotFound
	}
	b.merge(patch)
	c.books[id] = b
	return b, nil
}

// DeleteBook removes a book.
func (c *MemCatalog) DeleteBook(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[id]; !ok {
		return ErrBookNotFound
	}
	delete(c.books, id)
	return nil
}
