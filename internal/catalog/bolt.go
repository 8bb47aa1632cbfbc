package catalog

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStore = []byte("store")
	bucketBooks = []byte("books")
	keyCurrent  = []byte("current")
)

// BoltCatalog stores the instance's shard in a bbolt file so a restarted
// server comes back owning the same store and books.
type BoltCatalog struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the catalog database at path.
func OpenBolt(path string) (*BoltCatalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open catalog db %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStore); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBooks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init catalog buckets")
	}
	return &BoltCatalog{db: db}, nil
}

// Close closes the underlying database.
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}

// CreateStore persists the instance's store.
func (c *BoltCatalog) CreateStore(s Store) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStore)
		if b.Get(keyCurrent) != nil {
			return ErrStoreExists
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.Put(keyCurrent, data)
	})
}

// CurrentStore returns the store this instance hosts.
func (c *BoltCatalog) CurrentStore() (Store, error) {
	var s Store
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStore).Get(keyCurrent)
		if data == nil {
			return ErrStoreNotFound
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

// UpdateStore applies a partial update to the local store.
func (c *BoltCatalog) UpdateStore(patch Store) (Store, error) {
	var s Store
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStore)
		data := b.Get(keyCurrent)
		if data == nil {
			return ErrStoreNotFound
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s.merge(patch)
		next, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.Put(keyCurrent, next)
	})
	return s, err
}

// DeleteStore removes the store and cascades to every book it contains.
func (c *BoltCatalog) DeleteStore(id int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStore)
		data := b.Get(keyCurrent)
		if data == nil {
			return ErrStoreNotFound
		}
		var s Store
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s.ID != id {
			return ErrStoreNotFound
		}
		if err := b.Delete(keyCurrent); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketBooks); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketBooks)
		return err
	})
}

// AddBook persists a book under a freshly issued local id.
func (c *BoltCatalog) AddBook(book Book) (Book, error) {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBooks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		book.ID = int64(seq)
		data, err := json.Marshal(book)
		if err != nil {
			return err
		}
		return b.Put(itob(book.ID), data)
	})
	return book, err
}

// GetBook returns the book with the given id.
func (c *BoltCatalog) GetBook(id int64) (Book, error) {
	var book Book
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBooks).Get(itob(id))
		if data == nil {
			return ErrBookNotFound
		}
		return json.Unmarshal(data, &book)
	})
	return book, err
}

// ListBooks returns every book owned by the given store.
func (c *BoltCatalog) ListBooks(storeID int64) ([]Book, error) {
	var books []Book
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBooks).ForEach(func(_, data []byte) error {
			var book Book
			if err := json.Unmarshal(data, &book); err != nil {
				return err
			}
			if book.StoreID == storeID {
				books = append(books, book)
			}
			return nil
		})
	})
	return books, err
}

// FindBooks returns the books whose ids are present, skipping unknown ids.
func (c *BoltCatalog) FindBooks(ids []int64) ([]Book, error) {
	var books []Book
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBooks)
		for _, id := range ids {
			data := b.Get(itob(id))
			if data == nil {
				continue
			}
			var book Book
			if err := json.Unmarshal(data, &book); err != nil {
				return err
			}
			books = append(books, book)
		}
		return nil
	})
	return books, err
}

// UpdateBook applies a partial update to a book.
func (c *BoltCatalog) UpdateBook(id int64, patch Book) (Book, error) {
	var book Book
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBooks)
		data := b.Get(itob(id))
		if data == nil {
			return ErrBookNotFound
		}
		if err := json.Unmarshal(data, &book); err != nil {
			return err
		}
		book.merge(patch)
		next, err := json.Marshal(book)
		if err != nil {
			return err
		}
		return b.Put(itob(id), next)
	})
	return book, err
}

// DeleteBook removes a book.
func (c *BoltCatalog) DeleteBook(id int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBooks)
		if b.Get(itob(id)) == nil {
			return ErrBookNotFound
		}
		return b.Delete(itob(id))
	})
}

// itob encodes an id as a big-endian key so bucket order follows id order.
func itob(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
