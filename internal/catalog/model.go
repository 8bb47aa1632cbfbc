package catalog

import "encoding/json"

// PriceUnset is the sentinel meaning "price not supplied" in a partial
// update. It distinguishes an omitted price from an explicit zero.
const PriceUnset float64 = -1

// Store is the bookstore a server instance owns. ID equals the owning
// instance's hub-issued id; an instance hosts at most one store for its
// lifetime.
type Store struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	StreetAddress string `json:"streetAddress"`
}

// Book belongs to exactly one store and shares its lifecycle: deleting the
// store cascades to its books.
type Book struct {
	ID          int64   `json:"id,omitempty"`
	StoreID     int64   `json:"storeID,omitempty"`
	Title       string  `json:"title,omitempty"`
	Author      string  `json:"author,omitempty"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	Language    string  `json:"language,omitempty"`
	Price       float64 `json:"price"`
}

// BookFromJSON decodes a book payload, preserving the unset-price sentinel:
// a payload that omits price yields PriceUnset, while an explicit
// "price": 0 yields zero.
func BookFromJSON(data []byte) (Book, error) {
	b := Book{Price: PriceUnset}
	if err := json.Unmarshal(data, &b); err != nil {
		return Book{}, err
	}
	return b, nil
}

// BookList is the aggregate payload batch endpoints exchange.
type BookList struct {
	Books []Book `json:"books"`
}

// BookListFromJSON decodes a batch payload, applying the unset-price
// sentinel to each entry.
func BookListFromJSON(data []byte) (BookList, error) {
	var raw struct {
		Books []json.RawMessage `json:"books"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return BookList{}, err
	}
	list := BookList{Books: make([]Book, 0, len(raw.Books))}
	for _, msg := range raw.Books {
		b, err := BookFromJSON(msg)
		if err != nil {
			return BookList{}, err
		}
		list.Books = append(list.Books, b)
	}
	return list, nil
}

// merge applies a partial store update: only non-empty fields overwrite.
func (s *Store) merge(patch Store) {
	if patch.Name != "" {
		s.Name = patch.Name
	}
	if patch.Phone != "" {
		s.Phone = patch.Phone
	}
	if patch.StreetAddress != "" {
		s.StreetAddress = patch.StreetAddress
	}
}

// merge applies a partial book update. String fields overwrite when
// non-empty; price overwrites unless it carries the unset sentinel, so an
// explicit zero price is applied.
func (b *Book) merge(patch Book) {
	if patch.Title != "" {
		b.Title = patch.Title
	}
	if patch.Author != "" {
		b.Author = patch.Author
	}
	if patch.Category != "" {
		b.Category = patch.Category
	}
	if patch.Description != "" {
		b.Description = patch.Description
	}
	if patch.Language != "" {
		b.Language = patch.Language
	}
	if patch.Price != PriceUnset {
		b.Price = patch.Price
	}
}
