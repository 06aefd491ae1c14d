// internal/catalog/memory.go
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/memdb"
)

// MemoryStore keeps books in a memdb table.
type MemoryStore struct {
	db    *memdb.DB
	books *memdb.Table[Book]
	now   func() time.Time
}

// NewMemoryStore creates a catalogue on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{
		db:    db,
		books: memdb.NewTable[Book](db, "books"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, nb NewBook) (Book, error) {
	if err := nb.Validate(); err != nil {
		return Book{}, err
	}
	isbn := strings.TrimSpace(nb.ISBN)

	now := s.now()
	book := Book{
		ID:              uuid.New(),
		Title:           strings.TrimSpace(nb.Title),
		Author:          strings.TrimSpace(nb.Author),
		ISBN:            isbn,
		PublicationYear: nb.PublicationYear,
		Stock:           nb.Stock,
		Copies:          nb.Stock,
		RentFee:         nb.RentFee,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.db.Lock(ctx, "books.isbn/"+isbn); err != nil {
			return err
		}
		dup := s.books.Scan(ctx, func(b Book) bool { return b.ISBN == isbn })
		if len(dup) > 0 {
			return apperr.ErrDuplicateISBN
		}
		return s.books.Put(ctx, book.ID.String(), book)
	})
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Book, error) {
	book, ok := s.books.Get(ctx, id.String())
	if !ok {
		return Book{}, apperr.NotFound("book", id)
	}
	return book, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Book, error) {
	return s.books.Scan(ctx, nil), nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, u Update) (Book, error) {
	if err := u.Validate(); err != nil {
		return Book{}, err
	}
	return s.modify(ctx, id, func(b Book) (Book, error) { return u.Apply(b) })
}

func (s *MemoryStore) AdjustStock(ctx context.Context, id uuid.UUID, delta int) (Book, error) {
	return s.modify(ctx, id, func(b Book) (Book, error) { return shift(b, delta) })
}

func (s *MemoryStore) modify(ctx context.Context, id uuid.UUID, change func(Book) (Book, error)) (Book, error) {
	var out Book
	err := s.db.RunInTx(ctx, func(ctx context.Context) error {
		book, ok, err := s.books.GetForUpdate(ctx, id.String())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("book", id)
		}
		book, err = change(book)
		if err != nil {
			return err
		}
		book.UpdatedAt = s.now()
		out = book
		return s.books.Put(ctx, id.String(), book)
	})
	if err != nil {
		return Book{}, err
	}
	return out, nil
}
