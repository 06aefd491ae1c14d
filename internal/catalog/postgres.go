// internal/catalog/postgres.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"kitabu/internal/apperr"
	"kitabu/internal/storage/postgres"
)

const booksTable = "books"

// PostgresStore keeps books in the books table.
type PostgresStore struct {
	db *sqlx.DB
	tx *postgres.Transactor
}

// NewPostgresStore creates a catalogue backed by db.
func NewPostgresStore(db *sqlx.DB, tx *postgres.Transactor) *PostgresStore {
	return &PostgresStore{db: db, tx: tx}
}

func (s *PostgresStore) Create(ctx context.Context, nb NewBook) (Book, error) {
	if err := nb.Validate(); err != nil {
		return Book{}, err
	}

	ds := postgres.Dialect.Insert(booksTable).Prepared(true).
		Rows(goqu.Record{
			"id":               uuid.New(),
			"title":            strings.TrimSpace(nb.Title),
			"author":           strings.TrimSpace(nb.Author),
			"isbn":             strings.TrimSpace(nb.ISBN),
			"publication_year": nb.PublicationYear,
			"stock":            nb.Stock,
			"copies":           nb.Stock,
			"rent_fee":         nb.RentFee,
		}).
		Returning(goqu.Star())

	var book Book
	if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &book, ds); err != nil {
		if constraint, ok := postgres.UniqueViolation(err); ok && constraint == "books_isbn_key" {
			return Book{}, apperr.ErrDuplicateISBN
		}
		return Book{}, postgres.MapError(fmt.Errorf("insert book: %w", err))
	}
	return book, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Book, error) {
	ds := postgres.Dialect.From(booksTable).Prepared(true).Where(goqu.Ex{"id": id})
	return s.getOne(ctx, id, ds)
}

func (s *PostgresStore) getOne(ctx context.Context, id uuid.UUID, ds *goqu.SelectDataset) (Book, error) {
	var book Book
	if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &book, ds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Book{}, apperr.NotFound("book", id)
		}
		return Book{}, postgres.MapError(fmt.Errorf("get book: %w", err))
	}
	return book, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Book, error) {
	ds := postgres.Dialect.From(booksTable).Prepared(true).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())

	books := []Book{}
	if err := postgres.Select(ctx, postgres.Conn(ctx, s.db), &books, ds); err != nil {
		return nil, postgres.MapError(fmt.Errorf("list books: %w", err))
	}
	return books, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, u Update) (Book, error) {
	if err := u.Validate(); err != nil {
		return Book{}, err
	}

	var out Book
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		locked := postgres.Dialect.From(booksTable).Prepared(true).
			Where(goqu.Ex{"id": id}).
			ForUpdate(exp.Wait)
		book, err := s.getOne(ctx, id, locked)
		if err != nil {
			return err
		}
		book, err = u.Apply(book)
		if err != nil {
			return err
		}

		ds := postgres.Dialect.Update(booksTable).Prepared(true).
			Set(goqu.Record{
				"title":            book.Title,
				"author":           book.Author,
				"publication_year": book.PublicationYear,
				"rent_fee":         book.RentFee,
				"stock":            book.Stock,
				"copies":           book.Copies,
				"updated_at":       goqu.L("NOW()"),
			}).
			Where(goqu.Ex{"id": id}).
			Returning(goqu.Star())
		if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &out, ds); err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	return out, nil
}

// AdjustStock applies delta in a single conditional statement, so concurrent
// adjusters of the same row serialize on the row lock.
func (s *PostgresStore) AdjustStock(ctx context.Context, id uuid.UUID, delta int) (Book, error) {
	if delta != 1 && delta != -1 {
		return Book{}, apperr.Validation("stock adjustment must be +1 or -1, got %d", delta)
	}

	ds := postgres.Dialect.Update(booksTable).Prepared(true).
		Set(goqu.Record{
			"stock":      goqu.L("stock + ?", delta),
			"updated_at": goqu.L("NOW()"),
		}).
		Where(
			goqu.Ex{"id": id},
			goqu.L("stock + ? >= 0", delta),
			goqu.L("stock + ? <= copies", delta),
		).
		Returning(goqu.Star())

	conn := postgres.Conn(ctx, s.db)
	var book Book
	err := postgres.Get(ctx, conn, &book, ds)
	if err == nil {
		return book, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Book{}, postgres.MapError(fmt.Errorf("adjust stock: %w", err))
	}

	found, err := postgres.Exists(ctx, conn, booksTable, id)
	if err != nil {
		return Book{}, postgres.MapError(fmt.Errorf("adjust stock: %w", err))
	}
	switch {
	case !found:
		return Book{}, apperr.NotFound("book", id)
	case delta < 0:
		return Book{}, fmt.Errorf("book %s: %w", id, apperr.ErrWouldGoNegative)
	default:
		return Book{}, fmt.Errorf("book %s: %w: shelf would exceed registered copies", id, apperr.ErrStockMismatch)
	}
}
