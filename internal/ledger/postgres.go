// internal/ledger/postgres.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"kitabu/internal/apperr"
	"kitabu/internal/money"
	"kitabu/internal/storage/postgres"
)

const loansTable = "loans"

// PostgresLedger keeps transactions in the loans table.
type PostgresLedger struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresLedger creates a ledger backed by db.
func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *PostgresLedger) Open(ctx context.Context, bookID, memberID uuid.UUID, fee money.Amount) (Transaction, error) {
	if fee.IsNegative() {
		return Transaction{}, apperr.Validation("fee must be non-negative, got %s", fee)
	}

	ds := postgres.Dialect.Insert(loansTable).Prepared(true).
		Rows(goqu.Record{
			"id":         uuid.New(),
			"book_id":    bookID,
			"member_id":  memberID,
			"issue_date": l.now(),
			"fee":        fee,
		}).
		Returning(goqu.Star())

	var tx Transaction
	if err := postgres.Get(ctx, postgres.Conn(ctx, l.db), &tx, ds); err != nil {
		return Transaction{}, postgres.MapError(fmt.Errorf("open transaction: %w", err))
	}
	return tx, nil
}

// Close stamps the return date only while it is still unset, so the first
// writer wins and later callers find no open row.
func (l *PostgresLedger) Close(ctx context.Context, id uuid.UUID) (Transaction, error) {
	ds := postgres.Dialect.Update(loansTable).Prepared(true).
		Set(goqu.Record{"return_date": goqu.L("GREATEST(?::timestamptz, issue_date)", l.now())}).
		Where(goqu.Ex{"id": id, "return_date": nil}).
		Returning(goqu.Star())

	conn := postgres.Conn(ctx, l.db)
	var tx Transaction
	err := postgres.Get(ctx, conn, &tx, ds)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, postgres.MapError(fmt.Errorf("close transaction: %w", err))
	}

	found, err := postgres.Exists(ctx, conn, loansTable, id)
	if err != nil {
		return Transaction{}, postgres.MapError(fmt.Errorf("close transaction: %w", err))
	}
	if !found {
		return Transaction{}, apperr.NotFound("transaction", id)
	}
	return Transaction{}, fmt.Errorf("transaction %s: %w", id, apperr.ErrAlreadyClosed)
}

func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	ds := postgres.Dialect.From(loansTable).Prepared(true).Where(goqu.Ex{"id": id})

	var tx Transaction
	if err := postgres.Get(ctx, postgres.Conn(ctx, l.db), &tx, ds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, apperr.NotFound("transaction", id)
		}
		return Transaction{}, postgres.MapError(fmt.Errorf("get transaction: %w", err))
	}
	return tx, nil
}

func (l *PostgresLedger) list(ctx context.Context, where goqu.Ex) ([]Transaction, error) {
	ds := postgres.Dialect.From(loansTable).Prepared(true).
		Order(goqu.C("issue_date").Asc(), goqu.C("id").Asc())
	if len(where) > 0 {
		ds = ds.Where(where)
	}

	txs := []Transaction{}
	if err := postgres.Select(ctx, postgres.Conn(ctx, l.db), &txs, ds); err != nil {
		return nil, postgres.MapError(fmt.Errorf("list transactions: %w", err))
	}
	return txs, nil
}

func (l *PostgresLedger) List(ctx context.Context) ([]Transaction, error) {
	return l.list(ctx, nil)
}

func (l *PostgresLedger) ListOpenByBook(ctx context.Context, bookID uuid.UUID) ([]Transaction, error) {
	return l.list(ctx, goqu.Ex{"book_id": bookID, "return_date": nil})
}

func (l *PostgresLedger) ListOpenByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error) {
	return l.list(ctx, goqu.Ex{"member_id": memberID, "return_date": nil})
}

func (l *PostgresLedger) ListByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error) {
	return l.list(ctx, goqu.Ex{"member_id": memberID})
}
