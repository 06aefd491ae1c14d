// internal/ledger/memory.go
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/memdb"
	"kitabu/internal/money"
)

// MemoryLedger keeps transactions in a memdb table.
type MemoryLedger struct {
	db    *memdb.DB
	loans *memdb.Table[Transaction]
	now   func() time.Time
}

// NewMemoryLedger creates a ledger on db.
func NewMemoryLedger(db *memdb.DB) *MemoryLedger {
	return &MemoryLedger{
		db:    db,
		loans: memdb.NewTable[Transaction](db, "loans"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Open(ctx context.Context, bookID, memberID uuid.UUID, fee money.Amount) (Transaction, error) {
	if fee.IsNegative() {
		return Transaction{}, apperr.Validation("fee must be non-negative, got %s", fee)
	}
	tx := Transaction{
		ID:        uuid.New(),
		BookID:    bookID,
		MemberID:  memberID,
		IssueDate: l.now(),
		Fee:       fee,
	}
	err := l.db.RunInTx(ctx, func(ctx context.Context) error {
		return l.loans.Put(ctx, tx.ID.String(), tx)
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (l *MemoryLedger) Close(ctx context.Context, id uuid.UUID) (Transaction, error) {
	var out Transaction
	err := l.db.RunInTx(ctx, func(ctx context.Context) error {
		tx, ok, err := l.loans.GetForUpdate(ctx, id.String())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("transaction", id)
		}
		if !tx.IsOpen() {
			return fmt.Errorf("transaction %s: %w", id, apperr.ErrAlreadyClosed)
		}
		out = tx.closeAt(l.now())
		return l.loans.Put(ctx, id.String(), out)
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

func (l *MemoryLedger) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	tx, ok := l.loans.Get(ctx, id.String())
	if !ok {
		return Transaction{}, apperr.NotFound("transaction", id)
	}
	return tx, nil
}

func (l *MemoryLedger) List(ctx context.Context) ([]Transaction, error) {
	return l.loans.Scan(ctx, nil), nil
}

func (l *MemoryLedger) ListOpenByBook(ctx context.Context, bookID uuid.UUID) ([]Transaction, error) {
	return l.loans.Scan(ctx, func(t Transaction) bool {
		return t.BookID == bookID && t.IsOpen()
	}), nil
}

func (l *MemoryLedger) ListOpenByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error) {
	return l.loans.Scan(ctx, func(t Transaction) bool {
		return t.MemberID == memberID && t.IsOpen()
	}), nil
}

func (l *MemoryLedger) ListByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error) {
	return l.loans.Scan(ctx, func(t Transaction) bool {
		return t.MemberID == memberID
	}), nil
}
