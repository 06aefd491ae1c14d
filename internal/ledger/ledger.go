// internal/ledger/ledger.go
package ledger

import (
	"context"

	"github.com/google/uuid"

	"kitabu/internal/money"
)

// Ledger owns Transaction records. Open creates a loan, Close ends it exactly
// once: under concurrent calls for the same id one caller succeeds and the
// rest get apperr.ErrAlreadyClosed.
type Ledger interface {
	Open(ctx context.Context, bookID, memberID uuid.UUID, fee money.Amount) (Transaction, error)
	Close(ctx context.Context, id uuid.UUID) (Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (Transaction, error)
	List(ctx context.Context) ([]Transaction, error)
	ListOpenByBook(ctx context.Context, bookID uuid.UUID) ([]Transaction, error)
	ListOpenByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error)
	ListByMember(ctx context.Context, memberID uuid.UUID) ([]Transaction, error)
}
