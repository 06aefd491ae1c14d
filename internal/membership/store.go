// internal/membership/store.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"kitabu/internal/money"
)

// Store owns Member records. AdjustBalance is the only path used to post
// loan fees and payments.
type Store interface {
	Create(ctx context.Context, nm NewMember) (Member, error)
	Get(ctx context.Context, id uuid.UUID) (Member, error)
	List(ctx context.Context) ([]Member, error)
	Update(ctx context.Context, id uuid.UUID, u Update) (Member, error)
	AdjustBalance(ctx context.Context, id uuid.UUID, delta money.Amount) (Member, error)
}
