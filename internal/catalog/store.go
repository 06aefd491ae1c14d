// internal/catalog/store.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Store owns Book records. AdjustStock is the only path for lending
// effects; Update is reserved for catalogue metadata edits.
type Store interface {
	Create(ctx context.Context, nb NewBook) (Book, error)
	Get(ctx context.Context, id uuid.UUID) (Book, error)
	List(ctx context.Context) ([]Book, error)
	Update(ctx context.Context, id uuid.UUID, u Update) (Book, error)
	AdjustStock(ctx context.Context, id uuid.UUID, delta int) (Book, error)
}
