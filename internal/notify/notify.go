// internal/notify/notify.go
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published after a unit of work commits.
const (
	BookRegistered   = "BookRegistered"
	BookUpdated      = "BookUpdated"
	MemberRegistered = "MemberRegistered"
	MemberUpdated    = "MemberUpdated"
	LoanIssued       = "LoanIssued"
	LoanReturned     = "LoanReturned"
	PaymentPosted    = "PaymentPosted"
)

// Event tells the API layer that committed state changed.
type Event struct {
	Type        string      `json:"type"`
	AggregateID uuid.UUID   `json:"aggregate_id"`
	OccurredAt  time.Time   `json:"occurred_at"`
	Data        interface{} `json:"data"`
}

// Publisher delivers committed events. Delivery is best effort: a failed
// publish never undoes the change it describes.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs error
	for _, p := range m {
		errs = errors.Join(errs, p.Publish(ctx, events...))
	}
	return errs
}

// Hub delivers events synchronously to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn func(Event)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *Hub) Publish(_ context.Context, events ...Event) error {
	h.mu.RLock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
	return nil
}
