package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubDeliversUntilUnsubscribed(t *testing.T) {
	hub := NewHub()
	var got []string
	unsubscribe := hub.Subscribe(func(e Event) { got = append(got, e.Type) })

	require.NoError(t, hub.Publish(context.Background(), Event{Type: LoanIssued}, Event{Type: LoanReturned}))
	unsubscribe()
	require.NoError(t, hub.Publish(context.Background(), Event{Type: BookUpdated}))

	assert.Equal(t, []string{LoanIssued, LoanReturned}, got)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafkago.Message
	err  error
	hits int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByAggregate(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, zap.NewNop())
	loanID := uuid.New()

	require.NoError(t, p.Publish(context.Background(), Event{Type: LoanIssued, AggregateID: loanID}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, loanID.String(), string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Contains(t, string(w.msgs[0].Value), `"type":"LoanIssued"`)
}

func TestKafkaPublisherTripsBreaker(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w, zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.Error(t, p.Publish(context.Background(), Event{Type: LoanIssued}))
	}
	err := p.Publish(context.Background(), Event{Type: LoanIssued})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, w.hits)
}

func TestMultiJoinsErrors(t *testing.T) {
	hub := NewHub()
	delivered := 0
	hub.Subscribe(func(Event) { delivered++ })
	failing := NewKafkaPublisher(&fakeWriter{err: errors.New("down")}, zap.NewNop())

	err := Multi{hub, failing}.Publish(context.Background(), Event{Type: PaymentPosted})
	assert.Error(t, err)
	assert.Equal(t, 1, delivered)
}
