package circulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/eventstore"
	"kitabu/internal/ledger"
	"kitabu/internal/memdb"
	"kitabu/internal/membership"
	"kitabu/internal/money"
	"kitabu/internal/notify"
	"kitabu/internal/storage"
	"kitabu/internal/storage/postgres"
	"kitabu/internal/storage/postgres/pgtest"
)

func memoryStores(testing.TB) Stores {
	return newMemoryStores()
}

func newMemoryStores() Stores {
	db := memdb.New(memdb.WithLockTimeout(5 * time.Second))
	return Stores{
		Books:   catalog.NewMemoryStore(db),
		Members: membership.NewMemoryStore(db),
		Ledger:  ledger.NewMemoryLedger(db),
		Events:  eventstore.NewMemoryStore(db),
		Tx:      db,
	}
}

func postgresStores(t testing.TB) Stores {
	db := pgtest.Open(t)
	tx := postgres.NewTransactor(db)
	return Stores{
		Books:   catalog.NewPostgresStore(db, tx),
		Members: membership.NewPostgresStore(db),
		Ledger:  ledger.NewPostgresLedger(db),
		Events:  eventstore.NewPostgresStore(db, tx),
		Tx:      tx,
	}
}

var backends = map[string]func(t testing.TB) Stores{
	"memory":   memoryStores,
	"postgres": postgresStores,
}

func fastRetries() Option {
	return WithRetryDelays(time.Millisecond, 20*time.Millisecond)
}

var isbnSeq atomic.Int64

func addBook(t rapid.TB, svc Service, stock int, fee money.Amount) catalog.Book {
	t.Helper()
	book, err := svc.CreateBook(context.Background(), catalog.NewBook{
		Title:           "The River Between",
		Author:          "Ngugi wa Thiong'o",
		ISBN:            fmt.Sprintf("978%010d", isbnSeq.Add(1)),
		PublicationYear: 1965,
		Stock:           stock,
		RentFee:         fee,
	})
	require.NoError(t, err)
	return book
}

func addMember(t rapid.TB, svc Service) membership.Member {
	t.Helper()
	member, err := svc.RegisterMember(context.Background(), membership.NewMember{
		FirstName: "Wanjiru",
		LastName:  "Kamau",
		Email:     fmt.Sprintf("wanjiru.%s@example.com", uuid.NewString()[:8]),
	})
	require.NoError(t, err)
	return member
}

func TestCirculation(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			runCirculationContract(t, open)
		})
	}
}

func runCirculationContract(t *testing.T, open func(t testing.TB) Stores) {
	ctx := context.Background()

	t.Run("issue and return scenario", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 1, money.FromInt(50))
		member := addMember(t, svc)

		loan, err := svc.IssueBook(ctx, book.ID, member.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, loan.Book.Stock)
		assert.True(t, loan.Member.Balance.Equals(money.Zero))
		assert.True(t, loan.Fee.Equals(money.FromInt(50)))
		assert.Equal(t, ledger.StatusIssued, loan.Status)

		_, err = svc.IssueBook(ctx, book.ID, member.ID)
		assert.ErrorIs(t, err, apperr.ErrOutOfStock)

		returned, err := svc.ReturnBook(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, returned.Book.Stock)
		assert.True(t, returned.Member.Balance.Equals(money.FromInt(50)))
		assert.Equal(t, ledger.StatusReturned, returned.Status)

		_, err = svc.ReturnBook(ctx, loan.ID)
		assert.ErrorIs(t, err, apperr.ErrAlreadyReturned)

		got, err := svc.GetBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Stock)
		balance, err := svc.GetBalance(ctx, member.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equals(money.FromInt(50)))
	})

	t.Run("out of stock leaves no trace", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 0, money.FromInt(30))
		member := addMember(t, svc)

		_, err := svc.IssueBook(ctx, book.ID, member.ID)
		assert.ErrorIs(t, err, apperr.ErrOutOfStock)

		history, err := svc.GetMemberHistory(ctx, member.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
		balance, err := svc.GetBalance(ctx, member.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equals(money.Zero))
	})

	t.Run("unknown ids", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 1, money.FromInt(30))
		member := addMember(t, svc)

		_, err := svc.IssueBook(ctx, uuid.New(), member.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = svc.IssueBook(ctx, book.ID, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = svc.ReturnBook(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		got, err := svc.GetBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Stock)
	})

	t.Run("fee is fixed at issue", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 2, money.FromInt(50))
		member := addMember(t, svc)

		loan, err := svc.IssueBook(ctx, book.ID, member.ID)
		require.NoError(t, err)

		raised := money.FromInt(80)
		_, err = svc.UpdateBook(ctx, book.ID, catalog.Update{RentFee: &raised})
		require.NoError(t, err)

		returned, err := svc.ReturnBook(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, returned.Fee.Equals(money.FromInt(50)))
		assert.True(t, returned.Member.Balance.Equals(money.FromInt(50)))
	})

	t.Run("registered stock follows open loans", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 3, money.FromInt(10))
		member := addMember(t, svc)

		for i := 0; i < 2; i++ {
			_, err := svc.IssueBook(ctx, book.ID, member.ID)
			require.NoError(t, err)
		}

		tooFew := 1
		_, err := svc.UpdateBook(ctx, book.ID, catalog.Update{Stock: &tooFew})
		assert.ErrorIs(t, err, apperr.ErrStockMismatch)

		more := 5
		updated, err := svc.UpdateBook(ctx, book.ID, catalog.Update{Stock: &more})
		require.NoError(t, err)
		assert.Equal(t, 5, updated.Copies)
		assert.Equal(t, 3, updated.Stock)

		active, err := svc.GetActiveLoans(ctx, book.ID)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("payments reduce the balance", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		book := addBook(t, svc, 1, money.MustParse("75.50"))
		member := addMember(t, svc)

		loan, err := svc.IssueBook(ctx, book.ID, member.ID)
		require.NoError(t, err)
		_, err = svc.ReturnBook(ctx, loan.ID)
		require.NoError(t, err)

		paid, err := svc.PostPayment(ctx, member.ID, money.MustParse("50.25"))
		require.NoError(t, err)
		assert.Equal(t, "25.25", paid.Balance.String())

		_, err = svc.PostPayment(ctx, member.ID, money.Zero)
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = svc.PostPayment(ctx, uuid.New(), money.FromInt(1))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("listings include books and members", func(t *testing.T) {
		svc := NewService(open(t), fastRetries())
		first := addBook(t, svc, 1, money.FromInt(20))
		second := addBook(t, svc, 1, money.FromInt(40))
		member := addMember(t, svc)

		a, err := svc.IssueBook(ctx, first.ID, member.ID)
		require.NoError(t, err)
		_, err = svc.IssueBook(ctx, second.ID, member.ID)
		require.NoError(t, err)
		_, err = svc.ReturnBook(ctx, a.ID)
		require.NoError(t, err)

		history, err := svc.ListMemberTransactions(ctx, member.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		for _, loan := range history {
			require.NotNil(t, loan.Book)
			assert.Equal(t, loan.BookID, loan.Book.ID)
		}

		issued, err := svc.ListIssuedBooks(ctx, member.ID)
		require.NoError(t, err)
		require.Len(t, issued, 1)
		assert.Equal(t, second.ID, issued[0].Book.ID)
		require.NotNil(t, issued[0].Member)
		assert.Equal(t, member.ID, issued[0].Member.ID)

		all, err := svc.ListTransactions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = svc.ListIssuedBooks(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("parallel issues of the last copy", func(t *testing.T) {
		svc := NewService(open(t), fastRetries(), WithMaxAttempts(50))
		book := addBook(t, svc, 1, money.FromInt(50))
		member := addMember(t, svc)

		const callers = 20
		var ok, outOfStock atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.IssueBook(ctx, book.ID, member.ID)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, apperr.ErrOutOfStock):
					outOfStock.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, ok.Load())
		assert.EqualValues(t, callers-1, outOfStock.Load())
		got, err := svc.GetBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Stock)
	})

	t.Run("parallel returns of one loan", func(t *testing.T) {
		svc := NewService(open(t), fastRetries(), WithMaxAttempts(50))
		book := addBook(t, svc, 1, money.FromInt(50))
		member := addMember(t, svc)
		loan, err := svc.IssueBook(ctx, book.ID, member.ID)
		require.NoError(t, err)

		const callers = 20
		var ok, duplicate atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.ReturnBook(ctx, loan.ID)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, apperr.ErrAlreadyReturned):
					duplicate.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, ok.Load())
		assert.EqualValues(t, callers-1, duplicate.Load())
		got, err := svc.GetBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Stock)
		balance, err := svc.GetBalance(ctx, member.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equals(money.FromInt(50)))
	})

	t.Run("lending is recorded in the event log", func(t *testing.T) {
		stores := open(t)
		svc := NewService(stores, fastRetries())
		book := addBook(t, svc, 1, money.FromInt(50))
		member := addMember(t, svc)

		loan, err := svc.IssueBook(ctx, book.ID, member.ID)
		require.NoError(t, err)
		_, err = svc.ReturnBook(ctx, loan.ID)
		require.NoError(t, err)

		events, err := stores.Events.LoadEvents(ctx, loan.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, notify.LoanIssued, events[0].EventType)
		assert.Equal(t, notify.LoanReturned, events[1].EventType)

		var returned LoanReturnedEvent
		require.NoError(t, events[1].Decode(&returned))
		assert.Equal(t, "50.00", returned.BalanceAfter.String())
	})
}

// flakyTransactor fails the first n units with a storage conflict.
func flakyTransactor(inner storage.Transactor, n int32) (storage.Transactor, *atomic.Int32) {
	var calls atomic.Int32
	return storage.TransactorFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		if calls.Add(1) <= n {
			return apperr.Conflict(errors.New("injected"))
		}
		return inner.RunInTx(ctx, fn)
	}), &calls
}

func TestRetriesStorageConflicts(t *testing.T) {
	ctx := context.Background()
	stores := memoryStores(t)
	svc := NewService(stores, fastRetries())
	book := addBook(t, svc, 1, money.FromInt(50))
	member := addMember(t, svc)

	stores.Tx, _ = flakyTransactor(stores.Tx, 2)
	flaky := NewService(stores, fastRetries(), WithMaxAttempts(3))

	loan, err := flaky.IssueBook(ctx, book.ID, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loan.Book.Stock)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	stores := memoryStores(t)
	svc := NewService(stores, fastRetries())
	book := addBook(t, svc, 1, money.FromInt(50))
	member := addMember(t, svc)

	var calls *atomic.Int32
	stores.Tx, calls = flakyTransactor(stores.Tx, 100)
	flaky := NewService(stores, fastRetries(), WithMaxAttempts(3))

	_, err := flaky.IssueBook(ctx, book.ID, member.ID)
	assert.ErrorIs(t, err, apperr.ErrStorageConflict)
	assert.EqualValues(t, 3, calls.Load())

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock)
}

type failingLedger struct {
	ledger.Ledger
}

func (failingLedger) Open(context.Context, uuid.UUID, uuid.UUID, money.Amount) (ledger.Transaction, error) {
	return ledger.Transaction{}, errors.New("disk full")
}

func TestFailedLoanRestoresStock(t *testing.T) {
	ctx := context.Background()
	stores := memoryStores(t)
	svc := NewService(stores, fastRetries())
	book := addBook(t, svc, 1, money.FromInt(50))
	member := addMember(t, svc)

	stores.Ledger = failingLedger{Ledger: stores.Ledger}
	broken := NewService(stores, fastRetries())

	_, err := broken.IssueBook(ctx, book.ID, member.ID)
	assert.ErrorContains(t, err, "disk full")

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock)
	loans, err := svc.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, loans)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestPublishesOnlyCommittedEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := NewService(memoryStores(t), fastRetries(), WithPublisher(pub))

	book := addBook(t, svc, 1, money.FromInt(50))
	member := addMember(t, svc)
	loan, err := svc.IssueBook(ctx, book.ID, member.ID)
	require.NoError(t, err)
	_, err = svc.IssueBook(ctx, book.ID, member.ID)
	require.ErrorIs(t, err, apperr.ErrOutOfStock)
	_, err = svc.ReturnBook(ctx, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		notify.BookRegistered,
		notify.MemberRegistered,
		notify.LoanIssued,
		notify.LoanReturned,
	}, pub.types())
}

func TestPublishFailureDoesNotFailTheRequest(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewService(memoryStores(t), fastRetries(), WithPublisher(pub))

	book := addBook(t, svc, 1, money.FromInt(50))
	member := addMember(t, svc)
	_, err := svc.IssueBook(ctx, book.ID, member.ID)
	assert.NoError(t, err)
}

func TestRegistrationLimit(t *testing.T) {
	svc := NewService(memoryStores(t), WithRegistrationLimit(2))
	addMember(t, svc)
	addMember(t, svc)

	_, err := svc.RegisterMember(context.Background(), membership.NewMember{
		FirstName: "Baraka", LastName: "Otieno", Email: "baraka@example.com",
	})
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestDuplicatesAreRejected(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memoryStores(t))
	book := addBook(t, svc, 1, money.FromInt(10))
	member := addMember(t, svc)

	_, err := svc.CreateBook(ctx, catalog.NewBook{
		Title: "Other", Author: "Other", ISBN: book.ISBN, PublicationYear: 2001, RentFee: money.Zero,
	})
	assert.ErrorIs(t, err, apperr.ErrDuplicateISBN)

	_, err = svc.RegisterMember(ctx, membership.NewMember{
		FirstName: "Other", LastName: "Other", Email: member.Email,
	})
	assert.ErrorIs(t, err, apperr.ErrDuplicateEmail)
}
