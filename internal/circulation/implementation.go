// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/eventstore"
	"kitabu/internal/ledger"
	"kitabu/internal/membership"
	"kitabu/internal/money"
	"kitabu/internal/notify"
	"kitabu/internal/storage"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 10 * time.Millisecond
	defaultMaxDelay    = 200 * time.Millisecond
)

// Stores are the collaborators the engine coordinates. They must share the
// storage backend that Tx opens units of work on.
type Stores struct {
	Books   catalog.Store
	Members membership.Store
	Ledger  ledger.Ledger
	Events  eventstore.Store
	Tx      storage.Transactor
}

// Option configures the service.
type Option func(*service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// WithPublisher sets where committed events are announced.
func WithPublisher(p notify.Publisher) Option {
	return func(s *service) { s.publisher = p }
}

// WithMaxAttempts bounds how often a unit of work is tried when it keeps
// hitting storage conflicts.
func WithMaxAttempts(n uint) Option {
	return func(s *service) { s.maxAttempts = n }
}

// WithRetryDelays sets the first and the largest backoff delay.
func WithRetryDelays(base, max time.Duration) Option {
	return func(s *service) {
		s.baseDelay = base
		s.maxDelay = max
	}
}

// WithRegistrationLimit caps member registrations per minute. Zero or less
// means unlimited.
func WithRegistrationLimit(perMinute int) Option {
	return func(s *service) {
		if perMinute <= 0 {
			s.registrations = nil
			return
		}
		s.registrations = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// service implements the Service interface.
type service struct {
	books   catalog.Store
	members membership.Store
	ledger  ledger.Ledger
	events  eventstore.Store
	tx      storage.Transactor

	publisher     notify.Publisher
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics
	maxAttempts   uint
	baseDelay     time.Duration
	maxDelay      time.Duration
	registrations *rate.Limiter
}

// NewService creates a new circulation service instance.
func NewService(stores Stores, opts ...Option) Service {
	s := &service{
		books:       stores.Books,
		members:     stores.Members,
		ledger:      stores.Ledger,
		events:      stores.Events,
		tx:          stores.Tx,
		publisher:   notify.Multi{},
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("kitabu/circulation"),
		metrics:     newMetrics(otel.Meter("kitabu/circulation")),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type metrics struct {
	issues          metric.Int64Counter
	returns         metric.Int64Counter
	outOfStock      metric.Int64Counter
	duplicateReturn metric.Int64Counter
	conflicts       metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	var m metrics
	var err, errs error
	m.issues, err = meter.Int64Counter("circulation.issues", metric.WithDescription("Books issued"))
	errs = errors.Join(errs, err)
	m.returns, err = meter.Int64Counter("circulation.returns", metric.WithDescription("Books returned"))
	errs = errors.Join(errs, err)
	m.outOfStock, err = meter.Int64Counter("circulation.out_of_stock", metric.WithDescription("Issues rejected for lack of stock"))
	errs = errors.Join(errs, err)
	m.duplicateReturn, err = meter.Int64Counter("circulation.duplicate_returns", metric.WithDescription("Returns of already closed loans"))
	errs = errors.Join(errs, err)
	m.conflicts, err = meter.Int64Counter("circulation.storage_conflicts", metric.WithDescription("Units of work aborted by contention"))
	errs = errors.Join(errs, err)
	if errs != nil {
		otel.Handle(errs)
	}
	return &m
}

// unit collects what a unit of work wants announced once it commits.
type unit struct {
	pending []notify.Event
}

func (u *unit) announce(eventType string, aggregateID uuid.UUID, data interface{}) {
	u.pending = append(u.pending, notify.Event{
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	})
}

// atomically runs fn as one unit of work, retrying the whole unit on
// storage conflicts. Events announced by the attempt that commits are
// published afterwards.
func (s *service) atomically(ctx context.Context, op string, fn func(ctx context.Context, u *unit) error) error {
	var committed *unit

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.baseDelay
	expo.MaxInterval = s.maxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		u := &unit{}
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			return fn(ctx, u)
		})
		switch {
		case err == nil:
			committed = u
			return struct{}{}, nil
		case apperr.IsRetryable(err):
			s.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			s.logger.Warn("retrying unit of work after storage conflict",
				zap.String("operation", op),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}

	if len(committed.pending) > 0 {
		if err := s.publisher.Publish(ctx, committed.pending...); err != nil {
			s.logger.Warn("failed to publish committed events",
				zap.String("operation", op),
				zap.Int("events", len(committed.pending)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// record appends an event to the log inside the current unit of work and
// queues it for publication.
func (s *service) record(ctx context.Context, u *unit, aggregateID uuid.UUID, aggregateType, eventType string, data interface{}) error {
	event, err := eventstore.NewEvent(eventType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if err := eventstore.Append(ctx, s.events, aggregateID, aggregateType, event); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return apperr.Conflict(err)
		}
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	u.announce(eventType, aggregateID, data)
	return nil
}

func (s *service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
	}
	span.End()
}

func (s *service) CreateBook(ctx context.Context, nb catalog.NewBook) (book catalog.Book, err error) {
	ctx, span := s.startSpan(ctx, "circulation.create_book", attribute.String("book.isbn", nb.ISBN))
	defer func() { endSpan(span, err) }()

	err = s.atomically(ctx, "create_book", func(ctx context.Context, u *unit) error {
		created, err := s.books.Create(ctx, nb)
		if err != nil {
			return err
		}
		book = created
		return s.record(ctx, u, created.ID, aggregateBook, notify.BookRegistered, BookRegisteredEvent{Book: created})
	})
	return book, err
}

// UpdateBook edits catalogue metadata. A new registered stock is checked
// against the ledger while the book row is held, so no issue or return can
// slip in between.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, upd catalog.Update) (book catalog.Book, err error) {
	ctx, span := s.startSpan(ctx, "circulation.update_book", attribute.String("book.id", id.String()))
	defer func() { endSpan(span, err) }()

	err = s.atomically(ctx, "update_book", func(ctx context.Context, u *unit) error {
		updated, err := s.books.Update(ctx, id, upd)
		if err != nil {
			return err
		}
		if upd.Stock != nil {
			open, err := s.ledger.ListOpenByBook(ctx, id)
			if err != nil {
				return err
			}
			if len(open) != updated.OnLoan() {
				return fmt.Errorf("%w: book %s has %d open loans but %d copies out",
					apperr.ErrStockMismatch, id, len(open), updated.OnLoan())
			}
		}
		book = updated
		return s.record(ctx, u, id, aggregateBook, notify.BookUpdated, BookUpdatedEvent{Book: updated})
	})
	return book, err
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (catalog.Book, error) {
	return s.books.Get(ctx, id)
}

func (s *service) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	return s.books.List(ctx)
}

func (s *service) RegisterMember(ctx context.Context, nm membership.NewMember) (member membership.Member, err error) {
	ctx, span := s.startSpan(ctx, "circulation.register_member")
	defer func() { endSpan(span, err) }()

	if s.registrations != nil && !s.registrations.Allow() {
		return membership.Member{}, apperr.ErrRateLimited
	}

	err = s.atomically(ctx, "register_member", func(ctx context.Context, u *unit) error {
		created, err := s.members.Create(ctx, nm)
		if err != nil {
			return err
		}
		member = created
		return s.record(ctx, u, created.ID, aggregateMember, notify.MemberRegistered, MemberRegisteredEvent{Member: created})
	})
	return member, err
}

func (s *service) UpdateMember(ctx context.Context, id uuid.UUID, upd membership.Update) (member membership.Member, err error) {
	ctx, span := s.startSpan(ctx, "circulation.update_member", attribute.String("member.id", id.String()))
	defer func() { endSpan(span, err) }()

	err = s.atomically(ctx, "update_member", func(ctx context.Context, u *unit) error {
		updated, err := s.members.Update(ctx, id, upd)
		if err != nil {
			return err
		}
		member = updated
		return s.record(ctx, u, id, aggregateMember, notify.MemberUpdated, MemberUpdatedEvent{Member: updated})
	})
	return member, err
}

func (s *service) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	return s.members.Get(ctx, id)
}

func (s *service) ListMembers(ctx context.Context) ([]membership.Member, error) {
	return s.members.List(ctx)
}

func (s *service) GetBalance(ctx context.Context, memberID uuid.UUID) (money.Amount, error) {
	member, err := s.members.Get(ctx, memberID)
	if err != nil {
		return money.Zero, err
	}
	return member.Balance, nil
}

// PostPayment takes amount off what the member owes.
func (s *service) PostPayment(ctx context.Context, memberID uuid.UUID, amount money.Amount) (member membership.Member, err error) {
	ctx, span := s.startSpan(ctx, "circulation.post_payment",
		attribute.String("member.id", memberID.String()),
		attribute.String("payment.amount", amount.String()),
	)
	defer func() { endSpan(span, err) }()

	if !amount.IsPositive() {
		return membership.Member{}, apperr.Validation("payment amount must be positive, got %s", amount)
	}

	err = s.atomically(ctx, "post_payment", func(ctx context.Context, u *unit) error {
		updated, err := s.members.AdjustBalance(ctx, memberID, amount.Negate())
		if err != nil {
			return err
		}
		member = updated
		return s.record(ctx, u, memberID, aggregateMember, notify.PaymentPosted, PaymentPostedEvent{
			MemberID:     memberID,
			Amount:       amount,
			BalanceAfter: updated.Balance,
		})
	})
	return member, err
}

// IssueBook takes a copy off the shelf and opens a loan at the book's
// current rent fee. The decrement and the loan commit together; if either
// fails neither is visible.
func (s *service) IssueBook(ctx context.Context, bookID, memberID uuid.UUID) (loan Loan, err error) {
	ctx, span := s.startSpan(ctx, "circulation.issue_book",
		attribute.String("book.id", bookID.String()),
		attribute.String("member.id", memberID.String()),
	)
	defer func() { endSpan(span, err) }()

	err = s.atomically(ctx, "issue_book", func(ctx context.Context, u *unit) error {
		member, err := s.members.Get(ctx, memberID)
		if err != nil {
			return err
		}
		if _, err := s.books.Get(ctx, bookID); err != nil {
			return err
		}

		book, err := s.books.AdjustStock(ctx, bookID, -1)
		if errors.Is(err, apperr.ErrWouldGoNegative) {
			return fmt.Errorf("book %s: %w", bookID, apperr.ErrOutOfStock)
		}
		if err != nil {
			return err
		}

		tx, err := s.ledger.Open(ctx, bookID, memberID, book.RentFee)
		if err != nil {
			s.logger.Warn("loan not opened, stock decrement rolled back",
				zap.String("book_id", bookID.String()),
				zap.String("member_id", memberID.String()),
				zap.Error(err),
			)
			return err
		}

		loan = newLoan(tx, &book, &member)
		return s.record(ctx, u, tx.ID, aggregateLoan, notify.LoanIssued, LoanIssuedEvent{
			TransactionID: tx.ID,
			BookID:        bookID,
			MemberID:      memberID,
			Fee:           tx.Fee,
			IssueDate:     tx.IssueDate,
			StockAfter:    book.Stock,
		})
	})

	switch {
	case err == nil:
		s.metrics.issues.Add(ctx, 1)
		span.SetAttributes(attribute.Int("book.stock_after", loan.Book.Stock))
	case errors.Is(err, apperr.ErrOutOfStock):
		s.metrics.outOfStock.Add(ctx, 1)
	}
	return loan, err
}

// ReturnBook closes the loan, puts the copy back and posts the fee fixed at
// issue to the member's balance, all in one unit of work. Closing first
// makes concurrent returns of the same loan serialize on the ledger row.
func (s *service) ReturnBook(ctx context.Context, transactionID uuid.UUID) (loan Loan, err error) {
	ctx, span := s.startSpan(ctx, "circulation.return_book",
		attribute.String("transaction.id", transactionID.String()),
	)
	defer func() { endSpan(span, err) }()

	existing, err := s.ledger.Get(ctx, transactionID)
	if err != nil {
		return Loan{}, err
	}
	if !existing.IsOpen() {
		s.metrics.duplicateReturn.Add(ctx, 1)
		return Loan{}, fmt.Errorf("transaction %s: %w", transactionID, apperr.ErrAlreadyReturned)
	}

	err = s.atomically(ctx, "return_book", func(ctx context.Context, u *unit) error {
		tx, err := s.ledger.Close(ctx, transactionID)
		if errors.Is(err, apperr.ErrAlreadyClosed) {
			return fmt.Errorf("transaction %s: %w", transactionID, apperr.ErrAlreadyReturned)
		}
		if err != nil {
			return err
		}

		book, err := s.books.AdjustStock(ctx, tx.BookID, +1)
		if err != nil {
			return fmt.Errorf("restore stock for book %s: %w", tx.BookID, err)
		}
		member, err := s.members.AdjustBalance(ctx, tx.MemberID, tx.Fee)
		if err != nil {
			return fmt.Errorf("charge member %s: %w", tx.MemberID, err)
		}

		loan = newLoan(tx, &book, &member)
		return s.record(ctx, u, tx.ID, aggregateLoan, notify.LoanReturned, LoanReturnedEvent{
			TransactionID: tx.ID,
			BookID:        tx.BookID,
			MemberID:      tx.MemberID,
			Fee:           tx.Fee,
			ReturnDate:    *tx.ReturnDate,
			BalanceAfter:  member.Balance,
		})
	})

	switch {
	case err == nil:
		s.metrics.returns.Add(ctx, 1)
	case errors.Is(err, apperr.ErrAlreadyReturned):
		s.metrics.duplicateReturn.Add(ctx, 1)
	}
	return loan, err
}

func (s *service) GetActiveLoans(ctx context.Context, bookID uuid.UUID) ([]ledger.Transaction, error) {
	if _, err := s.books.Get(ctx, bookID); err != nil {
		return nil, err
	}
	return s.ledger.ListOpenByBook(ctx, bookID)
}

func (s *service) GetMemberHistory(ctx context.Context, memberID uuid.UUID) ([]ledger.Transaction, error) {
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, err
	}
	return s.ledger.ListByMember(ctx, memberID)
}

// ListMemberTransactions returns the member's full history with books.
func (s *service) ListMemberTransactions(ctx context.Context, memberID uuid.UUID) ([]Loan, error) {
	txs, err := s.GetMemberHistory(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.expand(ctx, txs, false)
}

// ListIssuedBooks returns the member's open loans with book and member.
func (s *service) ListIssuedBooks(ctx context.Context, memberID uuid.UUID) ([]Loan, error) {
	if _, err := s.members.Get(ctx, memberID); err != nil {
		return nil, err
	}
	txs, err := s.ledger.ListOpenByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.expand(ctx, txs, true)
}

func (s *service) ListTransactions(ctx context.Context) ([]Loan, error) {
	txs, err := s.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.expand(ctx, txs, true)
}

// expand attaches books, and members when asked, looking each id up once.
func (s *service) expand(ctx context.Context, txs []ledger.Transaction, withMember bool) ([]Loan, error) {
	books := make(map[uuid.UUID]*catalog.Book)
	members := make(map[uuid.UUID]*membership.Member)

	loans := make([]Loan, 0, len(txs))
	for _, tx := range txs {
		book, ok := books[tx.BookID]
		if !ok {
			b, err := s.books.Get(ctx, tx.BookID)
			if err != nil {
				return nil, err
			}
			book = &b
			books[tx.BookID] = book
		}

		var member *membership.Member
		if withMember {
			member, ok = members[tx.MemberID]
			if !ok {
				m, err := s.members.Get(ctx, tx.MemberID)
				if err != nil {
					return nil, err
				}
				member = &m
				members[tx.MemberID] = member
			}
		}
		loans = append(loans, newLoan(tx, book, member))
	}
	return loans, nil
}
