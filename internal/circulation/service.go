// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"kitabu/internal/catalog"
	"kitabu/internal/ledger"
	"kitabu/internal/membership"
	"kitabu/internal/money"
)

// Service is the circulation engine. Every mutation runs as one unit of
// work across the catalogue, membership store and ledger.
type Service interface {
	CreateBook(ctx context.Context, nb catalog.NewBook) (catalog.Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, u catalog.Update) (catalog.Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (catalog.Book, error)
	ListBooks(ctx context.Context) ([]catalog.Book, error)

	RegisterMember(ctx context.Context, nm membership.NewMember) (membership.Member, error)
	UpdateMember(ctx context.Context, id uuid.UUID, u membership.Update) (membership.Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error)
	ListMembers(ctx context.Context) ([]membership.Member, error)
	GetBalance(ctx context.Context, memberID uuid.UUID) (money.Amount, error)
	PostPayment(ctx context.Context, memberID uuid.UUID, amount money.Amount) (membership.Member, error)

	// IssueBook lends one copy. The returned loan carries the book with its
	// post-decrement stock and the member with the current balance.
	IssueBook(ctx context.Context, bookID, memberID uuid.UUID) (Loan, error)
	// ReturnBook closes the loan, restores the copy and charges the fee
	// captured at issue. A repeated call reports apperr.ErrAlreadyReturned.
	ReturnBook(ctx context.Context, transactionID uuid.UUID) (Loan, error)

	GetActiveLoans(ctx context.Context, bookID uuid.UUID) ([]ledger.Transaction, error)
	GetMemberHistory(ctx context.Context, memberID uuid.UUID) ([]ledger.Transaction, error)
	ListMemberTransactions(ctx context.Context, memberID uuid.UUID) ([]Loan, error)
	ListIssuedBooks(ctx context.Context, memberID uuid.UUID) ([]Loan, error)
	ListTransactions(ctx context.Context) ([]Loan, error)
}
