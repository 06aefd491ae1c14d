// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"kitabu/internal/catalog"
	"kitabu/internal/ledger"
	"kitabu/internal/membership"
	"kitabu/internal/money"
)

// Aggregate types recorded in the event log.
const (
	aggregateBook   = "book"
	aggregateMember = "member"
	aggregateLoan   = "loan"
)

// Loan is a transaction together with the records it references. Book and
// Member are filled in where the operation promises them.
type Loan struct {
	ledger.Transaction
	Status string             `json:"status"`
	Book   *catalog.Book      `json:"book,omitempty"`
	Member *membership.Member `json:"member,omitempty"`
}

func newLoan(tx ledger.Transaction, book *catalog.Book, member *membership.Member) Loan {
	return Loan{Transaction: tx, Status: tx.Status(), Book: book, Member: member}
}

// LoanIssuedEvent is recorded when a book goes out.
type LoanIssuedEvent struct {
	TransactionID uuid.UUID    `json:"transaction_id"`
	BookID        uuid.UUID    `json:"book_id"`
	MemberID      uuid.UUID    `json:"member_id"`
	Fee           money.Amount `json:"fee"`
	IssueDate     time.Time    `json:"issue_date"`
	StockAfter    int          `json:"stock_after"`
}

// LoanReturnedEvent is recorded when a book comes back and its fee is posted.
type LoanReturnedEvent struct {
	TransactionID uuid.UUID    `json:"transaction_id"`
	BookID        uuid.UUID    `json:"book_id"`
	MemberID      uuid.UUID    `json:"member_id"`
	Fee           money.Amount `json:"fee"`
	ReturnDate    time.Time    `json:"return_date"`
	BalanceAfter  money.Amount `json:"balance_after"`
}

// PaymentPostedEvent is recorded when a member pays off part of the balance.
type PaymentPostedEvent struct {
	MemberID     uuid.UUID    `json:"member_id"`
	Amount       money.Amount `json:"amount"`
	BalanceAfter money.Amount `json:"balance_after"`
}

// BookRegisteredEvent and BookUpdatedEvent carry the stored record.
type BookRegisteredEvent struct {
	Book catalog.Book `json:"book"`
}

type BookUpdatedEvent struct {
	Book catalog.Book `json:"book"`
}

// MemberRegisteredEvent and MemberUpdatedEvent carry the stored record.
type MemberRegisteredEvent struct {
	Member membership.Member `json:"member"`
}

type MemberUpdatedEvent struct {
	Member membership.Member `json:"member"`
}
