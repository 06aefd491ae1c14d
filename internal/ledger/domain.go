// internal/ledger/domain.go
package ledger

import (
	"time"

	"github.com/google/uuid"

	"kitabu/internal/money"
)

// Status values rendered for a transaction.
const (
	StatusIssued   = "Issued"
	StatusReturned = "Returned"
)

// Transaction is the loan of one book to one member. It is open while
// ReturnDate is nil; closing it is the only mutation it ever sees.
type Transaction struct {
	ID         uuid.UUID    `json:"id" db:"id"`
	BookID     uuid.UUID    `json:"book_id" db:"book_id"`
	MemberID   uuid.UUID    `json:"member_id" db:"member_id"`
	IssueDate  time.Time    `json:"issue_date" db:"issue_date"`
	ReturnDate *time.Time   `json:"return_date" db:"return_date"`
	Fee        money.Amount `json:"fee" db:"fee"`
}

// IsOpen reports whether the book is still out.
func (t Transaction) IsOpen() bool {
	return t.ReturnDate == nil
}

// Status is Issued while open and Returned once closed.
func (t Transaction) Status() string {
	if t.IsOpen() {
		return StatusIssued
	}
	return StatusReturned
}

// closeAt stamps the return date, never earlier than the issue date.
func (t Transaction) closeAt(now time.Time) Transaction {
	if now.Before(t.IssueDate) {
		now = t.IssueDate
	}
	t.ReturnDate = &now
	return t
}
