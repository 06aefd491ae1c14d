// internal/catalog/domain.go
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/money"
)

// Book is a catalogue title. Stock counts copies on the shelf; Copies is the
// registered stock, so Copies - Stock is the number of copies out on loan.
type Book struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	Title           string       `json:"title" db:"title"`
	Author          string       `json:"author" db:"author"`
	ISBN            string       `json:"isbn" db:"isbn"`
	PublicationYear int          `json:"publication_year" db:"publication_year"`
	Stock           int          `json:"stock" db:"stock"`
	Copies          int          `json:"copies" db:"copies"`
	RentFee         money.Amount `json:"rent_fee" db:"rent_fee"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// OnLoan is the number of copies the catalogue believes are lent out.
func (b Book) OnLoan() int {
	return b.Copies - b.Stock
}

// NewBook carries the fields of a catalogue registration.
type NewBook struct {
	Title           string       `json:"title"`
	Author          string       `json:"author"`
	ISBN            string       `json:"isbn"`
	PublicationYear int          `json:"publication_year"`
	Stock           int          `json:"stock"`
	RentFee         money.Amount `json:"rent_fee"`
}

// Validate checks required and numeric fields.
func (n NewBook) Validate() error {
	switch {
	case strings.TrimSpace(n.Title) == "":
		return apperr.Validation("title is required")
	case strings.TrimSpace(n.Author) == "":
		return apperr.Validation("author is required")
	case strings.TrimSpace(n.ISBN) == "":
		return apperr.Validation("isbn is required")
	case len(n.ISBN) > 13:
		return apperr.Validation("isbn must be at most 13 characters")
	case n.PublicationYear <= 0:
		return apperr.Validation("publication year must be positive, got %d", n.PublicationYear)
	case n.Stock < 0:
		return apperr.Validation("stock must be non-negative, got %d", n.Stock)
	case n.RentFee.IsNegative():
		return apperr.Validation("rent fee must be non-negative, got %s", n.RentFee)
	}
	return nil
}

// Update is a metadata edit. Nil fields are left unchanged. Stock sets the
// registered stock; the shelf count follows from it and the loans out.
type Update struct {
	Title           *string       `json:"title,omitempty"`
	Author          *string       `json:"author,omitempty"`
	PublicationYear *int          `json:"publication_year,omitempty"`
	RentFee         *money.Amount `json:"rent_fee,omitempty"`
	Stock           *int          `json:"stock,omitempty"`
}

// Validate checks the fields that are present.
func (u Update) Validate() error {
	switch {
	case u.Title != nil && strings.TrimSpace(*u.Title) == "":
		return apperr.Validation("title must not be empty")
	case u.Author != nil && strings.TrimSpace(*u.Author) == "":
		return apperr.Validation("author must not be empty")
	case u.PublicationYear != nil && *u.PublicationYear <= 0:
		return apperr.Validation("publication year must be positive, got %d", *u.PublicationYear)
	case u.RentFee != nil && u.RentFee.IsNegative():
		return apperr.Validation("rent fee must be non-negative, got %s", *u.RentFee)
	case u.Stock != nil && *u.Stock < 0:
		return apperr.Validation("stock must be non-negative, got %d", *u.Stock)
	}
	return nil
}

// Apply returns b with u applied. A registered stock lower than the number
// of copies on loan is rejected with apperr.ErrStockMismatch.
func (u Update) Apply(b Book) (Book, error) {
	if u.Title != nil {
		b.Title = strings.TrimSpace(*u.Title)
	}
	if u.Author != nil {
		b.Author = strings.TrimSpace(*u.Author)
	}
	if u.PublicationYear != nil {
		b.PublicationYear = *u.PublicationYear
	}
	if u.RentFee != nil {
		b.RentFee = *u.RentFee
	}
	if u.Stock != nil {
		onLoan := b.OnLoan()
		if *u.Stock < onLoan {
			return b, fmt.Errorf("%w: registered stock %d is below the %d copies on loan",
				apperr.ErrStockMismatch, *u.Stock, onLoan)
		}
		b.Copies = *u.Stock
		b.Stock = *u.Stock - onLoan
	}
	return b, nil
}

// shift moves one copy off (delta -1) or back onto (delta +1) the shelf.
func shift(b Book, delta int) (Book, error) {
	if delta != 1 && delta != -1 {
		return b, apperr.Validation("stock adjustment must be +1 or -1, got %d", delta)
	}
	next := b.Stock + delta
	if next < 0 {
		return b, fmt.Errorf("book %s: %w", b.ID, apperr.ErrWouldGoNegative)
	}
	if next > b.Copies {
		return b, fmt.Errorf("book %s: %w: shelf would exceed %d registered copies",
			b.ID, apperr.ErrStockMismatch, b.Copies)
	}
	b.Stock = next
	return b, nil
}
