// internal/membership/domain.go
package membership

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/money"
)

// Member is a library member. Balance is the running account: loan fees
// are posted to it on return, payments are taken off it.
type Member struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	FirstName   string       `json:"first_name" db:"first_name"`
	LastName    string       `json:"last_name" db:"last_name"`
	Email       string       `json:"email" db:"email"`
	PhoneNumber string       `json:"phone_number" db:"phone_number"`
	Balance     money.Amount `json:"balance" db:"balance"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// FullName joins first and last name.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// NewMember carries the fields of a registration.
type NewMember struct {
	FirstName   string       `json:"first_name"`
	LastName    string       `json:"last_name"`
	Email       string       `json:"email"`
	PhoneNumber string       `json:"phone_number"`
	Balance     money.Amount `json:"balance"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("email %q is not a valid address", email)
	}
	return email, nil
}

// Normalize validates n and returns it trimmed, with a lower-cased email.
func (n NewMember) Normalize() (NewMember, error) {
	n.FirstName = strings.TrimSpace(n.FirstName)
	n.LastName = strings.TrimSpace(n.LastName)
	n.PhoneNumber = strings.TrimSpace(n.PhoneNumber)
	if n.FirstName == "" {
		return n, apperr.Validation("first name is required")
	}
	if n.LastName == "" {
		return n, apperr.Validation("last name is required")
	}
	email, err := normalizeEmail(n.Email)
	if err != nil {
		return n, err
	}
	n.Email = email
	return n, nil
}

// Update is a profile edit. Nil fields are left unchanged. Balance is an
// explicit adjustment by staff and overwrites the running account.
type Update struct {
	FirstName   *string       `json:"first_name,omitempty"`
	LastName    *string       `json:"last_name,omitempty"`
	Email       *string       `json:"email,omitempty"`
	PhoneNumber *string       `json:"phone_number,omitempty"`
	Balance     *money.Amount `json:"balance,omitempty"`
}

// Normalize validates the present fields and lower-cases the email.
func (u Update) Normalize() (Update, error) {
	if u.FirstName != nil && strings.TrimSpace(*u.FirstName) == "" {
		return u, apperr.Validation("first name must not be empty")
	}
	if u.LastName != nil && strings.TrimSpace(*u.LastName) == "" {
		return u, apperr.Validation("last name must not be empty")
	}
	if u.Email != nil {
		email, err := normalizeEmail(*u.Email)
		if err != nil {
			return u, err
		}
		u.Email = &email
	}
	return u, nil
}

// Apply returns m with u applied. u must have been normalized.
func (u Update) Apply(m Member) Member {
	if u.FirstName != nil {
		m.FirstName = strings.TrimSpace(*u.FirstName)
	}
	if u.LastName != nil {
		m.LastName = strings.TrimSpace(*u.LastName)
	}
	if u.Email != nil {
		m.Email = *u.Email
	}
	if u.PhoneNumber != nil {
		m.PhoneNumber = strings.TrimSpace(*u.PhoneNumber)
	}
	if u.Balance != nil {
		m.Balance = *u.Balance
	}
	return m
}
