// internal/membership/postgres.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"kitabu/internal/apperr"
	"kitabu/internal/money"
	"kitabu/internal/storage/postgres"
)

const (
	membersTable        = "members"
	membersEmailKeyName = "members_email_key"
)

// PostgresStore keeps members in the members table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a membership store backed by db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func mapWriteError(op string, err error) error {
	if constraint, ok := postgres.UniqueViolation(err); ok && constraint == membersEmailKeyName {
		return apperr.ErrDuplicateEmail
	}
	return postgres.MapError(fmt.Errorf("%s: %w", op, err))
}

func (s *PostgresStore) Create(ctx context.Context, nm NewMember) (Member, error) {
	nm, err := nm.Normalize()
	if err != nil {
		return Member{}, err
	}

	ds := postgres.Dialect.Insert(membersTable).Prepared(true).
		Rows(goqu.Record{
			"id":           uuid.New(),
			"first_name":   nm.FirstName,
			"last_name":    nm.LastName,
			"email":        nm.Email,
			"phone_number": nm.PhoneNumber,
			"balance":      nm.Balance,
		}).
		Returning(goqu.Star())

	var member Member
	if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &member, ds); err != nil {
		return Member{}, mapWriteError("insert member", err)
	}
	return member, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Member, error) {
	ds := postgres.Dialect.From(membersTable).Prepared(true).Where(goqu.Ex{"id": id})

	var member Member
	if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &member, ds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, apperr.NotFound("member", id)
		}
		return Member{}, postgres.MapError(fmt.Errorf("get member: %w", err))
	}
	return member, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Member, error) {
	ds := postgres.Dialect.From(membersTable).Prepared(true).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())

	members := []Member{}
	if err := postgres.Select(ctx, postgres.Conn(ctx, s.db), &members, ds); err != nil {
		return nil, postgres.MapError(fmt.Errorf("list members: %w", err))
	}
	return members, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, u Update) (Member, error) {
	u, err := u.Normalize()
	if err != nil {
		return Member{}, err
	}

	set := goqu.Record{"updated_at": goqu.L("NOW()")}
	if u.FirstName != nil {
		set["first_name"] = *u.FirstName
	}
	if u.LastName != nil {
		set["last_name"] = *u.LastName
	}
	if u.Email != nil {
		set["email"] = *u.Email
	}
	if u.PhoneNumber != nil {
		set["phone_number"] = *u.PhoneNumber
	}
	if u.Balance != nil {
		set["balance"] = *u.Balance
	}
	return s.update(ctx, id, "update member", set)
}

// AdjustBalance adds delta in place, so concurrent postings never lose an
// update.
func (s *PostgresStore) AdjustBalance(ctx context.Context, id uuid.UUID, delta money.Amount) (Member, error) {
	return s.update(ctx, id, "adjust balance", goqu.Record{
		"balance":    goqu.L("balance + ?", delta),
		"updated_at": goqu.L("NOW()"),
	})
}

func (s *PostgresStore) update(ctx context.Context, id uuid.UUID, op string, set goqu.Record) (Member, error) {
	ds := postgres.Dialect.Update(membersTable).Prepared(true).
		Set(set).
		Where(goqu.Ex{"id": id}).
		Returning(goqu.Star())

	var member Member
	if err := postgres.Get(ctx, postgres.Conn(ctx, s.db), &member, ds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, apperr.NotFound("member", id)
		}
		return Member{}, mapWriteError(op, err)
	}
	return member, nil
}
