// internal/membership/memory.go
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"

	"kitabu/internal/apperr"
	"kitabu/internal/memdb"
	"kitabu/internal/money"
)

// MemoryStore keeps members in a memdb table.
type MemoryStore struct {
	db      *memdb.DB
	members *memdb.Table[Member]
	now     func() time.Time
}

// NewMemoryStore creates a membership store on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{
		db:      db,
		members: memdb.NewTable[Member](db, "members"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func emailKey(email string) string {
	return "members.email/" + email
}

func (s *MemoryStore) emailTaken(ctx context.Context, email string, except uuid.UUID) bool {
	taken := s.members.Scan(ctx, func(m Member) bool {
		return m.Email == email && m.ID != except
	})
	return len(taken) > 0
}

func (s *MemoryStore) Create(ctx context.Context, nm NewMember) (Member, error) {
	nm, err := nm.Normalize()
	if err != nil {
		return Member{}, err
	}

	now := s.now()
	member := Member{
		ID:          uuid.New(),
		FirstName:   nm.FirstName,
		LastName:    nm.LastName,
		Email:       nm.Email,
		PhoneNumber: nm.PhoneNumber,
		Balance:     nm.Balance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.db.Lock(ctx, emailKey(member.Email)); err != nil {
			return err
		}
		if s.emailTaken(ctx, member.Email, uuid.Nil) {
			return apperr.ErrDuplicateEmail
		}
		return s.members.Put(ctx, member.ID.String(), member)
	})
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Member, error) {
	member, ok := s.members.Get(ctx, id.String())
	if !ok {
		return Member{}, apperr.NotFound("member", id)
	}
	return member, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Member, error) {
	return s.members.Scan(ctx, nil), nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, u Update) (Member, error) {
	u, err := u.Normalize()
	if err != nil {
		return Member{}, err
	}
	return s.modify(ctx, id, func(ctx context.Context, m Member) (Member, error) {
		if u.Email != nil && *u.Email != m.Email {
			if err := s.db.Lock(ctx, emailKey(*u.Email)); err != nil {
				return m, err
			}
			if s.emailTaken(ctx, *u.Email, id) {
				return m, apperr.ErrDuplicateEmail
			}
		}
		return u.Apply(m), nil
	})
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, id uuid.UUID, delta money.Amount) (Member, error) {
	return s.modify(ctx, id, func(_ context.Context, m Member) (Member, error) {
		m.Balance = m.Balance.Plus(delta)
		return m, nil
	})
}

func (s *MemoryStore) modify(ctx context.Context, id uuid.UUID, change func(context.Context, Member) (Member, error)) (Member, error) {
	var out Member
	err := s.db.RunInTx(ctx, func(ctx context.Context) error {
		member, ok, err := s.members.GetForUpdate(ctx, id.String())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("member", id)
		}
		member, err = change(ctx, member)
		if err != nil {
			return err
		}
		member.UpdatedAt = s.now()
		out = member
		return s.members.Put(ctx, id.String(), member)
	})
	if err != nil {
		return Member{}, err
	}
	return out, nil
}
