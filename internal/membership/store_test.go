package membership

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitabu/internal/apperr"
	"kitabu/internal/memdb"
	"kitabu/internal/money"
	"kitabu/internal/storage/postgres/pgtest"
)

func newMember(email string) NewMember {
	return NewMember{
		FirstName:   "Wanjiru",
		LastName:    "Kamau",
		Email:       email,
		PhoneNumber: "+254700000001",
	}
}

func strPtr(s string) *string { return &s }

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore(memdb.New())
	})
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPostgresStore(pgtest.Open(t))
	})
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("register normalizes email", func(t *testing.T) {
		s := open(t)
		m, err := s.Create(ctx, newMember("  Wanjiru@Example.COM "))
		require.NoError(t, err)
		assert.Equal(t, "wanjiru@example.com", m.Email)
		assert.True(t, m.Balance.IsZero())

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "Wanjiru Kamau", got.FullName())
	})

	t.Run("duplicate email", func(t *testing.T) {
		s := open(t)
		_, err := s.Create(ctx, newMember("dup@example.com"))
		require.NoError(t, err)
		_, err = s.Create(ctx, newMember("DUP@example.com"))
		assert.ErrorIs(t, err, apperr.ErrDuplicateEmail)

		other, err := s.Create(ctx, newMember("other@example.com"))
		require.NoError(t, err)
		_, err = s.Update(ctx, other.ID, Update{Email: strPtr("dup@example.com")})
		assert.ErrorIs(t, err, apperr.ErrDuplicateEmail)
	})

	t.Run("validation", func(t *testing.T) {
		s := open(t)
		_, err := s.Create(ctx, newMember("not-an-email"))
		assert.ErrorIs(t, err, apperr.ErrValidation)

		nm := newMember("x@example.com")
		nm.FirstName = " "
		_, err = s.Create(ctx, nm)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("unknown id", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.AdjustBalance(ctx, uuid.New(), money.FromInt(1))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.Update(ctx, uuid.New(), Update{FirstName: strPtr("A")})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("update profile and balance", func(t *testing.T) {
		s := open(t)
		m, err := s.Create(ctx, newMember("edit@example.com"))
		require.NoError(t, err)

		balance := money.MustParse("-20.50")
		m, err = s.Update(ctx, m.ID, Update{PhoneNumber: strPtr("+254711111111"), Balance: &balance})
		require.NoError(t, err)
		assert.Equal(t, "+254711111111", m.PhoneNumber)
		assert.Equal(t, "Wanjiru", m.FirstName)
		assert.True(t, m.Balance.Equals(balance))
	})

	t.Run("concurrent balance postings", func(t *testing.T) {
		s := open(t)
		m, err := s.Create(ctx, newMember("busy@example.com"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, err := s.AdjustBalance(ctx, m.ID, money.New(2, 50))
					if apperr.IsRetryable(err) {
						continue
					}
					assert.NoError(t, err)
					return
				}
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "62.50", got.Balance.String())
	})

	t.Run("list", func(t *testing.T) {
		s := open(t)
		for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
			_, err := s.Create(ctx, newMember(email))
			require.NoError(t, err)
		}
		members, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, members, 3)
	})
}
