package clients

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitabu/internal/app"
	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/config"
	"kitabu/internal/membership"
	"kitabu/internal/money"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := app.NewContainerWithConfig(ctx, &config.Config{
		StoreBackend:     config.BackendMemory,
		DBDriver:         "postgres",
		LockTimeout:      5 * time.Second,
		RetryMaxAttempts: 50,
		LogLevel:         "error",
	})
	require.NoError(t, err)
	server := httptest.NewServer(c.Handler().Routes())
	t.Cleanup(func() {
		server.Close()
		c.Shutdown(ctx)
	})
	return NewClient(server.URL, WithHTTPClient(server.Client()))
}

func TestCheckoutFlow(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	member, err := client.RegisterMember(ctx, membership.NewMember{
		FirstName: "Test", LastName: "User", Email: "test@example.com",
	})
	require.NoError(t, err)

	book, err := client.CreateBook(ctx, catalog.NewBook{
		Title: "Pride and Prejudice", Author: "Jane Austen", ISBN: "9780141439518",
		PublicationYear: 1813, Stock: 5, RentFee: money.MustParse("12.50"),
	})
	require.NoError(t, err)

	loan, err := client.IssueBook(ctx, book.ID, member.ID)
	require.NoError(t, err)
	assert.Equal(t, "Issued", loan.Status)

	updated, err := client.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Stock)

	active, err := client.GetActiveLoans(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, loan.ID, active[0].ID)

	returned, err := client.ReturnBook(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Returned", returned.Status)
	require.NotNil(t, returned.ReturnDate)

	updated, err = client.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Stock)

	_, err = client.ReturnBook(ctx, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyReturned)

	after, err := client.GetMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, "12.50", after.Balance.String())

	paid, err := client.PostPayment(ctx, member.ID, money.MustParse("12.50"))
	require.NoError(t, err)
	assert.True(t, paid.Balance.Equals(money.Zero))

	history, err := client.ListMemberTransactions(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	issued, err := client.ListIssuedBooks(ctx, member.ID)
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	book, err := client.CreateBook(ctx, catalog.NewBook{
		Title: "The Great Gatsby", Author: "F. Scott Fitzgerald", ISBN: "9780743273565",
		PublicationYear: 1925, Stock: 1, RentFee: money.FromInt(10),
	})
	require.NoError(t, err)

	var members []membership.Member
	for i := 0; i < 10; i++ {
		m, err := client.RegisterMember(ctx, membership.NewMember{
			FirstName: "Member", LastName: fmt.Sprint(i), Email: fmt.Sprintf("member%d@test.com", i),
		})
		require.NoError(t, err)
		members = append(members, m)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for _, m := range members {
		wg.Add(1)
		go func(m membership.Member) {
			defer wg.Done()
			_, err := client.IssueBook(ctx, book.ID, m.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.Code(err) == "OUT_OF_STOCK":
				outOfStock++
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "Only one concurrent checkout should succeed")
	assert.Equal(t, 9, outOfStock)

	updated, err := client.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Stock)
}

func TestErrorsCarrySentinels(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	_, err := client.GetBook(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = client.CreateBook(ctx, catalog.NewBook{Title: "Untitled"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = client.PostPayment(ctx, uuid.New(), money.FromInt(-5))
	assert.Error(t, err)
}
