package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitabu/internal/catalog"
	"kitabu/internal/config"
	"kitabu/internal/money"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		StoreBackend:     config.BackendMemory,
		DBDriver:         "postgres",
		LockTimeout:      time.Second,
		RetryMaxAttempts: 3,
		KafkaTopic:       "circulation-events",
		LogLevel:         "error",
	}
}

func TestMemoryContainerServesRequests(t *testing.T) {
	ctx := context.Background()
	c, err := NewContainerWithConfig(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(ctx) })

	book, err := c.Service().CreateBook(ctx, catalog.NewBook{
		Title: "The River Between", Author: "Ngugi wa Thiong'o", ISBN: "9780435905484",
		PublicationYear: 1965, Stock: 1, RentFee: money.FromInt(20),
	})
	require.NoError(t, err)

	server := httptest.NewServer(c.Handler().Routes())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/books/" + book.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := c.Stores().Books.Get(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stock)
}

func TestRegistrationLimitFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.RegistrationRatePerMin = 1
	c, err := NewContainerWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(ctx) })

	server := httptest.NewServer(c.Handler().Routes())
	t.Cleanup(server.Close)

	post := func(email string) int {
		resp, err := http.Post(server.URL+"/members", "application/json",
			strings.NewReader(`{"first_name": "Wanjiru", "last_name": "Kamau", "email": "`+email+`"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusCreated, post("wanjiru@example.com"))
	assert.Equal(t, http.StatusTooManyRequests, post("kamau@example.com"))
}

func TestPostgresContainerRequiresReachableDatabase(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreBackend = config.BackendPostgres
	cfg.DBDriver = "sqlite3"
	cfg.DatabaseURL = "file::memory:"

	_, err := NewContainerWithConfig(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
