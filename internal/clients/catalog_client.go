// internal/clients/catalog_client.go
package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"kitabu/internal/catalog"
	"kitabu/internal/ledger"
)

func (c *Client) CreateBook(ctx context.Context, nb catalog.NewBook) (catalog.Book, error) {
	var book catalog.Book
	err := c.do(ctx, http.MethodPost, "/books", nb, &book)
	return book, err
}

func (c *Client) GetBook(ctx context.Context, id uuid.UUID) (catalog.Book, error) {
	var book catalog.Book
	err := c.do(ctx, http.MethodGet, "/books/"+id.String(), nil, &book)
	return book, err
}

func (c *Client) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	var books []catalog.Book
	err := c.do(ctx, http.MethodGet, "/books", nil, &books)
	return books, err
}

func (c *Client) UpdateBook(ctx context.Context, id uuid.UUID, upd catalog.Update) (catalog.Book, error) {
	var book catalog.Book
	err := c.do(ctx, http.MethodPatch, "/books/"+id.String(), upd, &book)
	return book, err
}

// GetActiveLoans lists the open transactions of a book.
func (c *Client) GetActiveLoans(ctx context.Context, bookID uuid.UUID) ([]ledger.Transaction, error) {
	var txs []ledger.Transaction
	err := c.do(ctx, http.MethodGet, "/books/"+bookID.String()+"/loans", nil, &txs)
	return txs, err
}
