// internal/clients/circulation_client.go
package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"kitabu/internal/circulation"
)

func (c *Client) IssueBook(ctx context.Context, bookID, memberID uuid.UUID) (circulation.Loan, error) {
	var loan circulation.Loan
	req := struct {
		BookID   uuid.UUID `json:"book_id"`
		MemberID uuid.UUID `json:"member_id"`
	}{BookID: bookID, MemberID: memberID}
	err := c.do(ctx, http.MethodPost, "/loans", req, &loan)
	return loan, err
}

func (c *Client) ReturnBook(ctx context.Context, transactionID uuid.UUID) (circulation.Loan, error) {
	var loan circulation.Loan
	err := c.do(ctx, http.MethodPost, "/loans/"+transactionID.String()+"/return", nil, &loan)
	return loan, err
}

func (c *Client) ListTransactions(ctx context.Context) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := c.do(ctx, http.MethodGet, "/loans", nil, &loans)
	return loans, err
}

func (c *Client) ListMemberTransactions(ctx context.Context, memberID uuid.UUID) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := c.do(ctx, http.MethodGet, "/members/"+memberID.String()+"/transactions", nil, &loans)
	return loans, err
}

func (c *Client) ListIssuedBooks(ctx context.Context, memberID uuid.UUID) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := c.do(ctx, http.MethodGet, "/members/"+memberID.String()+"/issued", nil, &loans)
	return loans, err
}
