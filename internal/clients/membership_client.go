// internal/clients/membership_client.go
package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"kitabu/internal/membership"
	"kitabu/internal/money"
)

func (c *Client) RegisterMember(ctx context.Context, nm membership.NewMember) (membership.Member, error) {
	var member membership.Member
	err := c.do(ctx, http.MethodPost, "/members", nm, &member)
	return member, err
}

func (c *Client) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	var member membership.Member
	err := c.do(ctx, http.MethodGet, "/members/"+id.String(), nil, &member)
	return member, err
}

func (c *Client) UpdateMember(ctx context.Context, id uuid.UUID, upd membership.Update) (membership.Member, error) {
	var member membership.Member
	err := c.do(ctx, http.MethodPatch, "/members/"+id.String(), upd, &member)
	return member, err
}

func (c *Client) PostPayment(ctx context.Context, memberID uuid.UUID, amount money.Amount) (membership.Member, error) {
	var member membership.Member
	req := struct {
		Amount money.Amount `json:"amount"`
	}{Amount: amount}
	err := c.do(ctx, http.MethodPost, "/members/"+memberID.String()+"/payments", req, &member)
	return member, err
}
