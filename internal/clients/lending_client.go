package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"bookworm/internal/lending"
)

func lendingPath(bookID uuid.UUID, action string) string {
	return "/api/v1/lending/books/" + bookID.String() + "/" + action
}

func (l *LendingClient) CheckOut(ctx context.Context, bookID uuid.UUID) (lending.CheckoutResult, error) {
	var res lending.CheckoutResult
	err := l.do(ctx, http.MethodPost, lendingPath(bookID, "checkout"), nil, &res)
	return res, err
}

func (l *LendingClient) Return(ctx context.Context, bookID uuid.UUID) (lending.ReturnResult, error) {
	var res lending.ReturnResult
	err := l.do(ctx, http.MethodPost, lendingPath(bookID, "return"), nil, &res)
	return res, err
}

func (l *LendingClient) Hold(ctx context.Context, bookID uuid.UUID) (lending.HoldResult, error) {
	var res lending.HoldResult
	err := l.do(ctx, http.MethodPost, lendingPath(bookID, "hold"), nil, &res)
	return res, err
}

func (l *LendingClient) HoldPosition(ctx context.Context, bookID uuid.UUID) (int, error) {
	var res struct {
		Position int `json:"position"`
	}
	err := l.do(ctx, http.MethodGet, lendingPath(bookID, "hold"), nil, &res)
	return res.Position, err
}
