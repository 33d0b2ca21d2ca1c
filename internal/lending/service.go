package lending

import (
	"context"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

// Service is the lending surface consumed by the HTTP layer.
type Service interface {
	CheckOut(ctx context.Context, userID, bookID uuid.UUID) (CheckoutResult, error)
	Return(ctx context.Context, userID, bookID uuid.UUID) (ReturnResult, error)
	Hold(ctx context.Context, userID, bookID uuid.UUID) (HoldResult, error)
	HoldPosition(ctx context.Context, userID, bookID uuid.UUID) (int, error)
	Book(ctx context.Context, bookID uuid.UUID) (store.Book, error)
	User(ctx context.Context, userID uuid.UUID) (store.User, error)
}

var _ Service = (*Coordinator)(nil)
