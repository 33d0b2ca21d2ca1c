package catalog

import (
	"context"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

// Service defines the catalog administration surface.
type Service interface {
	AddBook(ctx context.Context, cmd AddBookCommand) (store.Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (store.Book, error)
	ListBooks(ctx context.Context) ([]store.Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, cmd UpdateBookCommand) (store.Book, error)
	RemoveBook(ctx context.Context, id uuid.UUID) error
}
