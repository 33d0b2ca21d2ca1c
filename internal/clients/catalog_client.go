package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"bookworm/internal/catalog"
	"bookworm/internal/store"
)

func (l *LendingClient) AddBook(ctx context.Context, cmd catalog.AddBookCommand) (store.Book, error) {
	var b store.Book
	err := l.do(ctx, http.MethodPost, "/api/v1/catalog/books", cmd, &b)
	return b, err
}

func (l *LendingClient) GetBook(ctx context.Context, id uuid.UUID) (store.Book, error) {
	var b store.Book
	err := l.do(ctx, http.MethodGet, "/api/v1/catalog/books/"+id.String(), nil, &b)
	return b, err
}

func (l *LendingClient) ListBooks(ctx context.Context) ([]store.Book, error) {
	var books []store.Book
	err := l.do(ctx, http.MethodGet, "/api/v1/catalog/books", nil, &books)
	return books, err
}

func (l *LendingClient) RemoveBook(ctx context.Context, id uuid.UUID) error {
	return l.do(ctx, http.MethodDelete, "/api/v1/catalog/books/"+id.String(), nil, nil)
}
