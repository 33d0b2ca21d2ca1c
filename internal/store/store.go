package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("concurrency conflict: version mismatch")
	ErrDuplicateEmail = errors.New("email already registered")
)

// Store is the backing record store. Update functions run against a fresh
// read of the record; returning an error from fn aborts the update and the
// error is passed through unchanged.
type Store interface {
	CreateBook(ctx context.Context, b Book) (Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, fn func(*Book) error) (Book, error)
	// DeleteBook removes the record if guard accepts its current state.
	DeleteBook(ctx context.Context, id uuid.UUID, guard func(Book) error) error

	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, fn func(*User) error) (User, error)
	// DeleteUser removes the record if guard accepts its current state.
	DeleteUser(ctx context.Context, id uuid.UUID, guard func(User) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by kind: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, kind, dsn string, opts ...SQLOption) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite":
		if dsn == "" {
			return nil, errors.New("sqlite store requires a database url")
		}
		return OpenSQL(ctx, "sqlite", sqliteDSN(dsn), opts...)
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, errors.New("postgres store requires a database url")
		}
		return OpenSQL(ctx, "postgres", dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
