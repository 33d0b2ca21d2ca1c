package catalog

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound   = errors.New("book not found")
	ErrInvalidCommand = errors.New("invalid catalog command")
	ErrCopiesInUse    = errors.New("cannot remove copies that are on loan")
	ErrBookInUse      = errors.New("book has outstanding loans or holds")
)

// AddBookCommand describes a new catalog entry. Every copy starts on the
// shelf and the hold queue starts empty.
type AddBookCommand struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	ISBN        string `json:"isbn"`
	TotalCopies int    `json:"total_copies"`
}

func (c AddBookCommand) validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return invalid("title is required")
	}
	if c.TotalCopies < 0 {
		return invalid("total_copies must not be negative")
	}
	return nil
}

// UpdateBookCommand changes selected fields; nil fields are left alone. A
// change to TotalCopies moves the available count by the same delta.
type UpdateBookCommand struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	ISBN        *string `json:"isbn,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
}

func (c UpdateBookCommand) validate() error {
	if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
		return invalid("title must not be empty")
	}
	if c.TotalCopies != nil && *c.TotalCopies < 0 {
		return invalid("total_copies must not be negative")
	}
	if c.Title == nil && c.Author == nil && c.ISBN == nil && c.TotalCopies == nil {
		return invalid("no fields to update")
	}
	return nil
}

func invalid(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return ErrInvalidCommand.Error() + ": " + e.msg }

func (e *validationError) Unwrap() error { return ErrInvalidCommand }

// BookAddedEvent is recorded when a title enters the catalog.
type BookAddedEvent struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn,omitempty"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	TotalCopies int       `json:"total_copies"`
}

// BookCopiesUpdatedEvent is recorded when the number of copies changes.
type BookCopiesUpdatedEvent struct {
	ID           uuid.UUID `json:"id"`
	NewTotal     int       `json:"new_total"`
	NewAvailable int       `json:"new_available"`
}

// BookRemovedEvent is recorded when a title is retired from the catalog.
type BookRemovedEvent struct {
	ID uuid.UUID `json:"id"`
}
