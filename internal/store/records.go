// Package store persists book and user records and offers atomic
// read-modify-write on each record.
package store

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"bookworm/internal/access"
)

// Book is a lendable title with a finite number of copies.
type Book struct {
	ID              uuid.UUID   `json:"id"`
	Title           string      `json:"title"`
	Author          string      `json:"author,omitempty"`
	ISBN            string      `json:"isbn,omitempty"`
	TotalCopies     int         `json:"total_copies"`
	AvailableCopies int         `json:"available_copies"`
	HoldQueue       []uuid.UUID `json:"hold_queue"`
	Version         int         `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of b.
func (b Book) Clone() Book {
	b.HoldQueue = slices.Clone(b.HoldQueue)
	if b.HoldQueue == nil {
		b.HoldQueue = []uuid.UUID{}
	}
	return b
}

// UserStatus is the account state driven by login attempts.
type UserStatus string

const (
	StatusNormal UserStatus = "normal"
	StatusLocked UserStatus = "locked"
)

// User is a library member account.
type User struct {
	ID                uuid.UUID     `json:"id"`
	Email             string        `json:"email"`
	Name              string        `json:"name"`
	PasswordHash      string        `json:"-"`
	Salt              string        `json:"-"`
	Roles             []access.Role `json:"roles"`
	CheckedOutBookIDs []uuid.UUID   `json:"checked_out_book_ids"`
	LoginAttempts     int           `json:"login_attempts"`
	Status            UserStatus    `json:"status"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	u.Roles = slices.Clone(u.Roles)
	u.CheckedOutBookIDs = slices.Clone(u.CheckedOutBookIDs)
	if u.CheckedOutBookIDs == nil {
		u.CheckedOutBookIDs = []uuid.UUID{}
	}
	return u
}

// HasLoan reports whether bookID is in the user's loan set.
func (u User) HasLoan(bookID uuid.UUID) bool {
	return slices.Contains(u.CheckedOutBookIDs, bookID)
}
