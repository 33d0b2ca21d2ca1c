package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

var (
	ErrBookNotFound               = errors.New("book not found")
	ErrUserNotFound               = errors.New("user not found")
	ErrInsufficientCopies         = errors.New("no copies available")
	ErrOverCapacity               = errors.New("available copies already at total")
	ErrLoanLimitExceeded          = errors.New("loan limit reached")
	ErrAlreadyCheckedOut          = errors.New("book already checked out by user")
	ErrAlreadyQueued              = errors.New("user already in hold queue")
	ErrNotQueued                  = errors.New("user not in hold queue")
	ErrNotCurrentlyCheckedOut     = errors.New("book not checked out by user")
	ErrCopiesAvailableUseCheckout = errors.New("copies are available, check out instead")
	ErrConcurrencyConflict        = errors.New("concurrent update, retry")
	ErrLockTimeout                = errors.New("timed out waiting for lock")
	ErrStoreUnavailable           = errors.New("backing store unavailable")
)

// Kind classifies an error for callers deciding whether to retry, wait or
// correct their input.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindCapacityViolation   Kind = "capacity_violation"
	KindStateConflict       Kind = "state_conflict"
	KindConcurrencyConflict Kind = "concurrency_conflict"

	// KindCanceled means the caller gave up: its context was cancelled or
	// its deadline passed. Nothing is wrong with the book or the user.
	KindCanceled   Kind = "canceled"
	KindUnexpected Kind = "unexpected"
)

var kinds = map[error]Kind{
	ErrBookNotFound:               KindNotFound,
	ErrUserNotFound:               KindNotFound,
	ErrInsufficientCopies:         KindCapacityViolation,
	ErrOverCapacity:               KindCapacityViolation,
	ErrLoanLimitExceeded:          KindCapacityViolation,
	ErrAlreadyCheckedOut:          KindStateConflict,
	ErrAlreadyQueued:              KindStateConflict,
	ErrNotQueued:                  KindStateConflict,
	ErrNotCurrentlyCheckedOut:     KindStateConflict,
	ErrCopiesAvailableUseCheckout: KindStateConflict,
	ErrConcurrencyConflict:        KindConcurrencyConflict,
	ErrLockTimeout:                KindConcurrencyConflict,
}

var codeNames = map[error]string{
	ErrBookNotFound:               "book_not_found",
	ErrUserNotFound:               "user_not_found",
	ErrInsufficientCopies:         "insufficient_copies",
	ErrOverCapacity:               "over_capacity",
	ErrLoanLimitExceeded:          "loan_limit_exceeded",
	ErrAlreadyCheckedOut:          "already_checked_out",
	ErrAlreadyQueued:              "already_queued",
	ErrNotQueued:                  "not_queued",
	ErrNotCurrentlyCheckedOut:     "not_currently_checked_out",
	ErrCopiesAvailableUseCheckout: "copies_available_use_checkout",
	ErrConcurrencyConflict:        "concurrency_conflict",
	ErrLockTimeout:                "lock_timeout",
	ErrStoreUnavailable:           "store_unavailable",
}

// Error is a lending failure tied to the book and user it concerns.
type Error struct {
	Code   error
	BookID uuid.UUID
	UserID uuid.UUID
}

func (e *Error) Error() string {
	switch {
	case e.BookID != uuid.Nil && e.UserID != uuid.Nil:
		return fmt.Sprintf("%v (book %s, user %s)", e.Code, e.BookID, e.UserID)
	case e.BookID != uuid.Nil:
		return fmt.Sprintf("%v (book %s)", e.Code, e.BookID)
	case e.UserID != uuid.Nil:
		return fmt.Sprintf("%v (user %s)", e.Code, e.UserID)
	}
	return e.Code.Error()
}

func (e *Error) Unwrap() error { return e.Code }

func (e *Error) Kind() Kind { return KindOf(e.Code) }

// KindOf classifies err. Errors outside the lending taxonomy are unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for code, kind := range kinds {
		if errors.Is(err, code) {
			return kind
		}
	}
	if canceled(err) {
		return KindCanceled
	}
	return KindUnexpected
}

// CodeOf returns a stable machine-readable name for err.
func CodeOf(err error) string {
	for code, name := range codeNames {
		if errors.Is(err, code) {
			return name
		}
	}
	if canceled(err) {
		return "canceled"
	}
	return "internal"
}

func newError(code error, bookID, userID uuid.UUID) *Error {
	return &Error{Code: code, BookID: bookID, UserID: userID}
}

// storeErr translates a backing store failure. notFound is used when the
// record is missing; anything else not in the lending taxonomy is
// infrastructure trouble.
func storeErr(op string, err, notFound error, bookID, userID uuid.UUID) error {
	var lerr *Error
	switch {
	case errors.As(err, &lerr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return newError(notFound, bookID, userID)
	case errors.Is(err, store.ErrConflict):
		return newError(ErrConcurrencyConflict, bookID, userID)
	case canceled(err):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
