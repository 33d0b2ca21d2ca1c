package lending

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"bookworm/internal/store"
)

func TestKindOf(t *testing.T) {
	book, user := uuid.New(), uuid.New()
	tests := []struct {
		err  error
		kind Kind
		code string
	}{
		{newError(ErrBookNotFound, book, user), KindNotFound, "book_not_found"},
		{newError(ErrUserNotFound, book, user), KindNotFound, "user_not_found"},
		{newError(ErrInsufficientCopies, book, user), KindCapacityViolation, "insufficient_copies"},
		{newError(ErrOverCapacity, book, user), KindCapacityViolation, "over_capacity"},
		{newError(ErrLoanLimitExceeded, book, user), KindCapacityViolation, "loan_limit_exceeded"},
		{newError(ErrAlreadyCheckedOut, book, user), KindStateConflict, "already_checked_out"},
		{newError(ErrAlreadyQueued, book, user), KindStateConflict, "already_queued"},
		{newError(ErrNotQueued, book, user), KindStateConflict, "not_queued"},
		{newError(ErrNotCurrentlyCheckedOut, book, user), KindStateConflict, "not_currently_checked_out"},
		{newError(ErrCopiesAvailableUseCheckout, book, user), KindStateConflict, "copies_available_use_checkout"},
		{newError(ErrConcurrencyConflict, book, user), KindConcurrencyConflict, "concurrency_conflict"},
		{fmt.Errorf("op: %w: %w", ErrStoreUnavailable, errors.New("dial tcp")), KindUnexpected, "store_unavailable"},
		{fmt.Errorf("wait for lock: %w", context.Canceled), KindCanceled, "canceled"},
		{fmt.Errorf("read book: %w", context.DeadlineExceeded), KindCanceled, "canceled"},
		{errors.New("boom"), KindUnexpected, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindOf(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, CodeOf(tt.err), tt.err.Error())
	}
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestStoreErrTranslation(t *testing.T) {
	book := uuid.New()

	err := storeErr("op", store.ErrNotFound, ErrBookNotFound, book, uuid.Nil)
	assert.ErrorIs(t, err, ErrBookNotFound)

	err = storeErr("op", store.ErrConflict, ErrBookNotFound, book, uuid.Nil)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(KindOf(err)))

	err = storeErr("op", context.Canceled, ErrBookNotFound, book, uuid.Nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)

	domain := newError(ErrOverCapacity, book, uuid.Nil)
	assert.Same(t, domain, storeErr("op", domain, ErrBookNotFound, book, uuid.Nil))
}

func TestErrorMessageNamesIdentifiers(t *testing.T) {
	book, user := uuid.New(), uuid.New()
	msg := newError(ErrAlreadyQueued, book, user).Error()
	assert.Contains(t, msg, book.String())
	assert.Contains(t, msg, user.String())
}
