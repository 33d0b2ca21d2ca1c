package lending

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"bookworm/internal/store"
)

const DefaultLoanLimit = 5

// LoanSet maintains each user's bounded set of checked-out books.
type LoanSet struct {
	store store.Store
	limit int
}

func NewLoanSet(s store.Store, limit int) *LoanSet {
	if limit <= 0 {
		limit = DefaultLoanLimit
	}
	return &LoanSet{store: s, limit: limit}
}

func (l *LoanSet) Limit() int { return l.limit }

// AddLoan records that userID holds a copy of bookID.
func (l *LoanSet) AddLoan(ctx context.Context, userID, bookID uuid.UUID) (store.User, error) {
	u, err := l.store.UpdateUser(ctx, userID, func(u *store.User) error {
		if u.HasLoan(bookID) {
			return newError(ErrAlreadyCheckedOut, bookID, userID)
		}
		if len(u.CheckedOutBookIDs) >= l.limit {
			return newError(ErrLoanLimitExceeded, bookID, userID)
		}
		u.CheckedOutBookIDs = append(u.CheckedOutBookIDs, bookID)
		return nil
	})
	if err != nil {
		return store.User{}, storeErr("add loan", err, ErrUserNotFound, bookID, userID)
	}
	return u, nil
}

// RemoveLoan drops bookID from the user's loan set. Account status is not
// consulted, locked users can still return books.
func (l *LoanSet) RemoveLoan(ctx context.Context, userID, bookID uuid.UUID) (store.User, error) {
	u, err := l.store.UpdateUser(ctx, userID, func(u *store.User) error {
		i := slices.Index(u.CheckedOutBookIDs, bookID)
		if i < 0 {
			return newError(ErrNotCurrentlyCheckedOut, bookID, userID)
		}
		u.CheckedOutBookIDs = slices.Delete(u.CheckedOutBookIDs, i, i+1)
		return nil
	})
	if err != nil {
		return store.User{}, storeErr("remove loan", err, ErrUserNotFound, bookID, userID)
	}
	return u, nil
}

// check reports the error AddLoan would return for u without writing.
func (l *LoanSet) check(u store.User, bookID uuid.UUID) error {
	if u.HasLoan(bookID) {
		return newError(ErrAlreadyCheckedOut, bookID, u.ID)
	}
	if len(u.CheckedOutBookIDs) >= l.limit {
		return newError(ErrLoanLimitExceeded, bookID, u.ID)
	}
	return nil
}
