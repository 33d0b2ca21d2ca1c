package lending

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookworm/internal/store"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := NewLedger(s)
	b := newBook(t, s, 1)

	n, err := l.DecrementAvailable(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = l.DecrementAvailable(ctx, b.ID)
	assert.ErrorIs(t, err, ErrInsufficientCopies)
	assert.Equal(t, KindCapacityViolation, KindOf(err))

	n, err = l.IncrementAvailable(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.IncrementAvailable(ctx, b.ID)
	assert.ErrorIs(t, err, ErrOverCapacity)

	n, err = l.Available(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing := uuid.New()
	_, err = l.DecrementAvailable(ctx, missing)
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = l.IncrementAvailable(ctx, missing)
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = l.Available(ctx, missing)
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestLedgerStoreFailureIsUnexpected(t *testing.T) {
	s := &faultyStore{Store: store.NewMemory()}
	b := newBook(t, s, 1)
	s.failBookUpdates.Store(1)

	_, err := NewLedger(s).DecrementAvailable(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, KindUnexpected, KindOf(err))
}
