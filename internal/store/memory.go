package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Every call copies records in and out so
// callers never share slices with the stored state.
type Memory struct {
	mu     sync.Mutex
	books  map[uuid.UUID]Book
	users  map[uuid.UUID]User
	emails map[string]uuid.UUID
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		books:  make(map[uuid.UUID]Book),
		users:  make(map[uuid.UUID]User),
		emails: make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

func (m *Memory) CreateBook(_ context.Context, b Book) (Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := m.now().UTC()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now, now
	b = b.Clone()
	m.books[b.ID] = b
	return b.Clone(), nil
}

func (m *Memory) GetBook(_ context.Context, id uuid.UUID) (Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return Book{}, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListBooks(_ context.Context) ([]Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) UpdateBook(_ context.Context, id uuid.UUID, fn func(*Book) error) (Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return Book{}, ErrNotFound
	}
	next := b.Clone()
	if err := fn(&next); err != nil {
		return Book{}, err
	}
	next.ID = id
	next.Version = b.Version + 1
	next.CreatedAt = b.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.books[id] = next.Clone()
	return next, nil
}

func (m *Memory) DeleteBook(_ context.Context, id uuid.UUID, guard func(Book) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	if guard != nil {
		if err := guard(b.Clone()); err != nil {
			return err
		}
	}
	delete(m.books, id)
	return nil
}

func (m *Memory) CreateUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u.Email = normalizeEmail(u.Email)
	if _, taken := m.emails[u.Email]; taken {
		return User{}, ErrDuplicateEmail
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusNormal
	}
	now := m.now().UTC()
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now, now
	u = u.Clone()
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return u.Clone(), nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u.Clone(), nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id].Clone(), nil
}

func (m *Memory) UpdateUser(_ context.Context, id uuid.UUID, fn func(*User) error) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	next := u.Clone()
	if err := fn(&next); err != nil {
		return User{}, err
	}
	// Identity and email are immutable through updates.
	next.ID = id
	next.Email = u.Email
	next.Version = u.Version + 1
	next.CreatedAt = u.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.users[id] = next.Clone()
	return next, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Memory) DeleteUser(_ context.Context, id uuid.UUID, guard func(User) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if guard != nil {
		if err := guard(u.Clone()); err != nil {
			return err
		}
	}
	delete(m.users, id)
	delete(m.emails, u.Email)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
