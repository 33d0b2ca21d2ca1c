package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"bookworm/internal/access"
)

const (
	defaultRetryAttempts  = 6
	defaultRetryBaseDelay = 10 * time.Millisecond

	sqliteBusyTimeout = 5 * time.Second
)

// SQL is a Store backed by PostgreSQL or SQLite. Record updates are
// optimistic: read, apply, then write only if the version is unchanged.
// Lost races are retried with exponential backoff and reported as
// ErrConflict once the attempts are exhausted.
type SQL struct {
	db             *sqlx.DB
	driver         string
	tracer         trace.Tracer
	logger         zerolog.Logger
	retryAttempts  uint
	retryBaseDelay time.Duration
	now            func() time.Time
}

// SQLOption configures a SQL store.
type SQLOption func(*SQL)

// WithRetry sets the optimistic update attempt budget and first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) SQLOption {
	return func(s *SQL) {
		if attempts > 0 {
			s.retryAttempts = uint(attempts)
		}
		if baseDelay >= 0 {
			s.retryBaseDelay = baseDelay
		}
	}
}

// WithLogger sets the logger used for conflict and migration messages.
func WithLogger(logger zerolog.Logger) SQLOption {
	return func(s *SQL) {
		s.logger = logger
	}
}

// OpenSQL connects with the given driver ("postgres" or "sqlite"), pings the
// database and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...SQLOption) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection per handle; other handles on the same file are
		// covered by WAL and the busy timeout.
		db.SetMaxOpenConns(1)
	}
	s := NewSQL(db, opts...)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sqlx.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:             db,
		driver:         db.DriverName(),
		tracer:         otel.Tracer("bookworm/store"),
		logger:         zerolog.Nop(),
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQL) DB() *sqlx.DB { return s.db }

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type bookRow struct {
	ID              string `db:"id"`
	Title           string `db:"title"`
	Author          string `db:"author"`
	ISBN            string `db:"isbn"`
	TotalCopies     int    `db:"total_copies"`
	AvailableCopies int    `db:"available_copies"`
	HoldQueue       string `db:"hold_queue"`
	Version         int    `db:"version"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

const bookColumns = `id, title, author, isbn, total_copies, available_copies, hold_queue, version, created_at, updated_at`

func (r bookRow) toBook() (Book, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Book{}, fmt.Errorf("parse book id %q: %w", r.ID, err)
	}
	b := Book{
		ID:              id,
		Title:           r.Title,
		Author:          r.Author,
		ISBN:            r.ISBN,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		Version:         r.Version,
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.HoldQueue), &b.HoldQueue); err != nil {
		return Book{}, fmt.Errorf("decode hold queue of book %s: %w", id, err)
	}
	return b.Clone(), nil
}

type userRow struct {
	ID                string `db:"id"`
	Email             string `db:"email"`
	Name              string `db:"name"`
	PasswordHash      string `db:"password_hash"`
	Salt              string `db:"salt"`
	Roles             string `db:"roles"`
	CheckedOutBookIDs string `db:"checked_out_book_ids"`
	LoginAttempts     int    `db:"login_attempts"`
	Status            string `db:"status"`
	Version           int    `db:"version"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

const userColumns = `id, email, name, password_hash, salt, roles, checked_out_book_ids, login_attempts, status, version, created_at, updated_at`

func (r userRow) toUser() (User, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return User{}, fmt.Errorf("parse user id %q: %w", r.ID, err)
	}
	u := User{
		ID:            id,
		Email:         r.Email,
		Name:          r.Name,
		PasswordHash:  r.PasswordHash,
		Salt:          r.Salt,
		LoginAttempts: r.LoginAttempts,
		Status:        UserStatus(r.Status),
		Version:       r.Version,
		CreatedAt:     time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt).UTC(),
	}
	var roles []access.Role
	if err := json.Unmarshal([]byte(r.Roles), &roles); err != nil {
		return User{}, fmt.Errorf("decode roles of user %s: %w", id, err)
	}
	u.Roles = roles
	if err := json.Unmarshal([]byte(r.CheckedOutBookIDs), &u.CheckedOutBookIDs); err != nil {
		return User{}, fmt.Errorf("decode loans of user %s: %w", id, err)
	}
	return u.Clone(), nil
}

func encodeList[T any](xs []T) (string, error) {
	if xs == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(xs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *SQL) CreateBook(ctx context.Context, b Book) (Book, error) {
	ctx, span := s.tracer.Start(ctx, "store.create_book")
	defer span.End()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	queue, err := encodeList(b.HoldQueue)
	if err != nil {
		return Book{}, fmt.Errorf("encode hold queue: %w", err)
	}
	now := s.now().UTC()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now.Truncate(time.Millisecond), now.Truncate(time.Millisecond)

	query := s.db.Rebind(`
		INSERT INTO books (` + bookColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		b.ID.String(), b.Title, b.Author, b.ISBN, b.TotalCopies, b.AvailableCopies,
		queue, b.Version, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		span.RecordError(err)
		return Book{}, fmt.Errorf("insert book: %w", contended(err))
	}
	return b.Clone(), nil
}

func (s *SQL) GetBook(ctx context.Context, id uuid.UUID) (Book, error) {
	var row bookRow
	query := s.db.Rebind(`SELECT ` + bookColumns + ` FROM books WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Book{}, ErrNotFound
		}
		return Book{}, fmt.Errorf("select book %s: %w", id, contended(err))
	}
	return row.toBook()
}

func (s *SQL) ListBooks(ctx context.Context) ([]Book, error) {
	var rows []bookRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+bookColumns+` FROM books ORDER BY title, id`); err != nil {
		return nil, fmt.Errorf("select books: %w", contended(err))
	}
	books := make([]Book, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBook()
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

func (s *SQL) UpdateBook(ctx context.Context, id uuid.UUID, fn func(*Book) error) (Book, error) {
	ctx, span := s.tracer.Start(ctx, "store.update_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	return retryOnConflict(ctx, s, span, func() (Book, error) {
		current, err := s.GetBook(ctx, id)
		if err != nil {
			return Book{}, retryable(err)
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return Book{}, backoff.Permanent(err)
		}
		queue, err := encodeList(next.HoldQueue)
		if err != nil {
			return Book{}, backoff.Permanent(fmt.Errorf("encode hold queue: %w", err))
		}
		now := s.now().UTC()
		query := s.db.Rebind(`
			UPDATE books
			SET title = ?, author = ?, isbn = ?, total_copies = ?, available_copies = ?,
			    hold_queue = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`)
		res, err := s.db.ExecContext(ctx, query,
			next.Title, next.Author, next.ISBN, next.TotalCopies, next.AvailableCopies,
			queue, now.UnixMilli(), id.String(), current.Version)
		if err != nil {
			return Book{}, retryable(fmt.Errorf("update book %s: %w", id, contended(err)))
		}
		if err := expectOneRow(res); err != nil {
			return Book{}, err
		}
		next.ID = id
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
		return next, nil
	})
}

func (s *SQL) DeleteBook(ctx context.Context, id uuid.UUID, guard func(Book) error) error {
	ctx, span := s.tracer.Start(ctx, "store.delete_book",
		trace.WithAttributes(attribute.String("book.id", id.String())),
	)
	defer span.End()

	_, err := retryOnConflict(ctx, s, span, func() (struct{}, error) {
		current, err := s.GetBook(ctx, id)
		if err != nil {
			return struct{}{}, retryable(err)
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		query := s.db.Rebind(`DELETE FROM books WHERE id = ? AND version = ?`)
		res, err := s.db.ExecContext(ctx, query, id.String(), current.Version)
		if err != nil {
			return struct{}{}, retryable(fmt.Errorf("delete book %s: %w", id, contended(err)))
		}
		return struct{}{}, expectOneRow(res)
	})
	return err
}

func (s *SQL) CreateUser(ctx context.Context, u User) (User, error) {
	ctx, span := s.tracer.Start(ctx, "store.create_user")
	defer span.End()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = StatusNormal
	}
	u.Email = normalizeEmail(u.Email)
	roles, err := encodeList(u.Roles)
	if err != nil {
		return User{}, fmt.Errorf("encode roles: %w", err)
	}
	loans, err := encodeList(u.CheckedOutBookIDs)
	if err != nil {
		return User{}, fmt.Errorf("encode loans: %w", err)
	}
	now := s.now().UTC()
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now.Truncate(time.Millisecond), now.Truncate(time.Millisecond)

	query := s.db.Rebind(`
		INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		u.ID.String(), u.Email, u.Name, u.PasswordHash, u.Salt, roles, loans,
		u.LoginAttempts, string(u.Status), u.Version, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		span.RecordError(err)
		return User{}, fmt.Errorf("insert user: %w", contended(err))
	}
	return u.Clone(), nil
}

func (s *SQL) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var row userRow
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("select user %s: %w", id, contended(err))
	}
	return row.toUser()
}

func (s *SQL) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var row userRow
	query := s.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	if err := s.db.GetContext(ctx, &row, query, normalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("select user by email: %w", contended(err))
	}
	return row.toUser()
}

func (s *SQL) UpdateUser(ctx context.Context, id uuid.UUID, fn func(*User) error) (User, error) {
	ctx, span := s.tracer.Start(ctx, "store.update_user",
		trace.WithAttributes(attribute.String("user.id", id.String())),
	)
	defer span.End()

	return retryOnConflict(ctx, s, span, func() (User, error) {
		current, err := s.GetUser(ctx, id)
		if err != nil {
			return User{}, retryable(err)
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return User{}, backoff.Permanent(err)
		}
		roles, err := encodeList(next.Roles)
		if err != nil {
			return User{}, backoff.Permanent(fmt.Errorf("encode roles: %w", err))
		}
		loans, err := encodeList(next.CheckedOutBookIDs)
		if err != nil {
			return User{}, backoff.Permanent(fmt.Errorf("encode loans: %w", err))
		}
		now := s.now().UTC()
		query := s.db.Rebind(`
			UPDATE users
			SET name = ?, password_hash = ?, salt = ?, roles = ?, checked_out_book_ids = ?,
			    login_attempts = ?, status = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`)
		res, err := s.db.ExecContext(ctx, query,
			next.Name, next.PasswordHash, next.Salt, roles, loans,
			next.LoginAttempts, string(next.Status), now.UnixMilli(), id.String(), current.Version)
		if err != nil {
			return User{}, retryable(fmt.Errorf("update user %s: %w", id, contended(err)))
		}
		if err := expectOneRow(res); err != nil {
			return User{}, err
		}
		next.ID = id
		next.Email = current.Email
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
		return next, nil
	})
}

func (s *SQL) ListUsers(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users ORDER BY email`); err != nil {
		return nil, fmt.Errorf("select users: %w", contended(err))
	}
	users := make([]User, 0, len(rows))
	for _, row := range rows {
		u, err := row.toUser()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *SQL) DeleteUser(ctx context.Context, id uuid.UUID, guard func(User) error) error {
	ctx, span := s.tracer.Start(ctx, "store.delete_user",
		trace.WithAttributes(attribute.String("user.id", id.String())),
	)
	defer span.End()

	_, err := retryOnConflict(ctx, s, span, func() (struct{}, error) {
		current, err := s.GetUser(ctx, id)
		if err != nil {
			return struct{}{}, retryable(err)
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		query := s.db.Rebind(`DELETE FROM users WHERE id = ? AND version = ?`)
		res, err := s.db.ExecContext(ctx, query, id.String(), current.Version)
		if err != nil {
			return struct{}{}, retryable(fmt.Errorf("delete user %s: %w", id, contended(err)))
		}
		return struct{}{}, expectOneRow(res)
	})
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func retryOnConflict[T any](ctx context.Context, s *SQL, span trace.Span, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBaseDelay
	policy.RandomizationFactor = 0.3
	policy.Multiplier = 2
	policy.MaxInterval = time.Second

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op()
		if errors.Is(err, ErrConflict) {
			s.logger.Debug().Int("attempt", attempts).Msg("optimistic update lost a race, retrying")
		}
		return v, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.retryAttempts))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if errors.Is(err, ErrConflict) {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		s.logger.Warn().Int("attempts", attempts).Msg("optimistic update retries exhausted")
	}
	return res, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sqliteDSN adds the pragmas a shared database file needs: WAL so readers
// do not block the writer, and a busy timeout so writers queue instead of
// failing with SQLITE_BUSY. Pragmas already present in dsn win.
func sqliteDSN(dsn string) string {
	var pragmas []string
	if !strings.Contains(dsn, "busy_timeout") {
		pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()))
	}
	if !strings.Contains(dsn, "journal_mode") && !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if len(pragmas) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

// isBusy reports whether err is SQLite refusing a statement because another
// connection holds the database lock.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// contended marks lock contention as a conflict so callers retry it like a
// lost optimistic race.
func contended(err error) error {
	if isBusy(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

// retryable keeps conflicts retryable and stops the retry loop on anything
// else.
func retryable(err error) error {
	if errors.Is(err, ErrConflict) {
		return err
	}
	return backoff.Permanent(err)
}
