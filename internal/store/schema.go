package store

// schema is portable between PostgreSQL and SQLite. Collections are stored
// as JSON text so the ordered hold queue and loan set round-trip unchanged.
const schema = `
CREATE TABLE IF NOT EXISTS books (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	isbn             TEXT NOT NULL DEFAULT '',
	total_copies     INTEGER NOT NULL CHECK (total_copies >= 0),
	available_copies INTEGER NOT NULL CHECK (available_copies >= 0 AND available_copies <= total_copies),
	hold_queue       TEXT NOT NULL DEFAULT '[]',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id                   TEXT PRIMARY KEY,
	email                TEXT NOT NULL UNIQUE,
	name                 TEXT NOT NULL DEFAULT '',
	password_hash        TEXT NOT NULL DEFAULT '',
	salt                 TEXT NOT NULL DEFAULT '',
	roles                TEXT NOT NULL DEFAULT '[]',
	checked_out_book_ids TEXT NOT NULL DEFAULT '[]',
	login_attempts       INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'normal',
	version              INTEGER NOT NULL DEFAULT 1,
	created_at           BIGINT NOT NULL,
	updated_at           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);
`
