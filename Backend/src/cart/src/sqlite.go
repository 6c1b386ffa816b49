package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const memoryDB = ":memory:"

func openSQLite(dbPath string) (*sql.DB, error) {
	inMemory := dbPath == memoryDB
	if !inMemory {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	// Busy timeout + WAL para concurrencia; foreign keys para cascadas
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Un solo escritor: SQLite serializa de todas formas y así evitamos "database is locked"
	db.SetMaxOpenConns(1)
	if !inMemory {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS categories(
  id   INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS books(
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  title          TEXT NOT NULL,
  author         TEXT NOT NULL,
  year_published INTEGER NOT NULL,
  price          TEXT NOT NULL DEFAULT '0',
  category_id    INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
  stock          INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
  created_unix   INTEGER NOT NULL,
  updated_unix   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS carts(
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id      INTEGER NOT NULL UNIQUE,
  created_unix INTEGER NOT NULL,
  updated_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cart_items(
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  cart_id    INTEGER NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
  book_id    INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
  quantity   INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
  added_unix INTEGER NOT NULL,
  UNIQUE(cart_id, book_id)
);
CREATE INDEX IF NOT EXISTS idx_cart_items_book ON cart_items(book_id);
CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);
`

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// seed inicial opcional (para pruebas y demo)
func seed(ctx context.Context, db *sql.DB) error {
	var c int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM books`).Scan(&c); err != nil {
		return err
	}
	if c > 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUnix()
	res, err := tx.ExecContext(ctx, `INSERT INTO categories(name) VALUES ('Fiction')`)
	if err != nil {
		return err
	}
	catID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	books := [][]any{
		{"The Left Hand of Darkness", "Ursula K. Le Guin", 1969, "14.50", 10},
		{"Solaris", "Stanislaw Lem", 1961, "12.00", 5},
		{"Kindred", "Octavia E. Butler", 1979, "16.99", 0},
		{"Pedro Páramo", "Juan Rulfo", 1955, "9.90", 20},
		{"Ficciones", "Jorge Luis Borges", 1944, "11.25", 1},
	}
	for _, b := range books {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO books(title, author, year_published, price, category_id, stock, created_unix, updated_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, b[0], b[1], b[2], b[3], catID, b[4], now, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
