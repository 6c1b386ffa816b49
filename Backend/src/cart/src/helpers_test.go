package main

import (
	"bytes"
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db       *sql.DB
	books    BookRepository
	repo     CartRepository
	category *Category
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := openSQLite(memoryDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrate(context.Background(), db))

	repo, err := NewSQLiteRepo(db, 16)
	require.NoError(t, err)
	books := NewBookRepo(db)
	cat, err := books.CreateCategory(context.Background(), "Fiction")
	require.NoError(t, err)
	return &fixture{db: db, books: books, repo: repo, category: cat}
}

func (f *fixture) book(t *testing.T, title string, stock int, price string) *Book {
	t.Helper()
	b := &Book{
		Title:         title,
		Author:        "Author",
		YearPublished: 2021,
		Price:         decimal.RequireFromString(price),
		CategoryID:    f.category.ID,
		Stock:         stock,
	}
	require.NoError(t, f.books.CreateBook(context.Background(), b))
	return b
}

func (f *fixture) stockOf(t *testing.T, bookID int64) int {
	t.Helper()
	b, err := f.books.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return b.Stock
}

func (f *fixture) cartOf(t *testing.T, userID int64) *Cart {
	t.Helper()
	c, _, err := f.repo.GetOrCreateCart(context.Background(), userID)
	require.NoError(t, err)
	return c
}

// syncBuffer: los logs también se escriben desde goroutines de timers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (zerolog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return zerolog.New(buf).With().Timestamp().Logger(), buf
}

type scheduledRelease struct {
	itemID int64
	delay  time.Duration
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledRelease
	err       error
}

func (s *fakeScheduler) ScheduleRelease(_ context.Context, itemID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, scheduledRelease{itemID: itemID, delay: delay})
	return nil
}

func (s *fakeScheduler) Start(context.Context, ReleaseFunc) error { return nil }
func (s *fakeScheduler) Close() error                            { return nil }

func (s *fakeScheduler) items() []scheduledRelease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledRelease(nil), s.scheduled...)
}

type published struct {
	key  string
	body []byte
}

type fakeEvents struct {
	mu   sync.Mutex
	msgs []published
}

func (e *fakeEvents) Publish(_ context.Context, key string, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, published{key: key, body: body})
	return nil
}

func (e *fakeEvents) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, m := range e.msgs {
		out = append(out, m.key)
	}
	return out
}
