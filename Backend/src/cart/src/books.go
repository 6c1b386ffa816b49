// Libros y stock: el stock solo cambia por UpdateStock/AdjustStock o por el checkout
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// Los errores usan el nombre JSON del campo, igual que la API.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// campo.tag -> mensaje para el cliente
var bookRuleMessages = map[string]string{
	"title.required":     "Title cannot be empty.",
	"title.max":          "Title cannot be longer than 200 characters.",
	"author.required":    "Author name cannot be empty.",
	"author.max":         "Author name cannot be longer than 100 characters.",
	"year_published.gte": "Year published cannot be negative.",
	"category_id.gt":     "This category does not exist.",
	"stock.gte":          "Stock cannot be negative.",
}

// dbtx es lo común entre *sql.DB y *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type BookRepository interface {
	CreateCategory(ctx context.Context, name string) (*Category, error)
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id int64) (*Book, error)
	UpdateBook(ctx context.Context, b *Book) error
	UpdateStock(ctx context.Context, id int64, stock int) error
	AdjustStock(ctx context.Context, id int64, delta int) (int, error)
	ListAvailable(ctx context.Context) ([]BookStock, error)
	EffectiveStock(ctx context.Context, id int64) (int, error)
}

type sqliteBooks struct{ db *sql.DB }

func NewBookRepo(db *sql.DB) BookRepository { return &sqliteBooks{db: db} }

func (r *sqliteBooks) CreateCategory(ctx context.Context, name string) (*Category, error) {
	if name == "" {
		return nil, validationErr("name", "category name cannot be empty")
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO categories(name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("create category: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Category{ID: id, Name: name}, nil
}

func (r *sqliteBooks) CreateBook(ctx context.Context, b *Book) error {
	if err := validateBook(b); err != nil {
		return err
	}
	if err := r.categoryExists(ctx, b.CategoryID); err != nil {
		return err
	}
	now := nowUnix()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO books(title, author, year_published, price, category_id, stock, created_unix, updated_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Title, b.Author, b.YearPublished, b.Price, b.CategoryID, b.Stock, now, now)
	if err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	b.CreatedUnix, b.UpdatedUnix = now, now
	return nil
}

func (r *sqliteBooks) GetBook(ctx context.Context, id int64) (*Book, error) {
	return getBook(ctx, r.db, id)
}

// UpdateBook guarda los campos editables. Un cambio de stock se rechaza: para eso existe UpdateStock.
func (r *sqliteBooks) UpdateBook(ctx context.Context, b *Book) error {
	if err := validateBook(b); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getBook(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if current.Stock != b.Stock {
		return validationErr("stock", "stock cannot be edited directly")
	}
	if current.CategoryID != b.CategoryID {
		if err := categoryExists(ctx, tx, b.CategoryID); err != nil {
			return err
		}
	}

	now := nowUnix()
	if _, err := tx.ExecContext(ctx, `
UPDATE books SET title=?, author=?, year_published=?, price=?, category_id=?, updated_unix=?
WHERE id=?`, b.Title, b.Author, b.YearPublished, b.Price, b.CategoryID, now, b.ID); err != nil {
		return fmt.Errorf("update book %d: %w", b.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.CreatedUnix, b.UpdatedUnix = current.CreatedUnix, now
	return nil
}

func (r *sqliteBooks) UpdateStock(ctx context.Context, id int64, stock int) error {
	if stock < 0 {
		return validationErr("stock", "stock cannot be negative")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE books SET stock=?, updated_unix=? WHERE id=?`, stock, nowUnix(), id)
	if err != nil {
		return fmt.Errorf("update stock %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return nil
}

// AdjustStock suma delta (puede ser negativo) sin dejar el stock por debajo de cero.
func (r *sqliteBooks) AdjustStock(ctx context.Context, id int64, delta int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := adjustStock(ctx, tx, id, delta)
	if err != nil {
		return 0, err
	}
	if !ok {
		if _, err := getBook(ctx, tx, id); err != nil {
			return 0, err
		}
		return 0, validationErr("stock", "stock cannot be negative")
	}
	var stock int
	if err := tx.QueryRowContext(ctx, `SELECT stock FROM books WHERE id=?`, id).Scan(&stock); err != nil {
		return 0, err
	}
	return stock, tx.Commit()
}

const effectiveStockQuery = `
SELECT b.id, b.title, b.author, b.year_published, b.price, b.category_id, b.stock,
       b.created_unix, b.updated_unix, COALESCE(r.reserved, 0)
FROM books b
LEFT JOIN (
  SELECT book_id, SUM(quantity) AS reserved FROM cart_items GROUP BY book_id
) r ON r.book_id = b.id`

func (r *sqliteBooks) ListAvailable(ctx context.Context) ([]BookStock, error) {
	rows, err := r.db.QueryContext(ctx, effectiveStockQuery+`
WHERE b.stock - COALESCE(r.reserved, 0) > 0
ORDER BY b.title, b.id`)
	if err != nil {
		return nil, fmt.Errorf("list available books: %w", err)
	}
	defer rows.Close()

	var out []BookStock
	for rows.Next() {
		bs, err := scanBookStock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *bs)
	}
	return out, rows.Err()
}

func (r *sqliteBooks) EffectiveStock(ctx context.Context, id int64) (int, error) {
	bs, err := bookStock(ctx, r.db, id)
	if err != nil {
		return 0, err
	}
	return bs.EffectiveStock, nil
}

func (r *sqliteBooks) categoryExists(ctx context.Context, id int64) error {
	return categoryExists(ctx, r.db, id)
}

func categoryExists(ctx context.Context, q dbtx, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM categories WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return validationErr("category", "This category does not exist.")
	}
	return err
}

func getBook(ctx context.Context, q dbtx, id int64) (*Book, error) {
	var b Book
	err := q.QueryRowContext(ctx, `
SELECT id, title, author, year_published, price, category_id, stock, created_unix, updated_unix
FROM books WHERE id=?`, id).
		Scan(&b.ID, &b.Title, &b.Author, &b.YearPublished, &b.Price, &b.CategoryID, &b.Stock, &b.CreatedUnix, &b.UpdatedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func bookStock(ctx context.Context, q dbtx, id int64) (*BookStock, error) {
	rows, err := q.QueryContext(ctx, effectiveStockQuery+` WHERE b.id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return scanBookStock(rows)
}

func scanBookStock(rows *sql.Rows) (*BookStock, error) {
	var bs BookStock
	if err := rows.Scan(&bs.ID, &bs.Title, &bs.Author, &bs.YearPublished, &bs.Price, &bs.CategoryID,
		&bs.Stock, &bs.CreatedUnix, &bs.UpdatedUnix, &bs.Reserved); err != nil {
		return nil, err
	}
	bs.EffectiveStock = bs.Stock - bs.Reserved
	return &bs, nil
}

// adjustStock aplica delta solo si el resultado no queda negativo; false si no se aplicó.
func adjustStock(ctx context.Context, q dbtx, id int64, delta int) (bool, error) {
	res, err := q.ExecContext(ctx, `
UPDATE books SET stock = stock + ?, updated_unix = ?
WHERE id = ? AND stock + ? >= 0`, delta, nowUnix(), id, delta)
	if err != nil {
		return false, fmt.Errorf("adjust stock %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func validateBook(b *Book) error {
	if err := validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			msg, ok := bookRuleMessages[fe.Field()+"."+fe.Tag()]
			if !ok {
				msg = fmt.Sprintf("failed %q validation", fe.Tag())
			}
			return validationErr(fe.Field(), msg)
		}
		return err
	}
	if b.YearPublished > time.Now().Year() {
		return validationErr("year_published", "Year published cannot be in the future.")
	}
	if b.Price.IsNegative() {
		return validationErr("price", "Price cannot be negative.")
	}
	return nil
}
