// Operaciones de carrito y checkout
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type CartRepository interface {
	GetOrCreateCart(ctx context.Context, userID int64) (*Cart, bool, error)
	GetCart(ctx context.Context, userID int64) (*Cart, error)
	// EnsureCart y CartID resuelven solo el id del carrito; con la caché caliente no tocan la base.
	EnsureCart(ctx context.Context, userID int64) (int64, bool, error)
	CartID(ctx context.Context, userID int64) (int64, error)
	AddItem(ctx context.Context, cartID, bookID int64, qty int) (*CartItem, error)
	RemoveItem(ctx context.Context, cartID, bookID int64) error
	DeleteItem(ctx context.Context, itemID int64) (bool, error)
	Checkout(ctx context.Context, userID int64) (*Receipt, error)
}

type sqliteRepo struct {
	db *sql.DB
	// user_id -> cart_id; los carritos nunca se borran, así que no hay invalidación
	cartIDs *lru.Cache[int64, int64]
}

func NewSQLiteRepo(db *sql.DB, cacheSize int) (CartRepository, error) {
	cache, err := lru.New[int64, int64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("cart id cache: %w", err)
	}
	return &sqliteRepo{db: db, cartIDs: cache}, nil
}

func (r *sqliteRepo) GetOrCreateCart(ctx context.Context, userID int64) (*Cart, bool, error) {
	cartID, created, err := r.EnsureCart(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	c, err := r.loadCart(ctx, cartID)
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (r *sqliteRepo) EnsureCart(ctx context.Context, userID int64) (int64, bool, error) {
	if id, ok := r.cartIDs.Get(userID); ok {
		return id, false, nil
	}

	now := nowUnix()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO carts(user_id, created_unix, updated_unix) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`, userID, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("create cart for user %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	id, err := r.CartID(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return id, n == 1, nil
}

func (r *sqliteRepo) CartID(ctx context.Context, userID int64) (int64, error) {
	if id, ok := r.cartIDs.Get(userID); ok {
		return id, nil
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM carts WHERE user_id=?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("cart of user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	r.cartIDs.Add(userID, id)
	return id, nil
}

func (r *sqliteRepo) GetCart(ctx context.Context, userID int64) (*Cart, error) {
	cartID, err := r.CartID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.loadCart(ctx, cartID)
}

func (r *sqliteRepo) loadCart(ctx context.Context, cartID int64) (*Cart, error) {
	var cart Cart
	err := r.db.QueryRowContext(ctx, `SELECT id, user_id, created_unix, updated_unix FROM carts WHERE id=?`, cartID).
		Scan(&cart.ID, &cart.UserID, &cart.CreatedUnix, &cart.UpdatedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart %d: %w", cartID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	items, err := listItems(ctx, r.db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return &cart, nil
}

func (r *sqliteRepo) AddItem(ctx context.Context, cartID, bookID int64, qty int) (*CartItem, error) {
	if err := validate.Var(qty, "gt=0"); err != nil {
		return nil, validationErr("quantity", "Quantity must be greater than zero.")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cart_items WHERE cart_id=? AND book_id=?`, cartID, bookID).Scan(&one)
	if err == nil {
		return nil, ErrDuplicateItem
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	book, err := getBook(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}

	// Inserta solo si el stock efectivo alcanza; chequeo e inserción en una sola sentencia
	now := nowUnix()
	res, err := tx.ExecContext(ctx, `
INSERT INTO cart_items(cart_id, book_id, quantity, added_unix)
SELECT ?, b.id, ?, ?
FROM books b
WHERE b.id = ?
  AND b.stock - COALESCE((SELECT SUM(ci.quantity) FROM cart_items ci WHERE ci.book_id = b.id), 0) >= ?`,
		cartID, qty, now, bookID, qty)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateItem
	}
	if err != nil {
		return nil, fmt.Errorf("insert cart item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInsufficientStock
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_unix=? WHERE id=?`, now, cartID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateItem
		}
		return nil, err
	}

	return &CartItem{
		ID:        id,
		CartID:    cartID,
		BookID:    book.ID,
		Title:     book.Title,
		UnitPrice: book.Price,
		Quantity:  qty,
		AddedUnix: now,
	}, nil
}

func (r *sqliteRepo) RemoveItem(ctx context.Context, cartID, bookID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id=? AND book_id=?`, cartID, bookID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("book %d in cart %d: %w", bookID, cartID, ErrNotInCart)
	}
	return nil
}

// DeleteItem borra por id; false si ya no existía.
func (r *sqliteRepo) DeleteItem(ctx context.Context, itemID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id=?`, itemID)
	if err != nil {
		return false, fmt.Errorf("delete cart item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Checkout descuenta el stock de todos los items o de ninguno.
func (r *sqliteRepo) Checkout(ctx context.Context, userID int64) (*Receipt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cartID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM carts WHERE user_id=?`, userID).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmptyCart
	}
	if err != nil {
		return nil, err
	}

	items, err := listItems(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	var outOfStock []string
	lines := make([]ReceiptLine, 0, len(items))
	for _, it := range items {
		ok, err := adjustStock(ctx, tx, it.BookID, -it.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			outOfStock = append(outOfStock, it.Title)
			continue
		}
		lines = append(lines, ReceiptLine{BookID: it.BookID, Title: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	if len(outOfStock) > 0 {
		// el rollback diferido deshace los descuentos ya aplicados
		return nil, &OutOfStockError{Titles: outOfStock}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id=?`, cartID); err != nil {
		return nil, fmt.Errorf("clear cart %d: %w", cartID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_unix=? WHERE id=?`, nowUnix(), cartID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return newReceipt(cartID, userID, lines), nil
}

func listItems(ctx context.Context, q dbtx, cartID int64) ([]CartItem, error) {
	rows, err := q.QueryContext(ctx, `
SELECT ci.id, ci.cart_id, ci.book_id, b.title, b.price, ci.quantity, ci.added_unix
FROM cart_items ci JOIN books b ON b.id = ci.book_id
WHERE ci.cart_id=?
ORDER BY ci.id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []CartItem{}
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.BookID, &it.Title, &it.UnitPrice, &it.Quantity, &it.AddedUnix); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
