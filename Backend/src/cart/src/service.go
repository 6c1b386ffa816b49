package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Claves de los eventos publicados por el carrito
const (
	RKCartCheckedOut = "cart.checked_out"
	RKItemReleased   = "cart.item.released"
)

type ReleaseOutcome int

const (
	ReleaseDeleted ReleaseOutcome = iota
	ReleaseNotFound
	ReleaseFailed
)

func (o ReleaseOutcome) String() string {
	switch o {
	case ReleaseDeleted:
		return "deleted"
	case ReleaseNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

type Events interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type ItemReleasedPayload struct {
	ItemID int64 `json:"item_id"`
}

type CartService struct {
	repo   CartRepository
	books  BookRepository
	sched  ReleaseScheduler
	events Events
	delay  time.Duration
	log    zerolog.Logger
}

func NewCartService(repo CartRepository, books BookRepository, sched ReleaseScheduler, events Events, delay time.Duration, log zerolog.Logger) *CartService {
	return &CartService{repo: repo, books: books, sched: sched, events: events, delay: delay, log: log}
}

func (s *CartService) GetCart(ctx context.Context, userID int64) (*Cart, error) {
	cart, created, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info().Int64("user", userID).Msg("new cart created")
	} else {
		s.log.Info().Int64("user", userID).Msg("cart retrieved")
	}
	return cart, nil
}

func (s *CartService) AddToCart(ctx context.Context, userID, bookID int64, qty int) (*CartItem, error) {
	cartID, created, err := s.repo.EnsureCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info().Int64("user", userID).Msg("new cart created")
	}

	item, err := s.repo.AddItem(ctx, cartID, bookID, qty)
	switch {
	case errors.Is(err, ErrDuplicateItem):
		s.log.Warn().Int64("user", userID).Int64("book", bookID).Msg("book already in cart")
		return nil, err
	case errors.Is(err, ErrInsufficientStock):
		s.log.Info().Int64("user", userID).Int64("book", bookID).Msg("book not available in sufficient quantity")
		return nil, err
	case err != nil:
		return nil, err
	}

	s.log.Info().
		Int64("user", userID).
		Int64("book", bookID).
		Int64("item", item.ID).
		Str("release", humanize.Time(time.Now().Add(s.delay))).
		Msg("book added to cart")

	// El item ya existe: un fallo al programar la liberación se registra y no se propaga
	if err := s.sched.ScheduleRelease(ctx, item.ID, s.delay); err != nil {
		s.log.Error().Err(err).Int64("item", item.ID).Msg("could not schedule cart item release")
	}
	return item, nil
}

func (s *CartService) RemoveFromCart(ctx context.Context, userID, bookID int64) error {
	cartID, err := s.repo.CartID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveItem(ctx, cartID, bookID); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn().Int64("user", userID).Int64("book", bookID).Msg("attempted to remove a book that is not in the cart")
		}
		return err
	}
	s.log.Info().Int64("user", userID).Int64("book", bookID).Msg("book removed from cart")
	return nil
}

func (s *CartService) Checkout(ctx context.Context, userID int64) (*Receipt, error) {
	receipt, err := s.repo.Checkout(ctx, userID)
	if err != nil {
		var oos *OutOfStockError
		switch {
		case errors.Is(err, ErrEmptyCart):
			s.log.Info().Int64("user", userID).Msg("checkout attempted with an empty cart")
		case errors.As(err, &oos):
			s.log.Warn().Int64("user", userID).Strs("titles", oos.Titles).Msg("checkout failed due to out-of-stock items")
		default:
			s.log.Error().Err(err).Int64("user", userID).Msg("checkout failed")
		}
		return nil, err
	}

	s.log.Info().Int64("user", userID).Str("total", receipt.Total.StringFixed(2)).Msg("checkout successful")
	if body, err := json.Marshal(receipt); err == nil {
		s.publish(ctx, RKCartCheckedOut, body)
	}
	return receipt, nil
}

// ReleaseItem es lo que ejecuta el scheduler al vencer una reserva. Los errores se registran y se tragan.
func (s *CartService) ReleaseItem(ctx context.Context, itemID int64) (outcome ReleaseOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("item", itemID).Interface("panic", r).Msg("an error occurred while removing cart item")
			outcome = ReleaseFailed
		}
	}()

	deleted, err := s.repo.DeleteItem(ctx, itemID)
	if err != nil {
		s.log.Error().Err(err).Int64("item", itemID).Msg("an error occurred while removing cart item")
		return ReleaseFailed
	}
	if !deleted {
		s.log.Warn().Int64("item", itemID).Msg("cart item does not exist")
		return ReleaseNotFound
	}
	s.log.Info().Int64("item", itemID).Msg("cart item released")
	if body, err := json.Marshal(ItemReleasedPayload{ItemID: itemID}); err == nil {
		s.publish(ctx, RKItemReleased, body)
	}
	return ReleaseDeleted
}

func (s *CartService) ListBooks(ctx context.Context) ([]BookStock, error) {
	return s.books.ListAvailable(ctx)
}

// GetAvailableBook devuelve ErrNotFound también cuando el stock efectivo no es positivo.
func (s *CartService) GetAvailableBook(ctx context.Context, bookID int64) (*BookStock, error) {
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	eff, err := s.books.EffectiveStock(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if eff <= 0 {
		return nil, fmt.Errorf("book %d has no effective stock: %w", bookID, ErrNotFound)
	}
	return &BookStock{Book: *book, Reserved: book.Stock - eff, EffectiveStock: eff}, nil
}

func (s *CartService) SetStock(ctx context.Context, bookID int64, stock int) error {
	if err := s.books.UpdateStock(ctx, bookID, stock); err != nil {
		return err
	}
	s.log.Info().Int64("book", bookID).Int("stock", stock).Msg("stock updated")
	return nil
}

func (s *CartService) publish(ctx context.Context, key string, payload []byte) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, key, payload); err != nil {
		s.log.Error().Err(err).Str("rk", key).Msg("publish event failed")
	}
}
