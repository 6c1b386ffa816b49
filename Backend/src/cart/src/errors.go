package main

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateItem     = errors.New("book already in cart")
	ErrInsufficientStock = errors.New("book not available in sufficient quantity")
	ErrEmptyCart         = errors.New("no items in the cart to checkout")
	ErrOutOfStock        = errors.New("out of stock")
	ErrValidation        = errors.New("validation error")

	// ErrNotInCart es un ErrNotFound: el carrito existe pero no tiene ese libro.
	ErrNotInCart = fmt.Errorf("%w: book not in cart", ErrNotFound)

	errSchedulerClosed = errors.New("release scheduler closed")
)

// OutOfStockError lista todos los títulos sin stock suficiente en un checkout.
type OutOfStockError struct {
	Titles []string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("Book %s is out of stock.", strings.Join(e.Titles, ", "))
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
