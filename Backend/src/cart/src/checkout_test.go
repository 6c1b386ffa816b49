package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

type CheckoutSuite struct {
	suite.Suite
	f   *fixture
	ctx context.Context
}

func TestCheckoutSuite(t *testing.T) {
	suite.Run(t, new(CheckoutSuite))
}

func (s *CheckoutSuite) SetupTest() {
	s.f = newFixture(s.T())
	s.ctx = context.Background()
}

func (s *CheckoutSuite) add(userID int64, b *Book, qty int) {
	_, err := s.f.repo.AddItem(s.ctx, s.f.cartOf(s.T(), userID).ID, b.ID, qty)
	s.Require().NoError(err)
}

func (s *CheckoutSuite) TestNoCart() {
	_, err := s.f.repo.Checkout(s.ctx, 1)
	s.ErrorIs(err, ErrEmptyCart)
}

func (s *CheckoutSuite) TestEmptyCart() {
	s.f.cartOf(s.T(), 1)
	_, err := s.f.repo.Checkout(s.ctx, 1)
	s.ErrorIs(err, ErrEmptyCart)
}

func (s *CheckoutSuite) TestSuccessDecrementsStockAndEmptiesCart() {
	a := s.f.book(s.T(), "Alpha", 5, "10.50")
	b := s.f.book(s.T(), "Beta", 2, "3.25")
	s.add(1, a, 1)
	s.add(1, b, 2)

	receipt, err := s.f.repo.Checkout(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(int64(1), receipt.UserID)
	s.Require().Len(receipt.Lines, 2)
	s.Equal("10.50", receipt.Lines[0].LineTotal.StringFixed(2))
	s.Equal("6.50", receipt.Lines[1].LineTotal.StringFixed(2))
	s.Equal("17.00", receipt.Total.StringFixed(2))

	s.Equal(4, s.f.stockOf(s.T(), a.ID))
	s.Equal(0, s.f.stockOf(s.T(), b.ID))

	cart, err := s.f.repo.GetCart(s.ctx, 1)
	s.Require().NoError(err)
	s.Empty(cart.Items)

	// el carrito sigue siendo usable
	s.add(1, a, 1)
}

func (s *CheckoutSuite) TestAllOrNothing() {
	a := s.f.book(s.T(), "Alpha", 5, "10.00")
	b := s.f.book(s.T(), "Beta", 2, "10.00")
	s.add(1, a, 1)
	s.add(1, b, 2)
	// el admin baja el stock después de que el libro entró al carrito
	s.Require().NoError(s.f.books.UpdateStock(s.ctx, b.ID, 1))

	_, err := s.f.repo.Checkout(s.ctx, 1)
	s.Require().ErrorIs(err, ErrOutOfStock)
	var oos *OutOfStockError
	s.Require().ErrorAs(err, &oos)
	s.Equal([]string{"Beta"}, oos.Titles)
	s.Equal("Book Beta is out of stock.", err.Error())

	s.Equal(5, s.f.stockOf(s.T(), a.ID))
	s.Equal(1, s.f.stockOf(s.T(), b.ID))
	cart, err := s.f.repo.GetCart(s.ctx, 1)
	s.Require().NoError(err)
	s.Len(cart.Items, 2)
}

func (s *CheckoutSuite) TestReportsEveryOutOfStockTitle() {
	a := s.f.book(s.T(), "Alpha", 1, "10.00")
	b := s.f.book(s.T(), "Beta", 1, "10.00")
	c := s.f.book(s.T(), "Gamma", 3, "10.00")
	s.add(1, a, 1)
	s.add(1, b, 1)
	s.add(1, c, 1)
	s.Require().NoError(s.f.books.UpdateStock(s.ctx, a.ID, 0))
	s.Require().NoError(s.f.books.UpdateStock(s.ctx, b.ID, 0))

	_, err := s.f.repo.Checkout(s.ctx, 1)
	var oos *OutOfStockError
	s.Require().ErrorAs(err, &oos)
	s.Equal([]string{"Alpha", "Beta"}, oos.Titles)
	s.Equal(3, s.f.stockOf(s.T(), c.ID))
}

func (s *CheckoutSuite) TestOtherCartsAreUntouched() {
	a := s.f.book(s.T(), "Alpha", 5, "10.00")
	s.add(1, a, 2)
	s.add(2, a, 1)

	_, err := s.f.repo.Checkout(s.ctx, 1)
	s.Require().NoError(err)

	s.Equal(3, s.f.stockOf(s.T(), a.ID))
	other, err := s.f.repo.GetCart(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(other.Items, 1)
	eff, err := s.f.books.EffectiveStock(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(2, eff)
}
