package main

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Book struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title" validate:"required,max=200"`
	Author        string          `json:"author" validate:"required,max=100"`
	YearPublished int             `json:"year_published" validate:"gte=0"`
	Price         decimal.Decimal `json:"price"`
	CategoryID    int64           `json:"category_id" validate:"gt=0"`
	Stock         int             `json:"stock" validate:"gte=0"`
	CreatedUnix   int64           `json:"created_unix"`
	UpdatedUnix   int64           `json:"updated_unix"`
}

// BookStock es un libro con su stock efectivo: stock - unidades reservadas en carritos.
type BookStock struct {
	Book
	Reserved       int `json:"reserved"`
	EffectiveStock int `json:"effective_stock"`
}

type Cart struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user"`
	CreatedUnix int64      `json:"created_unix"`
	UpdatedUnix int64      `json:"updated_unix"`
	Items       []CartItem `json:"items"`
}

type CartItem struct {
	ID        int64           `json:"id"`
	CartID    int64           `json:"cart"`
	BookID    int64           `json:"book"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	AddedUnix int64           `json:"added_unix"`
}

type ReceiptLine struct {
	BookID    int64           `json:"book"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Receipt describe un checkout confirmado.
type Receipt struct {
	CartID      int64           `json:"cart"`
	UserID      int64           `json:"user"`
	Lines       []ReceiptLine   `json:"lines"`
	Total       decimal.Decimal `json:"total"`
	CreatedUnix int64           `json:"created_unix"`
}

func newReceipt(cartID, userID int64, lines []ReceiptLine) *Receipt {
	total := decimal.Zero
	for i := range lines {
		lines[i].LineTotal = lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(lines[i].Quantity)))
		total = total.Add(lines[i].LineTotal)
	}
	return &Receipt{CartID: cartID, UserID: userID, Lines: lines, Total: total, CreatedUnix: nowUnix()}
}

func nowUnix() int64 { return time.Now().Unix() }
