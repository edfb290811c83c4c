package catalog

import (
	"time"

	"github.com/uptrace/bun"
)

type Product struct {
	bun.BaseModel `bun:"table:products"`

	ID       int64   `bun:"id,pk,autoincrement" json:"id"`
	Name     string  `bun:"name,notnull" json:"name"`
	Category string  `bun:"category,notnull" json:"category"`
	Vibe     string  `bun:"vibe,notnull" json:"vibe"`
	Color    string  `bun:"color,notnull" json:"color"`
	Fit      string  `bun:"fit,nullzero" json:"fit,omitempty"`
	Price    float64 `bun:"price,notnull" json:"price"`
	Stock    int     `bun:"stock,notnull" json:"stock"`
}

func (p Product) InStock() bool {
	return p.Stock > 0
}

// Order is one purchased unit. Rows written by the same checkout share CheckoutID.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID         string    `bun:"id,pk"`
	CheckoutID string    `bun:"checkout_id,notnull"`
	ThreadID   string    `bun:"thread_id,notnull"`
	ProductID  int64     `bun:"product_id,notnull"`
	Quantity   int       `bun:"quantity,notnull"`
	TotalPrice float64   `bun:"total_price,notnull"`
	OrderedAt  time.Time `bun:"ordered_at,notnull"`
}

// Thread records every conversation the store has talked to.
type Thread struct {
	bun.BaseModel `bun:"table:threads"`

	ThreadID   string    `bun:"thread_id,pk"`
	Platform   string    `bun:"platform,notnull"`
	UserName   string    `bun:"user_name,notnull"`
	LastActive time.Time `bun:"last_active,notnull"`
}

// Filter narrows a catalog search. Empty fields are not applied.
type Filter struct {
	Category string
	Color    string
	Vibe     string
	MaxPrice *float64
}

type SkipReason string

const (
	SkipNotFound   SkipReason = "not found"
	SkipOutOfStock SkipReason = "out of stock"
)

type SkippedItem struct {
	ProductID int64
	Name      string
	Reason    SkipReason
}

// Receipt describes a committed checkout. Total covers Purchased only.
type Receipt struct {
	CheckoutID string
	Purchased  []Product
	Skipped    []SkippedItem
	Total      float64
}
