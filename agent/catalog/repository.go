package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrCheckoutFailed  = errors.New("checkout failed")
)

// Repository is the relational catalog: product search, atomic checkout and
// the thread registry.
type Repository struct {
	db  *bun.DB
	now func() time.Time
}

func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Search(ctx context.Context, f Filter) ([]Product, error) {
	var products []Product
	q := r.db.NewSelect().Model(&products).OrderExpr("id ASC")
	q = whereContains(q, "category", f.Category)
	q = whereContains(q, "color", f.Color)
	q = whereContains(q, "vibe", f.Vibe)
	if f.MaxPrice != nil {
		q = q.Where("price <= ?", *f.MaxPrice)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	return products, nil
}

// whereContains is a case-insensitive substring filter that works on both
// postgres and sqlite.
func whereContains(q *bun.SelectQuery, column, value string) *bun.SelectQuery {
	value = strings.TrimSpace(value)
	if value == "" {
		return q
	}
	return q.Where("LOWER(?) LIKE ?", bun.Ident(column), "%"+strings.ToLower(value)+"%")
}

func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.db.NewSelect().Model(&p).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
		return Product{}, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, nil
}

// Lookup returns the products with the given ids in the order of ids.
// Unknown ids are skipped.
func (r *Repository) Lookup(ctx context.Context, ids []int64) ([]Product, error) {
	if len(ids) == 0 {
		return []Product{}, nil
	}
	var found []Product
	if err := r.db.NewSelect().Model(&found).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("lookup products: %w", err)
	}
	byID := make(map[int64]Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]Product, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Finalize buys one unit of every product in ids inside a single transaction.
// Items that are missing or out of stock when the transaction reaches them are
// skipped and reported on the receipt. Any database error rolls everything back.
func (r *Repository) Finalize(ctx context.Context, ids []int64, threadID string) (Receipt, error) {
	if len(ids) == 0 {
		return Receipt{}, ErrEmptyCart
	}

	receipt := Receipt{CheckoutID: uuid.NewString()}
	orderedAt := r.now().UTC()

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		orders := make([]Order, 0, len(ids))
		for _, id := range ids {
			var p Product
			err := tx.NewSelect().Model(&p).Where("id = ?", id).Limit(1).Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				receipt.Skipped = append(receipt.Skipped, SkippedItem{ProductID: id, Reason: SkipNotFound})
				continue
			}
			if err != nil {
				return fmt.Errorf("select product %d: %w", id, err)
			}

			res, err := tx.NewUpdate().
				Model((*Product)(nil)).
				Set("stock = stock - 1").
				Where("id = ?", id).
				Where("stock > 0").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("decrement stock %d: %w", id, err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				receipt.Skipped = append(receipt.Skipped, SkippedItem{ProductID: id, Name: p.Name, Reason: SkipOutOfStock})
				continue
			}

			orders = append(orders, Order{
				ID:         uuid.NewString(),
				CheckoutID: receipt.CheckoutID,
				ThreadID:   threadID,
				ProductID:  p.ID,
				Quantity:   1,
				TotalPrice: p.Price,
				OrderedAt:  orderedAt,
			})
			p.Stock--
			receipt.Purchased = append(receipt.Purchased, p)
			receipt.Total += p.Price
		}

		if len(orders) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&orders).Exec(ctx); err != nil {
			return fmt.Errorf("insert orders: %w", err)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	return receipt, nil
}

// Orders lists the orders recorded for a thread, oldest first.
func (r *Repository) Orders(ctx context.Context, threadID string) ([]Order, error) {
	var orders []Order
	err := r.db.NewSelect().
		Model(&orders).
		Where("thread_id = ?", threadID).
		OrderExpr("ordered_at ASC, product_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// TouchThread registers the thread or refreshes its last activity.
func (r *Repository) TouchThread(ctx context.Context, threadID, platform, userName string) error {
	if strings.TrimSpace(userName) == "" {
		userName = "Customer"
	}
	row := &Thread{
		ThreadID:   threadID,
		Platform:   platform,
		UserName:   userName,
		LastActive: r.now().UTC(),
	}
	_, err := r.db.NewInsert().
		Model(row).
		On("CONFLICT (thread_id) DO UPDATE").
		Set("platform = EXCLUDED.platform").
		Set("user_name = EXCLUDED.user_name").
		Set("last_active = EXCLUDED.last_active").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

func (r *Repository) Thread(ctx context.Context, threadID string) (Thread, error) {
	var t Thread
	if err := r.db.NewSelect().Model(&t).Where("thread_id = ?", threadID).Limit(1).Scan(ctx); err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}
