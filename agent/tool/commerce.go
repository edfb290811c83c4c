package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/chative-commerce-agent/agent/catalog"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
)

const (
	ToolSearchInventory = "search_inventory"
	ToolManageCart      = "manage_cart"
	ToolFinalizeOrder   = "finalize_order"
	ToolGetCartSummary  = "get_cart_summary"
)

// Catalog is the read side of the product catalog.
type Catalog interface {
	Search(ctx context.Context, f catalog.Filter) ([]catalog.Product, error)
	Get(ctx context.Context, id int64) (catalog.Product, error)
	Lookup(ctx context.Context, ids []int64) ([]catalog.Product, error)
}

// Checkout buys the cart in one transaction.
type Checkout interface {
	Finalize(ctx context.Context, ids []int64, threadID string) (catalog.Receipt, error)
}

// NewCommerceRegistry registers the four storefront tools.
func NewCommerceRegistry(cat Catalog, co Checkout, opts ...Option) (*Registry, error) {
	return NewRegistry(CommerceTools(cat, co), opts...)
}

func CommerceTools(cat Catalog, co Checkout) []Tool {
	boundCart := map[string]func(contractx.ToolEnv) any{
		"cart_product_ids": func(env contractx.ToolEnv) any { return cartIDs(env) },
	}
	boundOrder := map[string]func(contractx.ToolEnv) any{
		"cart_product_ids": func(env contractx.ToolEnv) any { return cartIDs(env) },
		"thread_id":        func(env contractx.ToolEnv) any { return env.ThreadID },
	}

	return []Tool{
		{
			Name: ToolSearchInventory,
			Desc: "Search the store inventory. Use it whenever the customer asks about products, styles, prices or stock. " +
				"Only pass the filters you know; omit the rest.",
			Params: map[string]*schema.ParameterInfo{
				"category":  {Type: schema.String, Desc: "Type of clothing, e.g. Top, Bottom, Outerwear"},
				"color":     {Type: schema.String, Desc: "Color, e.g. Black, White, Navy"},
				"vibe":      {Type: schema.String, Desc: "Style aesthetic, e.g. Old Money, Minimalist, Streetwear, Smart Casual"},
				"max_price": {Type: schema.Number, Desc: "Maximum price in USD"},
			},
			Run: searchInventory(cat),
		},
		{
			Name: ToolManageCart,
			Desc: "Add a product to the customer's cart or remove it. Use the product id shown in search results.",
			Params: map[string]*schema.ParameterInfo{
				"product_id": {Type: schema.Integer, Desc: "Product id", Required: true},
				"action":     {Type: schema.String, Desc: "add or remove", Enum: []string{"add", "remove"}, Required: true},
			},
			Run: manageCart(cat),
		},
		{
			Name: ToolFinalizeOrder,
			Desc: "Complete the purchase of everything in the customer's cart. Use it when the customer says checkout, buy it or place order.",
			Params: map[string]*schema.ParameterInfo{
				"cart_product_ids": {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.Integer}, Desc: "Filled in automatically from the cart"},
				"thread_id":        {Type: schema.String, Desc: "Filled in automatically from the conversation"},
			},
			Bound: boundOrder,
			Run:   finalizeOrder(co),
		},
		{
			Name: ToolGetCartSummary,
			Desc: "Show what is currently in the customer's cart with the subtotal.",
			Params: map[string]*schema.ParameterInfo{
				"cart_product_ids": {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.Integer}, Desc: "Filled in automatically from the cart"},
			},
			Bound: boundCart,
			Run:   cartSummary(cat),
		},
	}
}

func cartIDs(env contractx.ToolEnv) []int64 {
	if env.Cart == nil {
		return []int64{}
	}
	return append([]int64(nil), env.Cart...)
}

type searchArgs struct {
	Category string   `json:"category"`
	Color    string   `json:"color"`
	Vibe     string   `json:"vibe"`
	MaxPrice *float64 `json:"max_price"`
}

func searchInventory(cat Catalog) Handler {
	return func(ctx context.Context, env contractx.ToolEnv, args map[string]any) statex.ToolResult {
		var in searchArgs
		if err := decodeArgs(args, &in); err != nil {
			return statex.Failure(fmt.Sprintf("Invalid arguments for %s.", ToolSearchInventory))
		}

		products, err := cat.Search(ctx, catalog.Filter{
			Category: in.Category,
			Color:    in.Color,
			Vibe:     in.Vibe,
			MaxPrice: in.MaxPrice,
		})
		if err != nil {
			log.Error().Err(err).Str("thread_id", env.ThreadID).Str("tool", ToolSearchInventory).Msg("catalog search failed")
			return statex.Failure("The catalog is unavailable right now. Please try again shortly.")
		}
		return statex.Success(statex.ActionNone, formatSearch(products))
	}
}

type cartArgs struct {
	ProductID int64  `json:"product_id"`
	Action    string `json:"action"`
}

func manageCart(cat Catalog) Handler {
	return func(ctx context.Context, env contractx.ToolEnv, args map[string]any) statex.ToolResult {
		var in cartArgs
		if err := decodeArgs(args, &in); err != nil {
			return statex.Failure(fmt.Sprintf("Invalid arguments for %s.", ToolManageCart))
		}

		product, err := cat.Get(ctx, in.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				return statex.Failure(fmt.Sprintf("Product ID %d not found.", in.ProductID))
			}
			log.Error().Err(err).Str("thread_id", env.ThreadID).Str("tool", ToolManageCart).Msg("product lookup failed")
			return statex.Failure("The catalog is unavailable right now. Please try again shortly.")
		}

		switch statex.CartAction(in.Action) {
		case statex.ActionAdd:
			if !product.InStock() {
				return statex.Failure(fmt.Sprintf("%s is out of stock.", product.Name))
			}
			return statex.SuccessFor(statex.ActionAdd, product.ID, fmt.Sprintf("Added %s to cart.", product.Name))
		case statex.ActionRemove:
			return statex.SuccessFor(statex.ActionRemove, product.ID, fmt.Sprintf("Removed %s from cart.", product.Name))
		default:
			return statex.Failure(fmt.Sprintf("Unsupported cart action %q. Use add or remove.", in.Action))
		}
	}
}

type orderArgs struct {
	CartProductIDs []int64 `json:"cart_product_ids"`
	ThreadID       string  `json:"thread_id"`
}

func finalizeOrder(co Checkout) Handler {
	return func(ctx context.Context, env contractx.ToolEnv, args map[string]any) statex.ToolResult {
		var in orderArgs
		if err := decodeArgs(args, &in); err != nil {
			return statex.Failure(fmt.Sprintf("Invalid arguments for %s.", ToolFinalizeOrder))
		}
		if len(in.CartProductIDs) == 0 {
			return statex.Failure("Your cart is empty. Add some products first!")
		}

		receipt, err := co.Finalize(ctx, in.CartProductIDs, in.ThreadID)
		if err != nil {
			log.Error().Err(err).Str("thread_id", env.ThreadID).Str("tool", ToolFinalizeOrder).Msg("checkout failed")
			return statex.Failure("Checkout failed. Nothing was charged and your cart is unchanged. Please try again.")
		}
		log.Info().
			Str("thread_id", env.ThreadID).
			Str("checkout_id", receipt.CheckoutID).
			Int("purchased", len(receipt.Purchased)).
			Int("skipped", len(receipt.Skipped)).
			Msg("checkout committed")
		return statex.Success(statex.ActionCheckout, formatReceipt(receipt))
	}
}

func cartSummary(cat Catalog) Handler {
	return func(ctx context.Context, env contractx.ToolEnv, args map[string]any) statex.ToolResult {
		var in orderArgs
		if err := decodeArgs(args, &in); err != nil {
			return statex.Failure(fmt.Sprintf("Invalid arguments for %s.", ToolGetCartSummary))
		}
		if len(in.CartProductIDs) == 0 {
			return statex.Success(statex.ActionNone, emptyCartText)
		}

		products, err := cat.Lookup(ctx, in.CartProductIDs)
		if err != nil {
			log.Error().Err(err).Str("thread_id", env.ThreadID).Str("tool", ToolGetCartSummary).Msg("cart lookup failed")
			return statex.Failure("The catalog is unavailable right now. Please try again shortly.")
		}
		return statex.Success(statex.ActionNone, formatCart(products))
	}
}
