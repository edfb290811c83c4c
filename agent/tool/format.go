package tool

import (
	"fmt"
	"strings"

	"github.com/tanpawarit/chative-commerce-agent/agent/catalog"
)

const (
	noProductsText = "No products found matching those filters. Try a different color, vibe, or category."
	emptyCartText  = "Your cart is empty. Want me to help you find something?"
)

func formatSearch(products []catalog.Product) string {
	if len(products) == 0 {
		return noProductsText
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d product(s):", len(products))
	for _, p := range products {
		stock := fmt.Sprintf("%d in stock", p.Stock)
		if !p.InStock() {
			stock = "OUT OF STOCK"
		}
		fit := p.Fit
		if fit == "" {
			fit = "Regular"
		}
		fmt.Fprintf(&b, "\n- [ID: %d] %s | %s | %s | %s fit | $%.2f | %s", p.ID, p.Name, p.Color, p.Vibe, fit, p.Price, stock)
	}
	return b.String()
}

func formatCart(products []catalog.Product) string {
	if len(products) == 0 {
		return emptyCartText
	}
	var b strings.Builder
	b.WriteString("Your cart:")
	total := 0.0
	for _, p := range products {
		fmt.Fprintf(&b, "\n- %s (%s) - $%.2f", p.Name, p.Color, p.Price)
		total += p.Price
	}
	fmt.Fprintf(&b, "\nSubtotal: $%.2f", total)
	b.WriteString("\nSay 'checkout' to complete your order!")
	return b.String()
}

func formatReceipt(r catalog.Receipt) string {
	var b strings.Builder
	b.WriteString("Order confirmation")
	for _, p := range r.Purchased {
		fmt.Fprintf(&b, "\n- %s (%s) - $%.2f", p.Name, p.Color, p.Price)
	}
	if len(r.Skipped) > 0 {
		skipped := make([]string, 0, len(r.Skipped))
		for _, s := range r.Skipped {
			name := s.Name
			if name == "" {
				name = fmt.Sprintf("Product ID %d", s.ProductID)
			}
			skipped = append(skipped, fmt.Sprintf("%s (%s)", name, s.Reason))
		}
		fmt.Fprintf(&b, "\nCouldn't process: %s", strings.Join(skipped, ", "))
	}
	fmt.Fprintf(&b, "\nTotal: $%.2f", r.Total)
	b.WriteString("\nThank you for shopping with us!")
	return b.String()
}
