package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Totals is the money breakdown shown before placing an order.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// ComputeTotals applies a percentage discount to the subtotal only. The total
// never goes below the shipping amount.
func ComputeTotals(lines []CartLine, shipping decimal.Decimal, discountPercent int, currency string) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal())
	}

	pct := discountPercent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	discount := subtotal.Mul(decimal.NewFromInt(int64(pct))).Div(hundred).Round(2)

	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal.Sub(discount).Add(shipping),
		Currency: currency,
	}
}

type CartSnapshotItem struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// CartSnapshot is the cart as priced at checkout time.
type CartSnapshot struct {
	CartID     string             `json:"cart_id"`
	Items      []CartSnapshotItem `json:"items"`
	Totals     Totals             `json:"totals"`
	CapturedAt time.Time          `json:"captured_at"`
}

func NewCartSnapshot(cartID string, lines []CartLine, totals Totals, at time.Time) CartSnapshot {
	items := make([]CartSnapshotItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, CartSnapshotItem{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Title:     l.Title,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Subtotal:  l.Subtotal(),
		})
	}
	return CartSnapshot{CartID: cartID, Items: items, Totals: totals, CapturedAt: at}
}
