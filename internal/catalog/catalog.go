package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrVariantNotFound = errors.New("variant no longer offered")
)

type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// Pricer re-prices cart lines from the current catalog.
type Pricer struct {
	catalog Catalog
}

func NewPricer(c Catalog) *Pricer {
	return &Pricer{catalog: c}
}

// Line builds a fresh line for productID (and variantID when non-empty)
// with the catalog's current price.
func (p *Pricer) Line(ctx context.Context, productID, variantID string) (domain.CartLine, *domain.Product, error) {
	product, err := p.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.CartLine{}, nil, err
	}
	if variantID == "" {
		line, err := domain.NewPlainLine(product)
		return line, product, err
	}
	v, ok := product.Variant(variantID)
	if !ok {
		return domain.CartLine{}, product, fmt.Errorf("%s/%s: %w", productID, variantID, ErrVariantNotFound)
	}
	line, err := domain.NewVariantLine(product, v)
	return line, product, err
}

// Reprice returns copies of lines carrying current prices, titles and SKUs
// plus every line whose price moved. Products are fetched once each.
func (p *Pricer) Reprice(ctx context.Context, lines []domain.CartLine) ([]domain.CartLine, []cart.PriceChange, error) {
	products := make(map[string]*domain.Product)
	out := make([]domain.CartLine, len(lines))
	var changes []cart.PriceChange

	for i, l := range lines {
		product, ok := products[l.ProductID]
		if !ok {
			var err error
			product, err = p.catalog.GetProduct(ctx, l.ProductID)
			if err != nil {
				return nil, nil, fmt.Errorf("reprice %s: %w", l.ProductID, err)
			}
			products[l.ProductID] = product
		}

		price, sku, err := currentPrice(product, l)
		if err != nil {
			return nil, nil, err
		}
		if !price.Equal(l.UnitPrice) {
			changes = append(changes, cart.PriceChange{
				Key:       l.Key(),
				ProductID: l.ProductID,
				VariantID: l.VariantID,
				Old:       l.UnitPrice,
				New:       price,
			})
		}
		l.UnitPrice = price
		l.SKU = sku
		l.Title = product.Title
		out[i] = l
	}
	return out, changes, nil
}

func currentPrice(p *domain.Product, l domain.CartLine) (decimal.Decimal, string, error) {
	if l.Kind == domain.LineVariant {
		v, ok := p.Variant(l.VariantID)
		if !ok {
			return decimal.Zero, "", fmt.Errorf("%s/%s: %w", l.ProductID, l.VariantID, ErrVariantNotFound)
		}
		return v.Price, v.SKU, nil
	}
	if p.HasVariants() {
		return decimal.Zero, "", domain.ErrVariantRequired
	}
	return p.Price, p.SKU, nil
}
