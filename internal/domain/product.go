package domain

import "github.com/shopspring/decimal"

// VariationOption is one axis of variation, e.g. Size with values S, M, L.
type VariationOption struct {
	Name   string   `json:"name" bson:"name"`
	Values []string `json:"values" bson:"values"`
}

type Product struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Brand        string            `json:"brand"`
	Price        decimal.Decimal   `json:"price"`
	ComparePrice *decimal.Decimal  `json:"compare_price,omitempty"`
	SKU          string            `json:"sku"`
	Stock        int               `json:"stock"`
	Images       []string          `json:"images"`
	Options      []VariationOption `json:"options"`
	Variants     []VariantProduct  `json:"variants"`
}

// VariantProduct is a concrete purchasable combination of axis values.
type VariantProduct struct {
	ID           string            `json:"id"`
	ProductID    string            `json:"product_id"`
	Price        decimal.Decimal   `json:"price"`
	ComparePrice *decimal.Decimal  `json:"compare_price,omitempty"`
	SKU          string            `json:"sku"`
	Stock        int               `json:"stock"`
	Images       []string          `json:"images"`
	Options      map[string]string `json:"options"`
}

// HasVariants reports whether the product must be bought through a variant.
func (p *Product) HasVariants() bool {
	return len(p.Options) > 0 && len(p.Variants) > 0
}

// Variant returns the variant with the given id.
func (p *Product) Variant(id string) (*VariantProduct, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// AxisIndex returns the position of the named axis, or -1.
func (p *Product) AxisIndex(name string) int {
	for i, o := range p.Options {
		if o.Name == name {
			return i
		}
	}
	return -1
}
