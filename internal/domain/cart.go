package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type CartKind string

const (
	CartGuest  CartKind = "guest"
	CartServer CartKind = "server"
)

// LineKind discriminates what a cart line refers to.
type LineKind string

const (
	LineVariant LineKind = "variant"
	LinePlain   LineKind = "plain"
)

var (
	ErrVariantRequired = errors.New("product has variations, a variant must be chosen")
	ErrVariantMismatch = errors.New("variant does not belong to product")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidLine     = errors.New("cart line is neither a variant line nor a plain line")
)

// LineKey identifies a line for deduplication: the variant id when the line
// refers to a variant, the product id otherwise.
type LineKey string

type CartLine struct {
	ID        string          `json:"id"`
	Kind      LineKind        `json:"kind"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Title     string          `json:"title"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

// NewVariantLine builds a line for a concrete variant of p.
func NewVariantLine(p *Product, v *VariantProduct) (CartLine, error) {
	if v == nil || v.ProductID != p.ID {
		return CartLine{}, ErrVariantMismatch
	}
	return CartLine{
		Kind:      LineVariant,
		ProductID: p.ID,
		VariantID: v.ID,
		Title:     p.Title,
		SKU:       v.SKU,
		UnitPrice: v.Price,
	}, nil
}

// NewPlainLine builds a line for a product without variations.
func NewPlainLine(p *Product) (CartLine, error) {
	if p.HasVariants() {
		return CartLine{}, ErrVariantRequired
	}
	return CartLine{
		Kind:      LinePlain,
		ProductID: p.ID,
		Title:     p.Title,
		SKU:       p.SKU,
		UnitPrice: p.Price,
	}, nil
}

func (l CartLine) Key() LineKey {
	if l.Kind == LineVariant {
		return LineKey("v:" + l.VariantID)
	}
	return LineKey("p:" + l.ProductID)
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Validate checks the discriminant agrees with the populated references.
func (l CartLine) Validate() error {
	switch l.Kind {
	case LineVariant:
		if l.VariantID == "" || l.ProductID == "" {
			return ErrInvalidLine
		}
	case LinePlain:
		if l.VariantID != "" || l.ProductID == "" {
			return ErrInvalidLine
		}
	default:
		return ErrInvalidLine
	}
	if l.Quantity < 1 {
		return ErrInvalidQuantity
	}
	return nil
}

type Cart struct {
	ID          string     `json:"id"`
	Kind        CartKind   `json:"kind"`
	UserID      string     `json:"user_id,omitempty"`
	Version     int64      `json:"version"`
	Lines       []CartLine `json:"lines"`
	MergeTokens []string   `json:"merge_tokens,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FindKey returns the index of the line with the given dedupe key.
func (c *Cart) FindKey(key LineKey) int {
	for i := range c.Lines {
		if c.Lines[i].Key() == key {
			return i
		}
	}
	return -1
}

// FindLine returns the index of the line with the given line id.
func (c *Cart) FindLine(lineID string) int {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c *Cart) ItemCount() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// HasMergeToken reports whether a guest merge with this token was applied.
func (c *Cart) HasMergeToken(token string) bool {
	for _, t := range c.MergeTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Lines = make([]CartLine, len(c.Lines))
	copy(out.Lines, c.Lines)
	out.MergeTokens = append([]string(nil), c.MergeTokens...)
	return &out
}
