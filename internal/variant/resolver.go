package variant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAxis       = errors.New("unknown variation axis")
	ErrUnknownValue      = errors.New("value is not offered on this axis")
	ErrAxisOutOfOrder    = errors.New("earlier axes must be selected first")
	ErrNoMatchingVariant = errors.New("no variant exists for this combination")
	ErrAmbiguousVariants = errors.New("two variants share the same option combination")
	ErrInvalidVariant    = errors.New("variant options do not match the product axes")
	ErrNotVariable       = errors.New("product has no variations")
)

// IncompleteSelectionError lists the axes still missing a value, in axis order.
type IncompleteSelectionError struct {
	Missing []string
}

func (e *IncompleteSelectionError) Error() string {
	return "selection incomplete, missing: " + strings.Join(e.Missing, ", ")
}

// Selection maps axis name to the chosen value. Treat it as immutable;
// Select returns a new one.
type Selection map[string]string

func (s Selection) clone() Selection {
	out := make(Selection, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ValueState describes one candidate value on an axis.
type ValueState struct {
	Value string `json:"value"`
	// Selectable is false until every earlier axis has a value.
	Selectable bool `json:"selectable"`
	// Available reports whether some variant matches the earlier selections
	// together with this value.
	Available bool `json:"available"`
	Selected  bool `json:"selected"`
}

type AxisView struct {
	Name   string       `json:"name"`
	Values []ValueState `json:"values"`
}

// Display is everything the product page renders for a selection. All
// purchasable fields come either from the resolved variant or from the
// product, never a mix of both.
type Display struct {
	ProductID    string           `json:"product_id"`
	VariantID    string           `json:"variant_id,omitempty"`
	Resolved     bool             `json:"resolved"`
	Price        decimal.Decimal  `json:"price"`
	ComparePrice *decimal.Decimal `json:"compare_price,omitempty"`
	SKU          string           `json:"sku"`
	Stock        int              `json:"stock"`
	Images       []string         `json:"images"`
	Axes         []AxisView       `json:"axes"`
	Missing      []string         `json:"missing,omitempty"`
	NoMatch      bool             `json:"no_match"`
}

type Resolver struct {
	product *domain.Product
	byCombo map[string]*domain.VariantProduct
}

// NewResolver indexes the product's variants by full option combination and
// rejects catalogs where a combination maps to more than one variant.
func NewResolver(p *domain.Product) (*Resolver, error) {
	r := &Resolver{product: p, byCombo: make(map[string]*domain.VariantProduct, len(p.Variants))}
	for i := range p.Variants {
		v := &p.Variants[i]
		if err := r.checkVariant(v); err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.ID, err)
		}
		key := r.comboKey(v.Options)
		if prev, ok := r.byCombo[key]; ok {
			return nil, fmt.Errorf("variants %s and %s: %w", prev.ID, v.ID, ErrAmbiguousVariants)
		}
		r.byCombo[key] = v
	}
	return r, nil
}

func (r *Resolver) Product() *domain.Product {
	return r.product
}

func (r *Resolver) checkVariant(v *domain.VariantProduct) error {
	if v.ProductID != r.product.ID {
		return domain.ErrVariantMismatch
	}
	if len(v.Options) != len(r.product.Options) {
		return ErrInvalidVariant
	}
	for _, axis := range r.product.Options {
		val, ok := v.Options[axis.Name]
		if !ok || !offers(axis, val) {
			return ErrInvalidVariant
		}
	}
	return nil
}

func (r *Resolver) comboKey(opts map[string]string) string {
	parts := make([]string, len(r.product.Options))
	for i, axis := range r.product.Options {
		parts[i] = opts[axis.Name]
	}
	return strings.Join(parts, "\x1f")
}

func offers(axis domain.VariationOption, value string) bool {
	for _, v := range axis.Values {
		if v == value {
			return true
		}
	}
	return false
}

// reachable reports whether some variant agrees with sel on every axis in
// the index range [0, upto].
func (r *Resolver) reachable(sel Selection, upto int) bool {
	for i := range r.product.Variants {
		if r.matchesPrefix(&r.product.Variants[i], sel, upto) {
			return true
		}
	}
	return false
}

func (r *Resolver) matchesPrefix(v *domain.VariantProduct, sel Selection, upto int) bool {
	for k := 0; k <= upto; k++ {
		name := r.product.Options[k].Name
		want, ok := sel[name]
		if !ok {
			continue
		}
		if v.Options[name] != want {
			return false
		}
	}
	return true
}

// Select sets axis to value and clears downstream axes that are no longer
// reachable from a variant consistent with the earlier ones. Once an axis
// is cleared every later axis is cleared too, keeping the left-to-right
// fill order.
func (r *Resolver) Select(sel Selection, axis, value string) (Selection, error) {
	i := r.product.AxisIndex(axis)
	if i < 0 {
		return sel, fmt.Errorf("%q: %w", axis, ErrUnknownAxis)
	}
	if !offers(r.product.Options[i], value) {
		return sel, fmt.Errorf("%s=%q: %w", axis, value, ErrUnknownValue)
	}
	for k := 0; k < i; k++ {
		if _, ok := sel[r.product.Options[k].Name]; !ok {
			return sel, fmt.Errorf("%s before %s: %w", r.product.Options[k].Name, axis, ErrAxisOutOfOrder)
		}
	}

	next := sel.clone()
	next[axis] = value

	cleared := false
	for j := i + 1; j < len(r.product.Options); j++ {
		name := r.product.Options[j].Name
		if _, ok := next[name]; !ok {
			cleared = true
			continue
		}
		if cleared || !r.reachable(next, j) {
			delete(next, name)
			cleared = true
		}
	}
	return next, nil
}

// Clear removes the value on axis and every axis after it.
func (r *Resolver) Clear(sel Selection, axis string) (Selection, error) {
	i := r.product.AxisIndex(axis)
	if i < 0 {
		return sel, fmt.Errorf("%q: %w", axis, ErrUnknownAxis)
	}
	next := sel.clone()
	for j := i; j < len(r.product.Options); j++ {
		delete(next, r.product.Options[j].Name)
	}
	return next, nil
}

func (r *Resolver) Availability(sel Selection, axis string) ([]ValueState, error) {
	i := r.product.AxisIndex(axis)
	if i < 0 {
		return nil, fmt.Errorf("%q: %w", axis, ErrUnknownAxis)
	}
	return r.availability(sel, i), nil
}

func (r *Resolver) availability(sel Selection, i int) []ValueState {
	opt := r.product.Options[i]
	selectable := true
	prefix := make(Selection, i+1)
	for k := 0; k < i; k++ {
		name := r.product.Options[k].Name
		v, ok := sel[name]
		if !ok {
			selectable = false
			continue
		}
		prefix[name] = v
	}

	states := make([]ValueState, len(opt.Values))
	for n, val := range opt.Values {
		prefix[opt.Name] = val
		states[n] = ValueState{
			Value:      val,
			Selectable: selectable,
			Available:  r.reachable(prefix, i),
			Selected:   sel[opt.Name] == val,
		}
	}
	return states
}

// Resolve returns the variant matching a complete selection. An incomplete
// selection yields *IncompleteSelectionError; a complete one with no
// variant yields ErrNoMatchingVariant.
func (r *Resolver) Resolve(sel Selection) (*domain.VariantProduct, error) {
	if len(r.product.Options) == 0 {
		return nil, ErrNotVariable
	}
	var missing []string
	for _, axis := range r.product.Options {
		if _, ok := sel[axis.Name]; !ok {
			missing = append(missing, axis.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &IncompleteSelectionError{Missing: missing}
	}
	v, ok := r.byCombo[r.comboKey(sel)]
	if !ok {
		return nil, ErrNoMatchingVariant
	}
	return v, nil
}

// View derives the full display state for sel in one pass.
func (r *Resolver) View(sel Selection) Display {
	p := r.product
	d := Display{
		ProductID: p.ID,
		Axes:      make([]AxisView, len(p.Options)),
	}
	for i, opt := range p.Options {
		d.Axes[i] = AxisView{Name: opt.Name, Values: r.availability(sel, i)}
	}

	v, err := r.Resolve(sel)
	var incomplete *IncompleteSelectionError
	switch {
	case err == nil:
		d.Resolved = true
		d.VariantID = v.ID
		d.Price = v.Price
		d.ComparePrice = v.ComparePrice
		d.SKU = v.SKU
		d.Stock = v.Stock
		d.Images = append([]string(nil), v.Images...)
		return d
	case errors.As(err, &incomplete):
		d.Missing = incomplete.Missing
	case errors.Is(err, ErrNoMatchingVariant):
		d.NoMatch = true
	}

	d.Price = p.Price
	d.ComparePrice = p.ComparePrice
	d.SKU = p.SKU
	d.Stock = p.Stock
	d.Images = append([]string(nil), p.Images...)
	return d
}

// Line builds the cart line for the current selection. Plain products
// ignore the selection.
func (r *Resolver) Line(sel Selection) (domain.CartLine, error) {
	if len(r.product.Options) == 0 {
		return domain.NewPlainLine(r.product)
	}
	v, err := r.Resolve(sel)
	if err != nil {
		return domain.CartLine{}, err
	}
	return domain.NewVariantLine(r.product, v)
}
