package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fjod/go_storefront/internal/catalog"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/variant"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProductHandler serves variant selection for the product page. Resolvers
// are cached per product until Reload drops them.
type ProductHandler struct {
	catalog catalog.Catalog
	timeout time.Duration
	resp    responder

	sfg       singleflight.Group
	mu        sync.RWMutex
	resolvers map[string]*variant.Resolver
}

func NewProductHandler(c catalog.Catalog, timeout time.Duration, log *zap.Logger) *ProductHandler {
	return &ProductHandler{
		catalog:   c,
		timeout:   timeout,
		resp:      responder{log: log},
		resolvers: make(map[string]*variant.Resolver),
	}
}

type SelectRequestDTO struct {
	Selection variant.Selection `json:"selection"`
	Axis      string            `json:"axis"`
	Value     string            `json:"value"`
}

type ClearRequestDTO struct {
	Selection variant.Selection `json:"selection"`
	Axis      string            `json:"axis"`
}

type SelectionResponse struct {
	Selection variant.Selection `json:"selection"`
	Display   variant.Display   `json:"display"`
}

// Reload forgets cached resolvers so stock and prices are read again.
func (h *ProductHandler) Reload(context.Context) error {
	h.mu.Lock()
	h.resolvers = make(map[string]*variant.Resolver)
	h.mu.Unlock()
	return nil
}

func (h *ProductHandler) resolver(ctx context.Context, productID string) (*variant.Resolver, error) {
	h.mu.RLock()
	r, ok := h.resolvers[productID]
	h.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := h.sfg.Do(productID, func() (interface{}, error) {
		p, err := h.catalog.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		r, err := variant.NewResolver(p)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.resolvers[productID] = r
		h.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*variant.Resolver), nil
}

// View renders the product page state for the selection passed as query
// parameters, one per axis.
func (h *ProductHandler) View(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.resolver(ctx, chi.URLParam(r, "product_id"))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	sel := selectionFromQuery(res.Product(), r)
	h.resp.json(w, http.StatusOK, SelectionResponse{Selection: sel, Display: res.View(sel)})
}

func (h *ProductHandler) Select(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SelectRequestDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	res, err := h.resolver(ctx, chi.URLParam(r, "product_id"))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	sel, err := res.Select(req.Selection, req.Axis, req.Value)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, SelectionResponse{Selection: sel, Display: res.View(sel)})
}

func (h *ProductHandler) Clear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ClearRequestDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	res, err := h.resolver(ctx, chi.URLParam(r, "product_id"))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	sel, err := res.Clear(req.Selection, req.Axis)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, SelectionResponse{Selection: sel, Display: res.View(sel)})
}

// Resolve returns the variant for a complete selection, or the reason there
// is none.
func (h *ProductHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.resolver(ctx, chi.URLParam(r, "product_id"))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	v, err := res.Resolve(selectionFromQuery(res.Product(), r))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, v)
}

// Line builds the cart line for an item request: an explicit variant id,
// a selection to resolve, or a plain product.
func (h *ProductHandler) Line(ctx context.Context, item ItemDTO) (domain.CartLine, error) {
	res, err := h.resolver(ctx, item.ProductID)
	if err != nil {
		return domain.CartLine{}, err
	}
	p := res.Product()
	if item.VariantID != "" {
		v, ok := p.Variant(item.VariantID)
		if !ok {
			return domain.CartLine{}, catalog.ErrVariantNotFound
		}
		return domain.NewVariantLine(p, v)
	}
	return res.Line(item.Selection)
}

func selectionFromQuery(p *domain.Product, r *http.Request) variant.Selection {
	q := r.URL.Query()
	sel := make(variant.Selection, len(p.Options))
	for _, opt := range p.Options {
		if v := q.Get(opt.Name); v != "" {
			sel[opt.Name] = v
		}
	}
	return sel
}
