package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/variant"
	"github.com/fjod/go_storefront/pkg/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxQuantity = 99

// LineBuilder turns an item request into a priced cart line.
type LineBuilder interface {
	Line(ctx context.Context, item ItemDTO) (domain.CartLine, error)
}

type CartHandler struct {
	sessions *Sessions
	lines    LineBuilder
	timeout  time.Duration
	resp     responder
}

func NewCartHandler(sessions *Sessions, lines LineBuilder, timeout time.Duration, log *zap.Logger) *CartHandler {
	return &CartHandler{
		sessions: sessions,
		lines:    lines,
		timeout:  timeout,
		resp:     responder{log: log},
	}
}

// ItemDTO names what to buy. VariantID wins over Selection.
type ItemDTO struct {
	ProductID string            `json:"product_id"`
	VariantID string            `json:"variant_id,omitempty"`
	Selection variant.Selection `json:"selection,omitempty"`
	Quantity  int               `json:"quantity"`
}

type QuantityRequestDTO struct {
	Delta int `json:"delta"`
}

type LoginRequestDTO struct {
	UserID       string `json:"user_id"`
	TransitionID string `json:"transition_id,omitempty"`
}

func validItem(item ItemDTO) (string, string, bool) {
	if item.ProductID == "" {
		return "invalid_product_id", "product_id is required", false
	}
	if item.Quantity <= 0 || item.Quantity > maxQuantity {
		return "invalid_quantity", "quantity must be between 1 and 99", false
	}
	return "", "", true
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.sessions.Cart(identityFrom(r.Context())).Refresh(ctx)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, c)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ItemDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if code, msg, ok := validItem(req); !ok {
		h.resp.error(w, http.StatusBadRequest, code, msg)
		return
	}

	line, err := h.lines.Line(ctx, req)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	c, err := h.sessions.Cart(identityFrom(r.Context())).Add(ctx, line, req.Quantity)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusCreated, c)
}

func (h *CartHandler) Increase(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, true)
}

func (h *CartHandler) Decrease(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, false)
}

func (h *CartHandler) changeQuantity(w http.ResponseWriter, r *http.Request, up bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req QuantityRequestDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Delta <= 0 || req.Delta > maxQuantity {
		h.resp.error(w, http.StatusBadRequest, "invalid_quantity", "delta must be between 1 and 99")
		return
	}

	store := h.sessions.Cart(identityFrom(r.Context()))
	lineID := chi.URLParam(r, "line_id")
	var (
		c   *domain.Cart
		err error
	)
	if up {
		c, err = store.Increase(ctx, lineID, req.Delta)
	} else {
		c, err = store.Decrease(ctx, lineID, req.Delta)
	}
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, c)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.sessions.Cart(identityFrom(r.Context())).Remove(ctx, chi.URLParam(r, "line_id"))
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, c)
}

// Login merges the device's guest cart into the user's server cart.
func (h *CartHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req LoginRequestDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.UserID == "" {
		h.resp.error(w, http.StatusBadRequest, "invalid_user_id", "user_id is required")
		return
	}

	id := identityFrom(r.Context())
	res, err := h.sessions.Login(ctx, id.SessionID, req.UserID, req.TransitionID)
	if err != nil {
		logger.FromContext(r.Context(), h.resp.log).Warn("guest cart merge failed", zap.String("user_id", req.UserID), zap.Error(err))
		h.resp.json(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:    "your guest cart could not be merged yet",
			Code:     "merge_failed",
			NextStep: "retry",
		})
		return
	}
	h.resp.json(w, http.StatusOK, res)
}

func (h *CartHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	h.sessions.Logout(r.Context(), id.SessionID, id.UserID)
	w.WriteHeader(http.StatusNoContent)
}
