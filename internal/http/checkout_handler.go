package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_storefront/internal/checkout"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/pkg/logger"
	"go.uber.org/zap"
)

type CheckoutHandler struct {
	sessions *Sessions
	lines    LineBuilder
	timeout  time.Duration
	resp     responder
}

func NewCheckoutHandler(sessions *Sessions, lines LineBuilder, timeout time.Duration, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		sessions: sessions,
		lines:    lines,
		timeout:  timeout,
		resp:     responder{log: log},
	}
}

type AddressRefDTO struct {
	AddressID string `json:"address_id"`
}

type CarrierDTO struct {
	CarrierID string `json:"carrier_id"`
}

type DiscountDTO struct {
	Code string `json:"code"`
}

// CheckoutResponse carries the checkout view on success and failure alike,
// so the page can render pending and disabled controls either way.
type CheckoutResponse struct {
	Checkout checkout.View  `json:"checkout"`
	Error    *ErrorResponse `json:"error,omitempty"`
}

func (h *CheckoutHandler) render(w http.ResponseWriter, r *http.Request, v checkout.View, err error) {
	if err == nil {
		h.resp.json(w, http.StatusOK, CheckoutResponse{Checkout: v})
		return
	}
	status, body := describe(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.FromContext(r.Context(), h.resp.log).Error("checkout request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.resp.json(w, status, CheckoutResponse{Checkout: v, Error: &body})
}

func (h *CheckoutHandler) orchestrator(r *http.Request) *checkout.Orchestrator {
	return h.sessions.Checkout(identityFrom(r.Context()))
}

func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, h.orchestrator(r).Snapshot(), nil)
}

func (h *CheckoutHandler) Begin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := h.orchestrator(r).Begin(ctx)
	h.render(w, r, v, err)
}

// BuyNow checks out one item in a temporary cart, leaving the persistent
// cart untouched.
func (h *CheckoutHandler) BuyNow(w http.ResponseWriter, r *http.Request) {
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

	v, err := h.orchestrator(r).BeginBuyNow(ctx, line, req.Quantity)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) SelectAddress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddressRefDTO
	if err := decode(r, &req); err != nil || req.AddressID == "" {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "address_id is required")
		return
	}
	v, err := h.orchestrator(r).SelectAddress(ctx, req.AddressID)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) GuestAddress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var form domain.Address
	if err := decode(r, &form); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	v, err := h.orchestrator(r).SubmitGuestAddress(ctx, form)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) BillingAddress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddressRefDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	v, err := h.orchestrator(r).SetBillingAddress(ctx, req.AddressID)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) Requote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := h.orchestrator(r).Requote(ctx)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) SelectCarrier(w http.ResponseWriter, r *http.Request) {
	var req CarrierDTO
	if err := decode(r, &req); err != nil || req.CarrierID == "" {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "carrier_id is required")
		return
	}
	v, err := h.orchestrator(r).SelectCarrier(req.CarrierID)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req DiscountDTO
	if err := decode(r, &req); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	v, err := h.orchestrator(r).ApplyDiscount(ctx, req.Code)
	h.render(w, r, v, err)
}

// PlaceOrder opens the payment. The gateway outcome arrives later through
// the gateway callback; poll Get for the resulting state.
func (h *CheckoutHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := h.orchestrator(r).PlaceOrder(ctx)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := h.orchestrator(r).Retry(ctx)
	h.render(w, r, v, err)
}

func (h *CheckoutHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := h.orchestrator(r).Abandon(ctx)
	h.render(w, r, v, err)
}

// Close ends the checkout, discarding a buy-now cart and any unpaid order.
func (h *CheckoutHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.sessions.CloseCheckout(ctx, identityFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
