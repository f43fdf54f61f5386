package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_storefront/internal/address"
	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/catalog"
	"github.com/fjod/go_storefront/internal/checkout"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/variant"
	"github.com/fjod/go_storefront/pkg/logger"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error    string            `json:"error"`
	Code     string            `json:"code,omitempty"`
	Details  string            `json:"details,omitempty"`
	NextStep string            `json:"next_step,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type responder struct {
	log *zap.Logger
}

func (rs responder) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rs.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (rs responder) error(w http.ResponseWriter, status int, code, message string) {
	rs.json(w, status, ErrorResponse{Error: message, Code: code})
}

// fail converts a component error into a status code and a body that always
// names an actionable next step.
func (rs responder) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describe(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), rs.log).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	rs.json(w, status, body)
}

func describe(err error) (int, ErrorResponse) {
	var (
		incomplete *variant.IncompleteSelectionError
		mutation   *cart.MutationError
		invalid    *address.ValidationError
		checkErr   *checkout.CheckoutError
	)

	switch {
	case errors.As(err, &checkErr):
		return checkoutStatus(checkErr), ErrorResponse{
			Error:    checkErr.Reason,
			Code:     "checkout_blocked",
			Details:  checkErr.Reference,
			NextStep: string(checkErr.NextStep),
			Fields:   checkErr.Fields,
		}
	case errors.Is(err, checkout.ErrClosed):
		return http.StatusGone, ErrorResponse{
			Error:    err.Error(),
			Code:     "checkout_closed",
			NextStep: "start a new checkout",
		}
	case errors.As(err, &incomplete):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:    err.Error(),
			Code:     "incomplete_selection",
			NextStep: "select a value for every option",
		}
	case errors.Is(err, variant.ErrNoMatchingVariant):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:    err.Error(),
			Code:     "no_matching_variant",
			NextStep: "choose a different combination",
		}
	case errors.Is(err, variant.ErrAxisOutOfOrder):
		return http.StatusConflict, ErrorResponse{
			Error:    err.Error(),
			Code:     "axis_out_of_order",
			NextStep: "select the earlier options first",
		}
	case errors.Is(err, variant.ErrUnknownAxis), errors.Is(err, variant.ErrUnknownValue),
		errors.Is(err, variant.ErrNotVariable):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_selection"}
	case errors.Is(err, catalog.ErrProductNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "product_not_found"}
	case errors.Is(err, catalog.ErrVariantNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error:    err.Error(),
			Code:     "variant_not_found",
			NextStep: "choose a different combination",
		}
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:    err.Error(),
			Code:     "invalid_address",
			NextStep: "correct the highlighted fields",
			Fields:   invalid.Fields,
		}
	case errors.Is(err, address.ErrAddressNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "address_not_found"}
	case errors.Is(err, address.ErrTooManyAddresses):
		return http.StatusConflict, ErrorResponse{
			Error:    err.Error(),
			Code:     "address_limit",
			NextStep: "delete an address you no longer use",
		}
	case errors.As(err, &mutation):
		return mutationStatus(mutation)
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidLine),
		errors.Is(err, domain.ErrVariantRequired), errors.Is(err, domain.ErrVariantMismatch):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_item"}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Error:    "internal server error",
		Code:     "internal_error",
		NextStep: "retry",
	}
}

func mutationStatus(e *cart.MutationError) (int, ErrorResponse) {
	body := ErrorResponse{Error: e.Error(), Details: e.LineID}
	switch {
	case errors.Is(e, cart.ErrLineBusy):
		body.Code = "line_busy"
		body.NextStep = "wait for the previous change to finish"
		return http.StatusConflict, body
	case errors.Is(e, cart.ErrLineNotFound):
		body.Code = "line_not_found"
		body.NextStep = "reload the cart"
		return http.StatusNotFound, body
	case !e.Retryable:
		body.Code = "invalid_item"
		return http.StatusBadRequest, body
	}
	body.Code = "cart_unavailable"
	body.NextStep = "retry"
	return http.StatusServiceUnavailable, body
}

func checkoutStatus(e *checkout.CheckoutError) int {
	switch e.NextStep {
	case checkout.NextContactSupport:
		return http.StatusPaymentRequired
	case checkout.NextFixAddress:
		return http.StatusUnprocessableEntity
	case checkout.NextRetry:
		if e.Err == nil || errors.Is(e.Err, checkout.ErrNotStarted) || errors.Is(e.Err, checkout.ErrNothingToRetry) {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusConflict
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
