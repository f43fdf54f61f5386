package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AddressBook is the user address service. *address.Service satisfies it.
type AddressBook interface {
	List(ctx context.Context, ownerID string) ([]domain.Address, error)
	Add(ctx context.Context, ownerID string, form domain.Address) (*domain.Address, error)
	Update(ctx context.Context, ownerID, id string, form domain.Address) (*domain.Address, error)
	Delete(ctx context.Context, ownerID, id string) error
	SetDefault(ctx context.Context, ownerID, id string) error
}

type AddressHandler struct {
	book    AddressBook
	timeout time.Duration
	resp    responder
}

func NewAddressHandler(book AddressBook, timeout time.Duration, log *zap.Logger) *AddressHandler {
	return &AddressHandler{book: book, timeout: timeout, resp: responder{log: log}}
}

func (h *AddressHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identityFrom(r.Context()).UserID
	if userID == "" {
		h.resp.error(w, http.StatusUnauthorized, "unauthorized", "sign in to manage saved addresses")
		return "", false
	}
	return userID, true
}

func (h *AddressHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	list, err := h.book.List(ctx, userID)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, list)
}

func (h *AddressHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var form domain.Address
	if err := decode(r, &form); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.book.Add(ctx, userID, form)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	if form.IsDefault && !a.IsDefault {
		if err := h.book.SetDefault(ctx, userID, a.ID); err != nil {
			h.resp.fail(w, r, err)
			return
		}
		a.IsDefault = true
	}
	h.resp.json(w, http.StatusCreated, a)
}

func (h *AddressHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var form domain.Address
	if err := decode(r, &form); err != nil {
		h.resp.error(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := h.book.Update(ctx, userID, chi.URLParam(r, "address_id"), form)
	if err != nil {
		h.resp.fail(w, r, err)
		return
	}
	h.resp.json(w, http.StatusOK, a)
}

func (h *AddressHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.book.Delete(ctx, userID, chi.URLParam(r, "address_id")); err != nil {
		h.resp.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AddressHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.book.SetDefault(ctx, userID, chi.URLParam(r, "address_id")); err != nil {
		h.resp.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
