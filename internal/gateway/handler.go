package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Routes exposes the hosted gateway: readiness, order lookup and the
// callback the payment page posts its outcome to.
func (r *Registry) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/ready", r.handleReady)
	router.Get("/orders/{ref}", r.handleOrder)
	router.Post("/orders/{ref}/callback", r.handleCallback)
	return router
}

func (r *Registry) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.Ready() {
		r.respond(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	r.respond(w, http.StatusOK, map[string]bool{"ready": true})
}

func (r *Registry) handleOrder(w http.ResponseWriter, req *http.Request) {
	o, ok := r.Order(chi.URLParam(req, "ref"))
	if !ok {
		r.respond(w, http.StatusNotFound, map[string]string{"error": ErrUnknownOrder.Error()})
		return
	}
	r.respond(w, http.StatusOK, o)
}

type callbackResponse struct {
	Outcome string `json:"outcome"`
	Result  Result `json:"result"`
}

func (r *Registry) handleCallback(w http.ResponseWriter, req *http.Request) {
	var outcome Outcome
	if err := json.NewDecoder(req.Body).Decode(&outcome); err != nil {
		r.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	res, err := r.Resolve(chi.URLParam(req, "ref"), outcome)
	switch {
	case errors.Is(err, ErrUnknownOrder):
		r.respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNoSession):
		r.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		r.respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		r.respond(w, http.StatusOK, callbackResponse{Outcome: outcome.Kind, Result: res})
	}
}

func (r *Registry) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		r.log.Warn("failed to encode gateway response", zap.Error(err))
	}
}
