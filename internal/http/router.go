package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Products  *ProductHandler
	Carts     *CartHandler
	Addresses *AddressHandler
	Checkouts *CheckoutHandler
	// Gateway is mounted under /gateway when set.
	Gateway        http.Handler
	RequestTimeout time.Duration
	MaxBodySize    int64
	Log            *zap.Logger
}

func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}
	if d.MaxBodySize > 0 {
		r.Use(middleware.RequestSize(d.MaxBodySize))
	}

	resp := responder{log: d.Log}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		resp.json(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if d.Gateway != nil {
		r.Mount("/gateway", d.Gateway)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SessionMiddleware)

		r.Route("/products/{product_id}", func(r chi.Router) {
			r.Get("/", d.Products.View)
			r.Get("/variant", d.Products.Resolve)
			r.Post("/select", d.Products.Select)
			r.Post("/clear", d.Products.Clear)
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/login", d.Carts.Login)
			r.Post("/logout", d.Carts.Logout)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", d.Carts.GetCart)
			r.Post("/items", d.Carts.AddItem)
			r.Post("/items/{line_id}/increase", d.Carts.Increase)
			r.Post("/items/{line_id}/decrease", d.Carts.Decrease)
			r.Delete("/items/{line_id}", d.Carts.RemoveItem)
		})

		r.Route("/addresses", func(r chi.Router) {
			r.Get("/", d.Addresses.List)
			r.Post("/", d.Addresses.Create)
			r.Put("/{address_id}", d.Addresses.Update)
			r.Delete("/{address_id}", d.Addresses.Delete)
			r.Post("/{address_id}/default", d.Addresses.SetDefault)
		})

		r.Route("/checkout", func(r chi.Router) {
			r.Get("/", d.Checkouts.Get)
			r.Post("/", d.Checkouts.Begin)
			r.Delete("/", d.Checkouts.Close)
			r.Post("/buy-now", d.Checkouts.BuyNow)
			r.Post("/address", d.Checkouts.SelectAddress)
			r.Post("/guest-address", d.Checkouts.GuestAddress)
			r.Post("/billing", d.Checkouts.BillingAddress)
			r.Post("/requote", d.Checkouts.Requote)
			r.Post("/carrier", d.Checkouts.SelectCarrier)
			r.Post("/discount", d.Checkouts.ApplyDiscount)
			r.Post("/place", d.Checkouts.PlaceOrder)
			r.Post("/retry", d.Checkouts.Retry)
			r.Post("/abandon", d.Checkouts.Abandon)
		})
	})

	return r
}
