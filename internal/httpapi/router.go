// Package httpapi exposes the HTTP collaborators of the cart server:
// cart binding, checkout, payment confirmation, history, health, metrics
// and the socket endpoint.
package httpapi

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	Cart           *CartHandler
	Checkout       *CheckoutHandler
	Verifier       auth.Verifier
	Socket         http.Handler
	Metrics        http.Handler
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(CorrelationID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	// the socket authenticates itself at upgrade and must not be buffered
	if cfg.Socket != nil {
		r.Handle("/ws", cfg.Socket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(auth.Middleware(cfg.Verifier))

		r.Post("/cart/connect", cfg.Cart.Connect)
		r.Get("/history", cfg.Cart.History)
		r.Route("/api", func(r chi.Router) {
			r.Post("/checkout", cfg.Checkout.InitiateCheckout)
			r.Post("/confirm-payment", cfg.Checkout.ConfirmPayment)
		})
	})

	return otelhttp.NewHandler(r, "cartsync-http")
}
