package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/vbelyaev/shopcore/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware торгового ядра.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/cart/evaluate", h.EvaluateCart)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/{number}", h.GetOrder)

		r.Post("/inventory/adjust", h.AdjustInventory)

		r.Post("/promotions/usage", h.RecordUsage)
		r.Get("/promotions/{id}", h.GetPromotion)

		r.Get("/products/{id}", h.GetProduct)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
