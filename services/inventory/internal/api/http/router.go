package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformhealth "github.com/shestoi/GoBigTech/platform/health/http"
	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
)

const healthTimeout = 2 * time.Second

// NewRouter создаёт HTTP роутер сервиса резервирования.
// checks - проверки готовности зависимостей для /health (postgres, redis, mongo).
// metrics - handler для /metrics, nil если метрики не отдаются.
func NewRouter(handler *Handler, checks []platformhealth.Check, metrics http.Handler, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Observability: span на каждый запрос, logger с trace_id в контексте
	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("inventory", logger))
	}

	router.Route("/allocations", func(r chi.Router) {
		r.Post("/", handler.PostAllocations)
		r.Post("/commit", handler.PostAllocationsCommit)
	})

	router.Route("/reservations", func(r chi.Router) {
		r.Post("/", handler.PostReservations)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				handler.GetReservation(w, r, chi.URLParam(r, "sessionID"))
			})
			r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
				handler.GetHistory(w, r, chi.URLParam(r, "sessionID"))
			})
			r.Post("/confirm", func(w http.ResponseWriter, r *http.Request) {
				handler.PostConfirm(w, r, chi.URLParam(r, "sessionID"))
			})
			r.Post("/release", func(w http.ResponseWriter, r *http.Request) {
				handler.PostRelease(w, r, chi.URLParam(r, "sessionID"))
			})
			r.Post("/transfer", func(w http.ResponseWriter, r *http.Request) {
				handler.PostTransfer(w, r, chi.URLParam(r, "sessionID"))
			})
		})
	})

	router.Get("/stock/{kind}/{itemID}/availability", func(w http.ResponseWriter, r *http.Request) {
		handler.GetAvailability(w, r, chi.URLParam(r, "kind"), chi.URLParam(r, "itemID"))
	})

	// Health и metrics без трассировки бизнес-логики
	router.Get("/health", platformhealth.Handler(healthTimeout, checks...))
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	return router
}
