package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"batchgen/internal/http/handlers"
	"batchgen/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		middleware.RequestID(app.Logger),
		chimw.Recoverer,
		middleware.Logger(app.Logger, app.Metrics),
		middleware.I18N("en", app.Country),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Get("/metrics", app.PrometheusMetrics)
	r.Post("/v1/providers/callback", app.ProviderCallback)

	if cfg := app.Config; cfg != nil && cfg.StorageDriver == "file" && cfg.StoragePath != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", noListing(http.FileServer(http.Dir(cfg.StoragePath)))))
	}

	secret, perMinute := "", 0
	if app.Config != nil {
		secret, perMinute = app.Config.JWTSecret, app.Config.RateLimitPerMin
	}
	limit := middleware.RateLimit(perMinute, time.Minute)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(secret))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.With(limit).Post("/", app.SubmitJob)
			r.Get("/{id}", app.GetJob)
			r.Get("/{id}/assets", app.JobAssets)
			r.Post("/{id}/cancel", app.CancelJob)
		})
		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/balance", app.CreditBalance)
			r.Get("/transactions", app.CreditTransactions)
		})
	})

	return r
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
