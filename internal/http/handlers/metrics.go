package handlers

import "net/http"

// PrometheusMetrics serves the collector registry. It answers 404 when
// metrics are disabled.
func (a *App) PrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	a.Metrics.Handler().ServeHTTP(w, r)
}
