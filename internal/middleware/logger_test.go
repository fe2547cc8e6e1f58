package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type observed struct {
	method, route string
	status        int
}

type recordingObserver struct{ calls []observed }

func (o *recordingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.calls = append(o.calls, observed{method, route, status})
}

func TestLoggerUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	obs := &recordingObserver{}

	r := chi.NewRouter()
	r.Use(RequestID(logger))
	r.Use(Logger(logger, obs))
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "rid-1" {
		t.Fatalf("request id not echoed: %q", rec.Header().Get("X-Request-ID"))
	}
	if len(obs.calls) != 1 || obs.calls[0] != (observed{http.MethodGet, "/v1/jobs/{id}", http.StatusTeapot}) {
		t.Fatalf("observer calls = %+v", obs.calls)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), buf.String())
	}
	var inner, access map[string]any
	if err := json.Unmarshal(lines[0], &inner); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(lines[1], &access); err != nil {
		t.Fatal(err)
	}
	if inner["request_id"] != "rid-1" {
		t.Fatalf("handler log missing request id: %v", inner)
	}
	if access["route"] != "/v1/jobs/{id}" || access["status"] != float64(http.StatusTeapot) || access["bytes"] != float64(2) {
		t.Fatalf("access log = %v", access)
	}
}

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	var seen string
	h := RequestID(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id %q, header %q", seen, rec.Header().Get("X-Request-ID"))
	}
}
