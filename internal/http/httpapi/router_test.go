package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"batchgen/internal/adapter/memstore"
	"batchgen/internal/batch"
	"batchgen/internal/http/handlers"
	"batchgen/internal/http/httpapi"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/middleware"
	"batchgen/internal/plan"
	"batchgen/internal/providers/generation"
	"batchgen/internal/storage"
)

const (
	secret        = "test-secret"
	callbackToken = "cb-token"
)

type stubProvider struct{}

func (stubProvider) StartTask(_ context.Context, req generation.StartRequest) (string, error) {
	return "task-" + req.IdempotencyKey, nil
}

func (stubProvider) GetResult(context.Context, string) (generation.Result, error) {
	return generation.Result{State: generation.TaskProcessing}, nil
}

type env struct {
	t          *testing.T
	router     http.Handler
	store      *memstore.Store
	ledger     *ledger.Memory
	dispatcher *batch.Dispatcher
	cfg        *infra.Config
}

func newEnv(t *testing.T, mutate func(*infra.Config)) *env {
	t.Helper()
	cfg := &infra.Config{
		AppEnv:          "test",
		JWTSecret:       secret,
		CallbackToken:   callbackToken,
		RateLimitPerMin: 100,
		StorageDriver:   "file",
		StoragePath:     t.TempDir(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := infra.NopLogger()
	store := memstore.New()
	credits := ledger.NewMemory()
	catalog := plan.Default()
	collector := metrics.New()
	objects, err := storage.NewFileStore(cfg.StoragePath, "http://localhost/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	provider := stubProvider{}
	reconciler := batch.NewReconciler(batch.ReconcilerOptions{
		Store:    store,
		Ledger:   credits,
		Provider: provider,
		Objects:  objects,
		Fetcher:  storage.NewFetcher(nil, 5*time.Second),
		Archiver: batch.NewArchiver(store, objects, logger),
		Metrics:  collector,
		Logger:   logger,
	})
	app := &handlers.App{
		Config:    cfg,
		Logger:    logger,
		Jobs:      batch.NewService(store, store, catalog, logger),
		Credits:   credits,
		Callbacks: reconciler,
		Metrics:   collector,
	}
	return &env{
		t:      t,
		router: httpapi.NewRouter(app),
		store:  store,
		ledger: credits,
		dispatcher: batch.NewDispatcher(batch.DispatcherOptions{
			Store: store, Ledger: credits, Provider: provider, Catalog: catalog, Metrics: collector, Logger: logger,
		}),
		cfg: cfg,
	}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.SignJWT(secret, middleware.TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	return tok
}

func (e *env) do(method, path, user string, body any, header map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(e.t, user))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

type jobBody struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	TotalRows      int    `json:"total_rows"`
	ProcessedRows  int    `json:"processed_rows"`
	SuccessfulRows int    `json:"successful_rows"`
	OutputArchive  string `json:"output_archive_ref"`
}

type assetsBody struct {
	Items []struct {
		RowIndex int    `json:"row_index"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Asset    *struct {
			Status    string `json:"status"`
			PublicURL string `json:"public_url"`
		} `json:"asset"`
	} `json:"items"`
}

func submission(prompts ...string) map[string]any {
	rows := make([]map[string]any, 0, len(prompts))
	for _, p := range prompts {
		rows = append(rows, map[string]any{"prompt": p})
	}
	return map[string]any{"rows": rows, "source_file_ref": "uploads/catalog.csv"}
}

func TestJobLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	if rec := e.do(http.MethodPost, "/v1/jobs", "", submission("mug"), nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous submit: %d", rec.Code)
	}

	rec := e.do(http.MethodPost, "/v1/jobs", "user-1", submission("red mug", "blue mug"), map[string]string{"Accept-Language": "id-ID"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	job := decode[jobBody](t, rec)
	if job.Status != "pending" || job.TotalRows != 2 {
		t.Fatalf("job = %+v", job)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/jobs/"+job.ID {
		t.Fatalf("Location = %q", loc)
	}
	stored, err := e.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Options.Locale != "id" || stored.Metadata["country"] != "ID" {
		t.Fatalf("locale/country not captured: %+v %+v", stored.Options, stored.Metadata)
	}

	if rec := e.do(http.MethodGet, "/v1/jobs/"+job.ID, "user-2", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign read: %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/v1/jobs/not-a-uuid", "user-1", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("bad id: %d", rec.Code)
	}

	assets := decode[assetsBody](t, e.do(http.MethodGet, "/v1/jobs/"+job.ID+"/assets", "user-1", nil, nil))
	if len(assets.Items) != 2 || assets.Items[0].Status != "pending" || assets.Items[0].Asset != nil {
		t.Fatalf("assets = %+v", assets)
	}

	rec = e.do(http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "user-1", nil, nil)
	if rec.Code != http.StatusOK || decode[jobBody](t, rec).Status != "cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "user-1", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}
}

func TestSubmitValidationProblems(t *testing.T) {
	e := newEnv(t, nil)
	body := map[string]any{"rows": []map[string]any{
		{"row_index": 1, "prompt": "ok"},
		{"row_index": 1, "prompt": "dup"},
		{"row_index": 2, "prompt": "  "},
		{"row_index": 3, "prompt": "x", "mode": "hologram"},
	}}
	rec := e.do(http.MethodPost, "/v1/jobs", "user-1", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Error    string `json:"error"`
		Problems []struct {
			RowIndex int    `json:"row_index"`
			Field    string `json:"field"`
		} `json:"problems"`
	}](t, rec)
	if resp.Error != "validation_failed" || len(resp.Problems) < 3 {
		t.Fatalf("problems = %+v", resp)
	}

	oversize := make([]string, 11)
	for i := range oversize {
		oversize[i] = "mug"
	}
	if rec := e.do(http.MethodPost, "/v1/jobs", "user-1", submission(oversize...), nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("free tier over max batch size: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"rows": [`))
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	bad := httptest.NewRecorder()
	e.router.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", bad.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	e := newEnv(t, func(c *infra.Config) { c.RateLimitPerMin = 1 })
	if rec := e.do(http.MethodPost, "/v1/jobs", "user-1", submission("mug"), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/v1/jobs", "user-1", submission("mug"), nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/v1/credits/balance", "user-1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("reads are not rate limited: %d", rec.Code)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.ledger.Earn(ctx, "user-1", 30, "grant-1", "promo"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ledger.ReserveOrCharge(ctx, ledger.ChargeRequest{UserID: "user-1", Amount: 5, Reference: "job:1", Source: "batch_generation"}); err != nil {
		t.Fatal(err)
	}

	bal := decode[ledger.Balance](t, e.do(http.MethodGet, "/v1/credits/balance", "user-1", nil, nil))
	if bal.Available != 25 || bal.TotalEarned != 30 || bal.TotalSpent != 5 {
		t.Fatalf("balance = %+v", bal)
	}

	txs := decode[struct {
		Items []struct {
			Type      string `json:"type"`
			Reference string `json:"reference"`
		} `json:"items"`
	}](t, e.do(http.MethodGet, "/v1/credits/transactions?limit=1", "user-1", nil, nil))
	if len(txs.Items) != 1 || txs.Items[0].Type != "spend" || txs.Items[0].Reference != "job:1" {
		t.Fatalf("transactions = %+v", txs)
	}
	if rec := e.do(http.MethodGet, "/v1/credits/transactions?limit=-2", "user-1", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: %d", rec.Code)
	}
}

func TestProviderCallbackCompletesRow(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	output := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer output.Close()

	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.ledger.Earn(ctx, "user-1", 10, "grant-1", "promo"); err != nil {
		t.Fatal(err)
	}
	job := decode[jobBody](t, e.do(http.MethodPost, "/v1/jobs", "user-1", submission("red mug"), nil))
	claimed, err := e.store.ClaimJob(ctx, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimJob: %v %v", claimed, err)
	}
	if err := e.dispatcher.Dispatch(ctx, claimed); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	taskID := "task-" + ledger.ChargeReference(job.ID, 1)

	cb := map[string]any{"task_id": taskID, "status": "SUCCEEDED", "output_url": output.URL + "/out.png"}
	if rec := e.do(http.MethodPost, "/v1/providers/callback", "", cb, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	hdr := map[string]string{"X-Callback-Token": callbackToken}
	unknown := map[string]any{"task_id": "task-nope", "status": "failed"}
	if rec := e.do(http.MethodPost, "/v1/providers/callback", "", unknown, hdr); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task: %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/v1/providers/callback", "", cb, hdr); rec.Code != http.StatusAccepted {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(http.MethodPost, "/v1/providers/callback", "", cb, hdr); rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate callback: %d", rec.Code)
	}

	got := decode[jobBody](t, e.do(http.MethodGet, "/v1/jobs/"+job.ID, "user-1", nil, nil))
	if got.Status != "completed" || got.SuccessfulRows != 1 || got.OutputArchive == "" {
		t.Fatalf("job = %+v", got)
	}
	assets := decode[assetsBody](t, e.do(http.MethodGet, "/v1/jobs/"+job.ID+"/assets", "user-1", nil, nil))
	item := assets.Items[0]
	if item.Status != "completed" || item.Progress != 100 || item.Asset == nil || item.Asset.Status != "completed" {
		t.Fatalf("asset item = %+v", item)
	}
	if bal, _ := e.ledger.Balance(ctx, "user-1"); bal.Available != 9 {
		t.Fatalf("balance = %+v, want one credit spent", bal)
	}

	static := e.do(http.MethodGet, "/static/generated/"+job.ID+"/1.png", "", nil, nil)
	if static.Code != http.StatusOK || !bytes.Equal(static.Body.Bytes(), png) {
		t.Fatalf("static asset: %d", static.Code)
	}
	if listing := e.do(http.MethodGet, "/static/generated/", "", nil, nil); listing.Code != http.StatusNotFound {
		t.Fatalf("directory listing: %d", listing.Code)
	}
}

func TestProviderCallbackDisabled(t *testing.T) {
	e := newEnv(t, func(c *infra.Config) { c.CallbackToken = "" })
	rec := e.do(http.MethodPost, "/v1/providers/callback", "", map[string]any{"task_id": "x", "status": "failed"},
		map[string]string{"X-Callback-Token": ""})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	if rec := e.do(http.MethodGet, "/v1/healthz", "", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	e.do(http.MethodGet, "/v1/healthz", "", nil, nil)
	rec := e.do(http.MethodGet, "/metrics", "", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/v1/healthz") {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/v1/openapi.json", "", nil, nil); rec.Code != http.StatusOK || !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("openapi: %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	app := &handlers.App{Logger: infra.NopLogger(), Ready: func(context.Context) error { return errors.New("db down") }}
	rec := httptest.NewRecorder()
	httpapi.NewRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
