package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"batchgen/internal/adapter/memstore"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/plan"
	"batchgen/internal/providers/generation"
	"batchgen/internal/storage"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type stubProvider struct {
	mu          sync.Mutex
	startErr    error
	startDelay  time.Duration
	started     []generation.StartRequest
	results     map[string]generation.Result
	inFlight    int
	maxInFlight int
}

func newStubProvider() *stubProvider {
	return &stubProvider{results: map[string]generation.Result{}}
}

func (p *stubProvider) StartTask(ctx context.Context, req generation.StartRequest) (string, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()
	if p.startDelay > 0 {
		time.Sleep(p.startDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
	if p.startErr != nil {
		return "", p.startErr
	}
	p.started = append(p.started, req)
	return "task-" + req.IdempotencyKey, nil
}

func (p *stubProvider) GetResult(ctx context.Context, taskID string) (generation.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.results[taskID]; ok {
		return res, nil
	}
	return generation.Result{State: generation.TaskProcessing, Progress: 40}, nil
}

func (p *stubProvider) set(taskID string, res generation.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[taskID] = res
}

type harness struct {
	t          *testing.T
	store      *memstore.Store
	ledger     *ledger.Memory
	provider   generation.Provider
	objects    *storage.FileStore
	service    *Service
	dispatcher *Dispatcher
	reconciler *Reconciler
	metrics    *metrics.Collector
	clock      time.Time
	clockMu    sync.Mutex
}

func newHarness(t *testing.T, provider generation.Provider, opts ...func(*DispatcherOptions, *ReconcilerOptions)) *harness {
	t.Helper()
	h := &harness{t: t, clock: baseTime}
	h.store = memstore.New()
	h.store.SetClock(h.now)
	h.ledger = ledger.NewMemory()
	h.provider = provider
	objects, err := storage.NewFileStore(t.TempDir(), "http://assets.test/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h.objects = objects
	h.metrics = metrics.New()
	logger := infra.NopLogger()
	catalog := plan.Default()

	dopts := DispatcherOptions{
		Store:    h.store,
		Ledger:   h.ledger,
		Provider: provider,
		Catalog:  catalog,
		Metrics:  h.metrics,
		Logger:   logger,
	}
	ropts := ReconcilerOptions{
		Store:    h.store,
		Ledger:   h.ledger,
		Provider: provider,
		Objects:  objects,
		Fetcher:  storage.NewFetcher(nil, time.Second),
		Archiver: NewArchiver(h.store, objects, logger),
		Timeout:  15 * time.Minute,
		Metrics:  h.metrics,
		Logger:   logger,
		Now:      h.now,
	}
	for _, opt := range opts {
		opt(&dopts, &ropts)
	}
	h.service = NewService(h.store, h.store, catalog, logger)
	h.dispatcher = NewDispatcher(dopts)
	h.reconciler = NewReconciler(ropts)
	return h
}

func (h *harness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) fund(user string, credits int64) {
	h.t.Helper()
	if _, err := h.ledger.Earn(context.Background(), user, credits, "grant:"+user, "test"); err != nil {
		h.t.Fatalf("Earn: %v", err)
	}
}

// submitAndClaim submits n t2i rows and claims the job the way a worker would.
func (h *harness) submitAndClaim(owner string, tier domain.PlanTier, rows []domain.ProductRow, opts domain.JobOptions) *domain.BatchJob {
	h.t.Helper()
	ctx := context.Background()
	job, err := h.service.Submit(ctx, SubmitRequest{OwnerID: owner, PlanTier: tier, Rows: rows, Options: opts})
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	claimed, err := h.store.ClaimJob(ctx, time.Minute)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		h.t.Fatalf("ClaimJob = %+v, %v", claimed, err)
	}
	return claimed
}

func (h *harness) job(id string) *domain.BatchJob {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetJob: %v", err)
	}
	return job
}

func (h *harness) rows(jobID string) []domain.RowTask {
	h.t.Helper()
	rows, err := h.store.ListRows(context.Background(), jobID)
	if err != nil {
		h.t.Fatalf("ListRows: %v", err)
	}
	return rows
}

func (h *harness) transactions(user string) []domain.CreditTransaction {
	h.t.Helper()
	txs, err := h.ledger.Transactions(context.Background(), user, 500)
	if err != nil {
		h.t.Fatalf("Transactions: %v", err)
	}
	return txs
}

func (h *harness) assertConserved(user string) {
	h.t.Helper()
	if acct := h.ledger.Account(user); !acct.Conserved() {
		h.t.Fatalf("account not conserved: %+v", acct)
	}
}

func t2iRows(n int) []domain.ProductRow {
	rows := make([]domain.ProductRow, n)
	for i := range rows {
		rows[i] = domain.ProductRow{RowIndex: i + 1, Prompt: fmt.Sprintf("product %d on white", i+1), Mode: domain.ModeTextToImage}
	}
	return rows
}

func countStatus(rows []domain.RowTask, status domain.RowStatus) int {
	n := 0
	for _, r := range rows {
		if r.Status == status {
			n++
		}
	}
	return n
}

func refundsFor(txs []domain.CreditTransaction, ref string) int {
	n := 0
	for _, tx := range txs {
		if tx.Type == domain.TxRefund && tx.ReferenceID == ref {
			n++
		}
	}
	return n
}
