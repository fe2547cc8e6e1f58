package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

type call struct {
	marker string
	args   []any
}

// fakeDB answers statements by marker from scripted queues.
type fakeDB struct {
	rows      map[string][]pgx.Row
	tags      map[string]pgconn.CommandTag
	execErr   map[string]error
	results   map[string]pgx.Rows
	execs     []call
	queries   []call
	commits   int
	rollbacks int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows:    make(map[string][]pgx.Row),
		tags:    make(map[string]pgconn.CommandTag),
		execErr: make(map[string]error),
		results: make(map[string]pgx.Rows),
	}
}

func (f *fakeDB) queue(query string, row pgx.Row) {
	m := infra.Marker(query)
	f.rows[m] = append(f.rows[m], row)
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	m := infra.Marker(query)
	f.execs = append(f.execs, call{m, args})
	if err := f.execErr[m]; err != nil {
		return pgconn.CommandTag{}, err
	}
	if tag, ok := f.tags[m]; ok {
		return tag, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	m := infra.Marker(query)
	f.queries = append(f.queries, call{m, args})
	queued := f.rows[m]
	if len(queued) == 0 {
		return rowFunc(func(...any) error { return fmt.Errorf("unexpected query %s", m) })
	}
	f.rows[m] = queued[1:]
	return queued[0]
}

func (f *fakeDB) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	m := infra.Marker(query)
	f.queries = append(f.queries, call{m, args})
	rows, ok := f.results[m]
	if !ok {
		return nil, fmt.Errorf("unexpected query %s", m)
	}
	return rows, nil
}

func (f *fakeDB) InTx(_ context.Context, fn func(tx infra.SQLExecutor) error) error {
	if err := fn(f); err != nil {
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func (f *fakeDB) execsFor(query string) []call {
	m := infra.Marker(query)
	var out []call
	for _, c := range f.execs {
		if c.marker == m {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDB) queriesFor(query string) []call {
	m := infra.Marker(query)
	var out []call
	for _, c := range f.queries {
		if c.marker == m {
			out = append(out, c)
		}
	}
	return out
}

type rowFunc func(dest ...any) error

func (r rowFunc) Scan(dest ...any) error { return r(dest...) }

var noRows = rowFunc(func(...any) error { return pgx.ErrNoRows })

func values(vals ...any) pgx.Row {
	return rowFunc(func(dest ...any) error { return assign(dest, vals) })
}

func assign(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		dv := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		vv := reflect.ValueOf(v)
		if !vv.Type().AssignableTo(dv.Type()) {
			return fmt.Errorf("scan: column %d: %T into %s", i, v, dv.Type())
		}
		dv.Set(vv)
	}
	return nil
}

// fakeRows iterates over fixed value tuples.
type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.data[r.pos-1]) }

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func jobValues(status string, total, processed, succeeded, failed int) []any {
	return []any{
		"job-1", "user-1", "pro", status, total, processed, succeeded, failed,
		"uploads/catalog.xlsx", []byte(`{"A":"prompt"}`), []byte(`{"enhance":true,"locale":"id"}`),
		[]byte(`[]`), "", []byte(`{"source":"web"}`), false, (*time.Time)(nil), created, created, (*time.Time)(nil),
	}
}

func rowValues(index int, status string) []any {
	return []any{
		"job-1", "user-1", index, []byte(`{"row_index":` + fmt.Sprint(index) + `,"prompt":"red mug","mode":"t2i"}`),
		"", "task-" + fmt.Sprint(index), status, 40, int64(5), false, int64(0), "", "", &created, created, created,
	}
}

func TestCreateJobInsertsRowsInOneTransaction(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QInsertBatchJob, values(created, created))
	store := NewBatchStore(db)

	job := &domain.BatchJob{ID: "job-1", OwnerID: "user-1", PlanTier: domain.PlanPro, TotalRows: 2,
		ColumnMapping: map[string]string{"A": "prompt"}, Options: domain.JobOptions{Enhance: true}}
	rows := []domain.RowTask{
		{RowIndex: 1, Payload: domain.ProductRow{RowIndex: 1, Prompt: "red mug", Mode: domain.ModeTextToImage}},
		{RowIndex: 2, Payload: domain.ProductRow{RowIndex: 2, Prompt: "blue mug", Mode: domain.ModeTextToImage}},
	}
	if err := store.CreateJob(context.Background(), job, rows); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if db.commits != 1 {
		t.Fatalf("commits = %d, want 1", db.commits)
	}
	if job.Status != domain.JobStatusPending || !job.CreatedAt.Equal(created) {
		t.Fatalf("job not populated: %+v", job)
	}
	inserted := db.execsFor(sqlinline.QInsertRowTask)
	if len(inserted) != 2 {
		t.Fatalf("row inserts = %d, want 2", len(inserted))
	}
	var payload domain.ProductRow
	if err := json.Unmarshal(inserted[1].args[3].([]byte), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Prompt != "blue mug" || inserted[1].args[1] != 2 {
		t.Fatalf("unexpected row insert: %+v", inserted[1].args)
	}
	jobArgs := db.queriesFor(sqlinline.QInsertBatchJob)[0].args
	if jobArgs[2] != "pro" || string(jobArgs[6].([]byte)) != `{"enhance":true}` {
		t.Fatalf("unexpected job insert args: %v", jobArgs)
	}
}

func TestCreateJobRollsBackOnDuplicateRow(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QInsertBatchJob, values(created, created))
	db.execErr[infra.Marker(sqlinline.QInsertRowTask)] = &pgconn.PgError{Code: "23505"}
	store := NewBatchStore(db)

	err := store.CreateJob(context.Background(), &domain.BatchJob{ID: "job-1", OwnerID: "user-1", TotalRows: 1},
		[]domain.RowTask{{RowIndex: 1}})
	if err == nil || !strings.Contains(err.Error(), "duplicate row index 1") {
		t.Fatalf("expected duplicate row error, got %v", err)
	}
	if db.rollbacks != 1 || db.commits != 0 {
		t.Fatalf("commits=%d rollbacks=%d", db.commits, db.rollbacks)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QSelectBatchJob, noRows)
	if _, err := NewBatchStore(db).GetJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimJob(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		db := newFakeDB()
		db.queue(sqlinline.QClaimBatchJob, noRows)
		job, err := NewBatchStore(db).ClaimJob(context.Background(), 0)
		if err != nil || job != nil {
			t.Fatalf("got job=%v err=%v", job, err)
		}
		if got := db.queriesFor(sqlinline.QClaimBatchJob)[0].args[0]; got != 1 {
			t.Fatalf("lease seconds = %v, want 1", got)
		}
	})

	t.Run("decodes job", func(t *testing.T) {
		db := newFakeDB()
		vals := jobValues("processing", 3, 1, 0, 1)
		vals[11] = []byte(`[{"row_index":2,"code":"provider_error","message":"boom"}]`)
		db.queue(sqlinline.QClaimBatchJob, values(vals...))
		job, err := NewBatchStore(db).ClaimJob(context.Background(), 90*time.Second)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if got := db.queriesFor(sqlinline.QClaimBatchJob)[0].args[0]; got != 90 {
			t.Fatalf("lease seconds = %v, want 90", got)
		}
		if job.PlanTier != domain.PlanPro || job.Status != domain.JobStatusProcessing {
			t.Fatalf("unexpected job: %+v", job)
		}
		if !job.Options.Enhance || job.Options.Locale != "id" || job.ColumnMapping["A"] != "prompt" {
			t.Fatalf("json columns not decoded: %+v", job)
		}
		if len(job.ErrorReport) != 1 || job.ErrorReport[0].Code != domain.CodeProviderError {
			t.Fatalf("error report = %+v", job.ErrorReport)
		}
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("terminal job", func(t *testing.T) {
		db := newFakeDB()
		db.queue(sqlinline.QCancelBatchJob, noRows)
		db.queue(sqlinline.QSelectBatchJob, values(jobValues("completed", 1, 1, 1, 0)...))
		if _, err := NewBatchStore(db).CancelJob(context.Background(), "job-1"); !errors.Is(err, domain.ErrJobNotCancellable) {
			t.Fatalf("expected ErrJobNotCancellable, got %v", err)
		}
	})
	t.Run("missing job", func(t *testing.T) {
		db := newFakeDB()
		db.queue(sqlinline.QCancelBatchJob, noRows)
		db.queue(sqlinline.QSelectBatchJob, noRows)
		if _, err := NewBatchStore(db).CancelJob(context.Background(), "job-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("active job", func(t *testing.T) {
		db := newFakeDB()
		db.queue(sqlinline.QCancelBatchJob, values(jobValues("cancelled", 3, 0, 0, 0)...))
		job, err := NewBatchStore(db).CancelJob(context.Background(), "job-1")
		if err != nil || job.Status != domain.JobStatusCancelled {
			t.Fatalf("got job=%+v err=%v", job, err)
		}
	})
}

func TestSettleRowCompletesJob(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QSettleRow, values(3))
	db.queue(sqlinline.QSettleJobCounters, values(jobValues("completed", 3, 3, 3, 0)...))
	store := NewBatchStore(db)

	res, err := store.SettleRow(context.Background(), domain.Settlement{
		JobID: "job-1", RowIndex: 3, Outcome: domain.RowStatusCompleted,
		StorageRef: "generated/job-1/3.png", PublicRef: "/static/generated/job-1/3.png", CreditsSpent: 5,
		Metadata: map[string]any{"task_id": "task-3"},
	})
	if err != nil {
		t.Fatalf("SettleRow: %v", err)
	}
	if !res.Applied || !res.JobCompleted || res.Job.SuccessfulRows != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	asset := db.execsFor(sqlinline.QSettleAsset)
	if len(asset) != 1 || asset[0].args[3] != "generated/job-1/3.png" || asset[0].args[5] != int64(5) {
		t.Fatalf("asset settle args: %+v", asset)
	}
	counters := db.queriesFor(sqlinline.QSettleJobCounters)[0].args
	if counters[1] != 1 || counters[2] != 0 || counters[3].([]byte) != nil {
		t.Fatalf("counter args: %v", counters)
	}
}

func TestSettleRowFailureAppendsReport(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QSettleRow, values(2))
	db.queue(sqlinline.QSettleJobCounters, values(jobValues("processing", 3, 1, 0, 1)...))

	res, err := NewBatchStore(db).SettleRow(context.Background(), domain.Settlement{
		JobID: "job-1", RowIndex: 2, Outcome: domain.RowStatusFailed,
		ErrorCode: domain.CodeProviderTimeout, ErrorMessage: "no result in time",
	})
	if err != nil {
		t.Fatalf("SettleRow: %v", err)
	}
	if !res.Applied || res.JobCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	counters := db.queriesFor(sqlinline.QSettleJobCounters)[0].args
	var report []domain.RowError
	if err := json.Unmarshal(counters[3].([]byte), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if counters[2] != 1 || len(report) != 1 || report[0].RowIndex != 2 || report[0].Code != domain.CodeProviderTimeout {
		t.Fatalf("counter args: %v report=%+v", counters, report)
	}
}

func TestSettleRowRecordsRefundDue(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QSettleRow, values(2))
	db.queue(sqlinline.QSettleJobCounters, values(jobValues("processing", 3, 1, 0, 1)...))

	_, err := NewBatchStore(db).SettleRow(context.Background(), domain.Settlement{
		JobID: "job-1", RowIndex: 2, Outcome: domain.RowStatusFailed, ErrorCode: domain.CodeProviderTimeout,
		CreditsSpent: 1, RefundDue: true, RefundAmount: 4,
	})
	if err != nil {
		t.Fatalf("SettleRow: %v", err)
	}
	args := db.queriesFor(sqlinline.QSettleRow)[0].args
	if len(args) != 7 || args[5] != true || args[6] != int64(4) {
		t.Fatalf("settle row args: %v", args)
	}
}

func TestRefundsDue(t *testing.T) {
	db := newFakeDB()
	due := rowValues(2, "failed")
	due[9], due[10] = true, int64(4)
	db.results[infra.Marker(sqlinline.QListRefundsDue)] = &fakeRows{data: [][]any{due}}
	store := NewBatchStore(db)
	ctx := context.Background()

	rows, err := store.ListRefundsDue(ctx, 0)
	if err != nil {
		t.Fatalf("ListRefundsDue: %v", err)
	}
	if len(rows) != 1 || !rows[0].RefundDue || rows[0].RefundAmount != 4 || rows[0].Status != domain.RowStatusFailed {
		t.Fatalf("rows: %+v", rows)
	}
	if got := db.queriesFor(sqlinline.QListRefundsDue)[0].args[0]; got != 100 {
		t.Fatalf("limit = %v, want 100", got)
	}

	if err := store.ClearRefund(ctx, "job-1", 2); err != nil {
		t.Fatalf("ClearRefund: %v", err)
	}
	db.tags[infra.Marker(sqlinline.QClearRowRefund)] = pgconn.NewCommandTag("UPDATE 0")
	if err := store.ClearRefund(ctx, "job-1", 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing row: got %v", err)
	}
}

func TestSettleRowAlreadyTerminalIsNoop(t *testing.T) {
	db := newFakeDB()
	db.queue(sqlinline.QSettleRow, noRows)
	db.queue(sqlinline.QSelectRowStatus, values("completed"))
	db.queue(sqlinline.QSelectBatchJob, values(jobValues("processing", 3, 1, 1, 0)...))

	res, err := NewBatchStore(db).SettleRow(context.Background(), domain.Settlement{
		JobID: "job-1", RowIndex: 1, Outcome: domain.RowStatusFailed, ErrorCode: domain.CodeProviderTimeout,
	})
	if err != nil {
		t.Fatalf("SettleRow: %v", err)
	}
	if res.Applied || res.Job.ProcessedRows != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(db.execsFor(sqlinline.QSettleAsset)) != 0 || len(db.queriesFor(sqlinline.QSettleJobCounters)) != 0 {
		t.Fatal("terminal row must not touch asset or counters")
	}
}

func TestSettleRowRejectsInvalidEdges(t *testing.T) {
	db := newFakeDB()
	store := NewBatchStore(db)
	if _, err := store.SettleRow(context.Background(), domain.Settlement{JobID: "job-1", RowIndex: 1, Outcome: domain.RowStatusEnhanced}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("non-terminal outcome: got %v", err)
	}

	db.queue(sqlinline.QSettleRow, noRows)
	db.queue(sqlinline.QSelectRowStatus, values("pending"))
	_, err := store.SettleRow(context.Background(), domain.Settlement{JobID: "job-1", RowIndex: 1, Outcome: domain.RowStatusCompleted})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pending -> completed: got %v", err)
	}
	if db.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", db.rollbacks)
	}
}

func TestTransitionRow(t *testing.T) {
	db := newFakeDB()
	store := NewBatchStore(db)
	ctx := context.Background()

	if err := store.TransitionRow(ctx, "job-1", 1, domain.RowStatusEnhancing, domain.RowStatusEnhanced, "studio shot"); err != nil {
		t.Fatalf("TransitionRow: %v", err)
	}
	args := db.execsFor(sqlinline.QTransitionRow)[0].args
	if args[2] != "enhancing" || args[3] != "enhanced" || args[4] != "studio shot" {
		t.Fatalf("transition args: %v", args)
	}

	if err := store.TransitionRow(ctx, "job-1", 1, domain.RowStatusPending, domain.RowStatusCompleted, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pending -> completed: got %v", err)
	}

	db.tags[infra.Marker(sqlinline.QTransitionRow)] = pgconn.NewCommandTag("UPDATE 0")
	db.queue(sqlinline.QSelectRowStatus, values("generating"))
	err := store.TransitionRow(ctx, "job-1", 1, domain.RowStatusPending, domain.RowStatusEnhancing, "")
	if !errors.Is(err, domain.ErrInvalidTransition) || !strings.Contains(err.Error(), "generating") {
		t.Fatalf("stale transition: got %v", err)
	}

	db.queue(sqlinline.QSelectRowStatus, noRows)
	if err := store.TransitionRow(ctx, "job-1", 9, domain.RowStatusPending, domain.RowStatusEnhancing, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing row: got %v", err)
	}
}

func TestBeginGenerationUpsertsAsset(t *testing.T) {
	db := newFakeDB()
	store := NewBatchStore(db)
	err := store.BeginGeneration(context.Background(), domain.GenerationStart{
		JobID: "job-1", RowIndex: 1, From: domain.RowStatusPending, ExternalTaskID: "task-1", ChargedCredits: 5,
		Asset: domain.Asset{ID: "asset-1", OwnerID: "user-1", AssetType: domain.AssetTypeImage,
			GenerationMode: domain.ModeTextToImage, Prompt: "red mug", Metadata: map[string]any{"task_id": "task-1"}},
	})
	if err != nil {
		t.Fatalf("BeginGeneration: %v", err)
	}
	begin := db.execsFor(sqlinline.QBeginRowGeneration)[0].args
	if begin[3] != "task-1" || begin[4] != int64(5) {
		t.Fatalf("begin args: %v", begin)
	}
	asset := db.execsFor(sqlinline.QUpsertProcessingAsset)[0].args
	if asset[0] != "asset-1" || asset[4] != "image" || !strings.Contains(string(asset[9].([]byte)), "task-1") {
		t.Fatalf("asset args: %v", asset)
	}

	db.tags[infra.Marker(sqlinline.QBeginRowGeneration)] = pgconn.NewCommandTag("UPDATE 0")
	db.queue(sqlinline.QSelectRowStatus, values("failed"))
	err = store.BeginGeneration(context.Background(), domain.GenerationStart{JobID: "job-1", RowIndex: 2, From: domain.RowStatusPending})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(db.execsFor(sqlinline.QUpsertProcessingAsset)) != 1 {
		t.Fatal("asset must not be written when the row guard fails")
	}
}

func TestListOutcomesLeftJoin(t *testing.T) {
	db := newFakeDB()
	withAsset := append(rowValues(1, "completed"),
		ptr("asset-1"), ptr("image"), ptr("t2i"), ptr("red mug"), "", "generated/job-1/1.png",
		"/static/generated/job-1/1.png", ptr("completed"), ptr(int64(5)), "", []byte(`{"task_id":"task-1"}`), &created, &created)
	withoutAsset := append(rowValues(2, "failed"),
		(*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil), "", "",
		"", (*string)(nil), (*int64)(nil), "", []byte(nil), (*time.Time)(nil), (*time.Time)(nil))
	db.results[infra.Marker(sqlinline.QListJobOutcomes)] = &fakeRows{data: [][]any{withAsset, withoutAsset}}

	out, err := NewBatchStore(db).ListOutcomes(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ListOutcomes: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(out))
	}
	first := out[0]
	if first.Asset == nil || first.Asset.PublicRef != "/static/generated/job-1/1.png" || first.Asset.CreditsSpent != 5 {
		t.Fatalf("first asset: %+v", first.Asset)
	}
	if first.Asset.Metadata["task_id"] != "task-1" || first.Row.Payload.Prompt != "red mug" {
		t.Fatalf("decoded fields: %+v", first)
	}
	if out[1].Asset != nil || out[1].Row.Status != domain.RowStatusFailed {
		t.Fatalf("second outcome: %+v", out[1])
	}
}

func TestListGeneratingRowsDefaultsLimit(t *testing.T) {
	db := newFakeDB()
	db.results[infra.Marker(sqlinline.QListGeneratingRows)] = &fakeRows{data: [][]any{rowValues(1, "generating")}}
	rows, err := NewBatchStore(db).ListGeneratingRows(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListGeneratingRows: %v", err)
	}
	if len(rows) != 1 || rows[0].ExternalTaskID != "task-1" || rows[0].ChargedCredits != 5 {
		t.Fatalf("rows: %+v", rows)
	}
	if got := db.queriesFor(sqlinline.QListGeneratingRows)[0].args[0]; got != 100 {
		t.Fatalf("limit = %v, want 100", got)
	}
}

func TestPlanRepository(t *testing.T) {
	db := newFakeDB()
	plans := NewPlanRepository(db)
	ctx := context.Background()

	db.queue(sqlinline.QSelectUserPlan, noRows)
	if tier, err := plans.PlanFor(ctx, "user-1"); err != nil || tier != domain.PlanFree {
		t.Fatalf("unknown user: tier=%s err=%v", tier, err)
	}
	db.queue(sqlinline.QSelectUserPlan, values("Enterprise"))
	if tier, err := plans.PlanFor(ctx, "user-1"); err != nil || tier != domain.PlanEnterprise {
		t.Fatalf("stored plan: tier=%s err=%v", tier, err)
	}

	if err := plans.SetPlan(ctx, "user-1", "gold"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if got := db.execsFor(sqlinline.QUpsertUserPlan)[0].args[1]; got != "free" {
		t.Fatalf("stored tier = %v, want free", got)
	}
	if err := plans.SetPlan(ctx, "", domain.PlanPro); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("empty user: got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
