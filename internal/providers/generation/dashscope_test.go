package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"batchgen/internal/domain"
)

func TestDashScopeStartTaskPayload(t *testing.T) {
	var got taskRequest
	var headers http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req-1","output":{"task_id":"task-123","task_status":"PENDING"}}`))
	}))
	defer srv.Close()

	client := NewDashScope(DashScopeOptions{APIKey: "sk-test", BaseURL: srv.URL})
	id, err := client.StartTask(context.Background(), StartRequest{
		IdempotencyKey:    "job-1:3",
		Mode:              domain.ModeImageToVideo,
		Prompt:            "  rotate the sneaker  ",
		ReferenceImageURL: "https://cdn.example.com/shoe.png",
	})
	if err != nil {
		t.Fatalf("StartTask error: %v", err)
	}
	if id != "task-123" {
		t.Fatalf("task id = %q", id)
	}
	if path != "/services/aigc/video-generation/video-synthesis" {
		t.Fatalf("path = %q", path)
	}
	if headers.Get("X-DashScope-Async") != "enable" {
		t.Fatalf("async header missing: %v", headers)
	}
	if headers.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("authorization = %q", headers.Get("Authorization"))
	}
	if headers.Get("Idempotency-Key") != "job-1:3" {
		t.Fatalf("idempotency key = %q", headers.Get("Idempotency-Key"))
	}
	if got.Model != "wan2.2-i2v-flash" || got.Input.Prompt != "rotate the sneaker" || got.Input.ImageURL == "" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestDashScopeStartTaskErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"throttled", http.StatusTooManyRequests, `{"code":"Throttling.RateQuota","message":"slow down"}`, true},
		{"server", http.StatusInternalServerError, `{"code":"InternalError","message":"boom"}`, true},
		{"bad request", http.StatusBadRequest, `{"code":"InvalidParameter","message":"bad size"}`, false},
		{"content", http.StatusOK, `{"code":"DataInspectionFailed","message":"blocked"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewDashScope(DashScopeOptions{APIKey: "k", BaseURL: srv.URL})
			_, err := client.StartTask(context.Background(), StartRequest{Mode: domain.ModeTextToImage, Prompt: "p"})
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if perr.Transient != tc.transient || IsTransient(err) != tc.transient {
				t.Fatalf("transient = %v, want %v (%v)", perr.Transient, tc.transient, err)
			}
			if !errors.Is(err, domain.ErrProviderFailure) {
				t.Fatal("provider errors should match ErrProviderFailure")
			}
		})
	}
}

func TestDashScopeMissingKey(t *testing.T) {
	client := NewDashScope(DashScopeOptions{})
	if _, err := client.StartTask(context.Background(), StartRequest{Mode: domain.ModeTextToImage, Prompt: "p"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestDashScopeGetResult(t *testing.T) {
	responses := map[string]string{
		"running":   `{"output":{"task_id":"running","task_status":"RUNNING","task_metrics":{"TOTAL":4,"SUCCEEDED":2,"FAILED":0}}}`,
		"pending":   `{"output":{"task_id":"pending","task_status":"PENDING"}}`,
		"image":     `{"output":{"task_id":"image","task_status":"SUCCEEDED","results":[{"url":"https://oss.example.com/a.png"}]}}`,
		"video":     `{"output":{"task_id":"video","task_status":"SUCCEEDED","video_url":"https://oss.example.com/v.mp4"}}`,
		"failed":    `{"output":{"task_id":"failed","task_status":"FAILED","code":"DataInspectionFailed","message":"blocked"}}`,
		"empty":     `{"output":{"task_id":"empty","task_status":"SUCCEEDED"}}`,
		"cancelled": `{"output":{"task_id":"cancelled","task_status":"CANCELED"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/tasks/"):]
		body, ok := responses[id]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NotFound","message":"no task"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	client := NewDashScope(DashScopeOptions{APIKey: "k", BaseURL: srv.URL})

	cases := []struct {
		id       string
		state    TaskState
		progress int
		url      string
		code     string
	}{
		{"running", TaskProcessing, 50, "", ""},
		{"pending", TaskProcessing, 5, "", ""},
		{"image", TaskCompleted, 100, "https://oss.example.com/a.png", ""},
		{"video", TaskCompleted, 100, "https://oss.example.com/v.mp4", ""},
		{"failed", TaskFailed, 0, "", "DataInspectionFailed"},
		{"empty", TaskFailed, 0, "", "EmptyOutput"},
		{"cancelled", TaskFailed, 0, "", "CANCELED"},
	}
	for _, tc := range cases {
		res, err := client.GetResult(context.Background(), tc.id)
		if err != nil {
			t.Fatalf("%s: GetResult error: %v", tc.id, err)
		}
		if res.State != tc.state || res.Progress != tc.progress || res.ErrorCode != tc.code {
			t.Errorf("%s: got %+v", tc.id, res)
		}
		if tc.url != "" && (res.Output == nil || res.Output.URL != tc.url) {
			t.Errorf("%s: output = %+v", tc.id, res.Output)
		}
	}

	if _, err := client.GetResult(context.Background(), "missing"); err == nil || IsTransient(err) {
		t.Fatalf("expected permanent error for unknown task, got %v", err)
	}
}

func TestSizeFor(t *testing.T) {
	if got := sizeFor(domain.ModeTextToImage, "16:9"); got != "1664*928" {
		t.Fatalf("image 16:9 = %q", got)
	}
	if got := sizeFor(domain.ModeTextToVideo, "9:16"); got != "720*1280" {
		t.Fatalf("video 9:16 = %q", got)
	}
	if got := sizeFor(domain.ModeTextToVideo, ""); got != "1280*720" {
		t.Fatalf("video default = %q", got)
	}
}
