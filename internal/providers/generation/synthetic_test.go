package generation

import (
	"bytes"
	"context"
	"image/png"
	"testing"
	"time"

	"batchgen/internal/domain"
)

func TestSyntheticLifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSynthetic(10 * time.Second)
	s.now = func() time.Time { return now }

	id, err := s.StartTask(context.Background(), StartRequest{IdempotencyKey: "job:1", Mode: domain.ModeTextToImage, Prompt: "mug"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	again, _ := s.StartTask(context.Background(), StartRequest{IdempotencyKey: "job:1", Mode: domain.ModeTextToImage, Prompt: "mug"})
	if again != id {
		t.Fatalf("same key produced different tasks: %s vs %s", id, again)
	}

	now = now.Add(5 * time.Second)
	res, err := s.GetResult(context.Background(), id)
	if err != nil || res.State != TaskProcessing || res.Progress != 45 {
		t.Fatalf("mid-flight result %+v %v", res, err)
	}

	now = now.Add(6 * time.Second)
	res, err = s.GetResult(context.Background(), id)
	if err != nil || res.State != TaskCompleted || res.Output == nil {
		t.Fatalf("final result %+v %v", res, err)
	}
	if _, err := png.Decode(bytes.NewReader(res.Output.Data)); err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
}

func TestSyntheticFailureMarker(t *testing.T) {
	s := NewSynthetic(0)
	id, _ := s.StartTask(context.Background(), StartRequest{IdempotencyKey: "job:2", Mode: domain.ModeTextToVideo, Prompt: "clip [fail]"})
	res, err := s.GetResult(context.Background(), id)
	if err != nil || res.State != TaskFailed || res.ErrorCode == "" {
		t.Fatalf("expected failure, got %+v %v", res, err)
	}
	if _, err := s.GetResult(context.Background(), "syn-unknown"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}
