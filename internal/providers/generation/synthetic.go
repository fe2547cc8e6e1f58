package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"time"

	"batchgen/internal/domain"
)

// Synthetic is an in-process provider for development and demos. Tasks finish
// ReadyAfter their start with a small generated PNG (or placeholder clip);
// prompts containing FailMarker finish failed.
type Synthetic struct {
	ReadyAfter time.Duration
	FailMarker string

	mu    sync.Mutex
	tasks map[string]syntheticTask
	now   func() time.Time
}

type syntheticTask struct {
	req     StartRequest
	started time.Time
}

func NewSynthetic(readyAfter time.Duration) *Synthetic {
	return &Synthetic{
		ReadyAfter: readyAfter,
		FailMarker: "[fail]",
		tasks:      make(map[string]syntheticTask),
		now:        time.Now,
	}
}

func (s *Synthetic) StartTask(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &Error{Message: "prompt is required"}
	}
	id := syntheticTaskID(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		s.tasks[id] = syntheticTask{req: req, started: s.now()}
	}
	return id, nil
}

func (s *Synthetic) GetResult(ctx context.Context, taskID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	now := s.now()
	s.mu.Unlock()
	if !ok {
		return Result{}, &Error{Status: 404, Code: "TaskNotFound", Message: taskID}
	}

	elapsed := now.Sub(task.started)
	if elapsed < s.ReadyAfter {
		progress := 0
		if s.ReadyAfter > 0 {
			progress = int(90 * elapsed / s.ReadyAfter)
		}
		return Result{State: TaskProcessing, Progress: ClampProgress(progress)}, nil
	}
	if s.FailMarker != "" && strings.Contains(task.req.Prompt, s.FailMarker) {
		return Result{State: TaskFailed, ErrorCode: "DataInspectionFailed", ErrorMessage: "synthetic failure requested"}, nil
	}
	if task.req.Mode.AssetType() == domain.AssetTypeVideo {
		return Result{State: TaskCompleted, Progress: 100, Output: &Output{
			Data:        []byte(fmt.Sprintf("synthetic clip for %s\n", taskID)),
			ContentType: "video/mp4",
		}}, nil
	}
	data, err := swatch(taskID)
	if err != nil {
		return Result{}, err
	}
	return Result{State: TaskCompleted, Progress: 100, Output: &Output{Data: data, ContentType: "image/png"}}, nil
}

// syntheticTaskID is stable per idempotency key so restarts resume the same task.
func syntheticTaskID(req StartRequest) string {
	seed := req.IdempotencyKey
	if seed == "" {
		seed = fmt.Sprintf("%s|%s|%d", req.Mode, req.Prompt, time.Now().UnixNano())
	}
	sum := sha256.Sum256([]byte(seed))
	return "syn-" + hex.EncodeToString(sum[:8])
}

// swatch renders a 64x64 gradient tinted by the task id.
func swatch(taskID string) ([]byte, error) {
	sum := sha256.Sum256([]byte(taskID))
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: sum[0] ^ uint8(x*4), G: sum[1] ^ uint8(y*4), B: sum[2], A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("synthetic: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Provider = (*Synthetic)(nil)
