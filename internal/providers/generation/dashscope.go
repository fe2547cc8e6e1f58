package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("dashscope: api key is required")

// DashScopeOptions configures the DashScope async task client.
type DashScopeOptions struct {
	APIKey         string
	BaseURL        string
	Models         map[domain.GenerationMode]string
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// DashScope submits Wan image and video tasks with X-DashScope-Async and
// polls /tasks/{id}.
type DashScope struct {
	apiKey    string
	models    map[domain.GenerationMode]string
	watermark bool
	http      *resty.Client
	logger    *infra.Logger
}

var defaultModels = map[domain.GenerationMode]string{
	domain.ModeTextToImage:  "wan2.2-t2i-flash",
	domain.ModeImageToImage: "wanx2.1-imageedit",
	domain.ModeTextToVideo:  "wan2.2-t2v-plus",
	domain.ModeImageToVideo: "wan2.2-i2v-flash",
}

var endpoints = map[domain.GenerationMode]string{
	domain.ModeTextToImage:  "/services/aigc/text2image/image-synthesis",
	domain.ModeImageToImage: "/services/aigc/image2image/image-synthesis",
	domain.ModeTextToVideo:  "/services/aigc/video-generation/video-synthesis",
	domain.ModeImageToVideo: "/services/aigc/video-generation/video-synthesis",
}

type taskRequest struct {
	Model      string         `json:"model"`
	Input      taskInput      `json:"input"`
	Parameters taskParameters `json:"parameters"`
}

type taskInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ImageURL       string `json:"img_url,omitempty"`
	BaseImageURL   string `json:"base_image_url,omitempty"`
	Function       string `json:"function,omitempty"`
}

type taskParameters struct {
	Size      string `json:"size,omitempty"`
	N         int    `json:"n,omitempty"`
	Style     string `json:"style,omitempty"`
	Watermark *bool  `json:"watermark,omitempty"`
}

type taskEnvelope struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
		TaskMetrics struct {
			Total     int `json:"TOTAL"`
			Succeeded int `json:"SUCCEEDED"`
			Failed    int `json:"FAILED"`
		} `json:"task_metrics"`
	} `json:"output"`
}

// NewDashScope constructs a client with defaults applied.
func NewDashScope(opts DashScopeOptions) *DashScope {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New().SetTimeout(timeout)
	}
	client.SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(strings.TrimSpace(opts.APIKey))

	models := make(map[domain.GenerationMode]string, len(defaultModels))
	for mode, model := range defaultModels {
		models[mode] = model
	}
	for mode, model := range opts.Models {
		if strings.TrimSpace(model) != "" {
			models[mode] = strings.TrimSpace(model)
		}
	}

	logger := opts.Logger
	if logger == nil {
		l := infra.NopLogger()
		logger = &l
	}
	return &DashScope{
		apiKey:    strings.TrimSpace(opts.APIKey),
		models:    models,
		watermark: opts.Watermark,
		http:      client,
		logger:    logger,
	}
}

// HasCredentials reports whether the client can perform remote calls.
func (d *DashScope) HasCredentials() bool {
	return d.apiKey != ""
}

// StartTask submits an async task and returns its id.
func (d *DashScope) StartTask(ctx context.Context, req StartRequest) (string, error) {
	if !d.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	endpoint, ok := endpoints[req.Mode]
	if !ok {
		return "", &Error{Message: fmt.Sprintf("unsupported mode %q", req.Mode)}
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", &Error{Message: "prompt is required"}
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = d.models[req.Mode]
	}

	payload := taskRequest{
		Model: model,
		Input: taskInput{
			Prompt:         prompt,
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		},
		Parameters: taskParameters{Size: sizeFor(req.Mode, req.AspectRatio)},
	}
	switch req.Mode {
	case domain.ModeImageToVideo:
		payload.Input.ImageURL = req.ReferenceImageURL
		payload.Parameters.Size = ""
	case domain.ModeImageToImage:
		payload.Input.BaseImageURL = req.ReferenceImageURL
		payload.Input.Function = "description_edit"
	}
	if req.Mode.AssetType() == domain.AssetTypeImage {
		payload.Parameters.N = 1
		payload.Parameters.Style = dashStyle(req.Style)
	}
	watermark := d.watermark
	payload.Parameters.Watermark = &watermark

	var env taskEnvelope
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("X-DashScope-Async", "enable").
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(payload).
		SetResult(&env).
		SetError(&env).
		Post(endpoint)
	if err != nil {
		return "", &Error{Message: err.Error(), Transient: true}
	}
	if perr := responseError(resp.StatusCode(), env); perr != nil {
		return "", perr
	}
	if env.Output.TaskID == "" {
		return "", &Error{Message: "empty task id", Transient: true}
	}
	d.logger.Debug().
		Str("model", model).
		Str("task_id", env.Output.TaskID).
		Str("request_id", env.RequestID).
		Str("idempotency_key", req.IdempotencyKey).
		Msg("dashscope: task submitted")
	return env.Output.TaskID, nil
}

// GetResult polls one task.
func (d *DashScope) GetResult(ctx context.Context, taskID string) (Result, error) {
	if !d.HasCredentials() {
		return Result{}, ErrMissingAPIKey
	}
	var env taskEnvelope
	resp, err := d.http.R().
		SetContext(ctx).
		SetPathParam("taskID", taskID).
		SetResult(&env).
		SetError(&env).
		Get("/tasks/{taskID}")
	if err != nil {
		return Result{}, &Error{Message: err.Error(), Transient: true}
	}
	if perr := responseError(resp.StatusCode(), env); perr != nil {
		return Result{}, perr
	}
	return normalizeTask(env), nil
}

func normalizeTask(env taskEnvelope) Result {
	out := env.Output
	switch strings.ToUpper(out.TaskStatus) {
	case "SUCCEEDED":
		url := strings.TrimSpace(out.VideoURL)
		if url == "" {
			for _, r := range out.Results {
				if strings.TrimSpace(r.URL) != "" {
					url = strings.TrimSpace(r.URL)
					break
				}
			}
		}
		if url == "" {
			return Result{State: TaskFailed, ErrorCode: "EmptyOutput", ErrorMessage: "task succeeded without output"}
		}
		return Result{State: TaskCompleted, Progress: 100, Output: &Output{URL: url}}
	case "FAILED", "CANCELED", "UNKNOWN":
		code, msg := out.Code, out.Message
		if code == "" && len(out.Results) > 0 {
			code, msg = out.Results[0].Code, out.Results[0].Message
		}
		if code == "" {
			code = strings.ToUpper(out.TaskStatus)
		}
		return Result{State: TaskFailed, ErrorCode: code, ErrorMessage: msg}
	case "RUNNING":
		progress := 50
		if m := out.TaskMetrics; m.Total > 0 {
			progress = ClampProgress(10 + 80*(m.Succeeded+m.Failed)/m.Total)
		}
		return Result{State: TaskProcessing, Progress: progress}
	default:
		return Result{State: TaskProcessing, Progress: 5}
	}
}

func responseError(status int, env taskEnvelope) *Error {
	if status < 300 && env.Code == "" {
		return nil
	}
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	transient := status == http.StatusTooManyRequests || status >= 500 ||
		strings.Contains(strings.ToLower(env.Code), "throttl") ||
		strings.EqualFold(env.Code, "InternalError")
	return &Error{Status: status, Code: env.Code, Message: msg, Transient: transient}
}

// sizeFor maps an aspect ratio to the size token the Wan models accept.
func sizeFor(mode domain.GenerationMode, aspect string) string {
	if mode.AssetType() == domain.AssetTypeVideo {
		switch strings.TrimSpace(aspect) {
		case "9:16":
			return "720*1280"
		case "1:1":
			return "960*960"
		default:
			return "1280*720"
		}
	}
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1664*928"
	case "4:3":
		return "1472*1104"
	case "3:4":
		return "1140*1472"
	case "9:16":
		return "928*1664"
	default:
		return "1024*1024"
	}
}

func dashStyle(style string) string {
	style = strings.ToLower(strings.TrimSpace(style))
	if style == "" {
		return ""
	}
	return "<" + style + ">"
}

var _ Provider = (*DashScope)(nil)
