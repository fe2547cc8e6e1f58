package domain

import "time"

// RowStatus enumerates the per-row state machine.
type RowStatus string

const (
	RowStatusPending    RowStatus = "pending"
	RowStatusEnhancing  RowStatus = "enhancing"
	RowStatusEnhanced   RowStatus = "enhanced"
	RowStatusGenerating RowStatus = "generating"
	RowStatusCompleted  RowStatus = "completed"
	RowStatusFailed     RowStatus = "failed"
)

// Terminal reports whether the row is settled.
func (s RowStatus) Terminal() bool {
	return s == RowStatusCompleted || s == RowStatusFailed
}

// GenerationMode enumerates supported provider task kinds.
type GenerationMode string

const (
	ModeTextToImage  GenerationMode = "t2i"
	ModeImageToImage GenerationMode = "i2i"
	ModeTextToVideo  GenerationMode = "t2v"
	ModeImageToVideo GenerationMode = "i2v"
)

// Valid reports whether the mode is one of the supported kinds.
func (m GenerationMode) Valid() bool {
	switch m {
	case ModeTextToImage, ModeImageToImage, ModeTextToVideo, ModeImageToVideo:
		return true
	default:
		return false
	}
}

// AssetType returns the kind of asset the mode produces.
func (m GenerationMode) AssetType() AssetType {
	if m == ModeTextToVideo || m == ModeImageToVideo {
		return AssetTypeVideo
	}
	return AssetTypeImage
}

// NeedsReference reports whether the mode conditions on a source image.
func (m GenerationMode) NeedsReference() bool {
	return m == ModeImageToImage || m == ModeImageToVideo
}

// ProductRow is the validated payload of one spreadsheet row. Only Prompt and
// RowIndex are required; everything else is optional product metadata.
type ProductRow struct {
	RowIndex          int            `json:"row_index"`
	Prompt            string         `json:"prompt"`
	Mode              GenerationMode `json:"mode"`
	Model             string         `json:"model,omitempty"`
	Style             string         `json:"style,omitempty"`
	AspectRatio       string         `json:"aspect_ratio,omitempty"`
	NegativePrompt    string         `json:"negative_prompt,omitempty"`
	ReferenceImageURL string         `json:"reference_image_url,omitempty"`
	ProductName       *string        `json:"product_name,omitempty"`
	SKU               *string        `json:"sku,omitempty"`
	Category          *string        `json:"category,omitempty"`
	Price             *string        `json:"price,omitempty"`
	Description       *string        `json:"description,omitempty"`
}

// RowTask is the working unit for one row of a batch job.
type RowTask struct {
	JobID          string
	OwnerID        string
	RowIndex       int
	Payload        ProductRow
	EnhancedPrompt string
	ExternalTaskID string
	Status         RowStatus
	ProgressHint   int
	ChargedCredits int64
	RefundDue      bool
	RefundAmount   int64
	ErrorCode      string
	Error          string
	DispatchedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectivePrompt is the prompt sent to the provider.
func (r RowTask) EffectivePrompt() string {
	if r.EnhancedPrompt != "" {
		return r.EnhancedPrompt
	}
	return r.Payload.Prompt
}
