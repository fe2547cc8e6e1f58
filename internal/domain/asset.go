package domain

import "time"

// AssetType enumerates asset kinds.
type AssetType string

const (
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
)

// AssetStatus enumerates the outcome of one generation.
type AssetStatus string

const (
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// Asset is the durable record of one generation outcome. Metadata always
// carries the provider task id under "task_id".
type Asset struct {
	ID             string
	OwnerID        string
	BatchJobID     string
	RowIndex       int
	AssetType      AssetType
	GenerationMode GenerationMode
	Prompt         string
	EnhancedPrompt string
	StorageRef     string
	PublicRef      string
	Status         AssetStatus
	CreditsSpent   int64
	ErrorMessage   string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RowOutcome joins a row with its asset projection for client polling.
type RowOutcome struct {
	Row   RowTask
	Asset *Asset
}
