package models

import (
	"time"

	"github.com/google/uuid"
)

// AssetStatus represents the video processing lifecycle.
const (
	AssetStatusPending    = "pending"
	AssetStatusProcessing = "processing"
	AssetStatusReady      = "ready"
	AssetStatusErrored    = "errored"
)

// VideoAsset is the canonical record for one ingested video. At most one row
// exists per storage_key and per non-null external_asset_id.
type VideoAsset struct {
	ID                  uuid.UUID  `json:"id"`
	Title               string     `json:"title,omitempty"`
	OwnerRef            string     `json:"owner_ref,omitempty"`
	StorageKey          string     `json:"storage_key"`
	ExternalAssetID     string     `json:"external_asset_id,omitempty"`
	ExternalPlaybackRef string     `json:"external_playback_ref,omitempty"`
	ThumbnailRef        string     `json:"thumbnail_ref,omitempty"`
	TranscriptRef       string     `json:"transcript_ref,omitempty"`
	ErrorReason         string     `json:"error_reason,omitempty"`
	DurationSeconds     int        `json:"duration_seconds"`
	SizeBytes           int64      `json:"size_bytes"`
	ProcessingStatus    string     `json:"processing_status"`
	RetryCount          int        `json:"retry_count"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	ViewCount           int64      `json:"view_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
