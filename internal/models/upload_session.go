package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState represents the chunked upload session lifecycle. Transitions
// only move forward; a completed session is immutable.
const (
	SessionStateInitiated  = "initiated"
	SessionStateInProgress = "in_progress"
	SessionStateCompleted  = "completed"
	SessionStateAborted    = "aborted"
	SessionStateExpired    = "expired"
)

// PartInfo records one uploaded part. Size is reported at record time (the
// object store interface has no list-parts call) and validated at completion.
type PartInfo struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// UploadSession coordinates one chunked transfer to the object store. The row
// is the single source of truth; there is no in-memory session state.
type UploadSession struct {
	ID             uuid.UUID        `json:"id"`
	StorageKey     string           `json:"storage_key"`
	RemoteUploadID string           `json:"-"`
	Filename       string           `json:"filename"`
	ContentType    string           `json:"content_type"`
	TotalSize      int64            `json:"total_size"`
	PartSize       int64            `json:"part_size"`
	TotalParts     int              `json:"total_parts"`
	Parts          map[int]PartInfo `json:"parts"`
	State          string           `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Active reports whether the session can still accept parts.
func (s *UploadSession) Active() bool {
	return s.State == SessionStateInitiated || s.State == SessionStateInProgress
}
