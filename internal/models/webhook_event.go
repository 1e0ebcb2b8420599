package models

import (
	"encoding/json"
	"time"
)

// EventOutcome records how a webhook delivery was handled (idempotency ledger).
const (
	EventOutcomeApplied           = "applied"
	EventOutcomeIgnoredDuplicate  = "ignored_duplicate"
	EventOutcomeRejectedSignature = "rejected_signature"
	EventOutcomeDeferred          = "deferred"
)

// Provider webhook event types.
const (
	EventTypeAssetCreated = "video.asset.created"
	EventTypeAssetReady   = "video.asset.ready"
	EventTypeAssetErrored = "video.asset.errored"
)

// WebhookEvent is one provider callback delivery. A given external_event_id is
// applied at most once; an applied row is immutable, while a deferred one is
// re-finalized when the provider redelivers the event.
type WebhookEvent struct {
	ExternalEventID string          `json:"external_event_id"`
	ExternalAssetID string          `json:"external_asset_id"`
	EventType       string          `json:"event_type"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}
