package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/assets"
	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/queue"
	"github.com/northgate-academy/media-backend/pkg/response"
)

// SignatureHeader carries the provider's HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Processing-Signature"

// maxBodySize bounds webhook payloads; anything larger is not a callback.
const maxBodySize = 1 << 20

// EventStore is the idempotency ledger.
type EventStore interface {
	InsertPending(ctx context.Context, ev *models.WebhookEvent) (inserted bool, priorOutcome string, err error)
	Finalize(ctx context.Context, externalEventID, outcome string) error
}

// StatusApplier drives the asset state machine from provider reports.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, upd assets.StatusUpdate) (bool, error)
}

// JobQueue defers supplementary work (thumbnail mirroring) off the callback
// path so the endpoint stays inside its response budget.
type JobQueue interface {
	EnqueueAssetEnrich(ctx context.Context, payload queue.AssetEnrichPayload) error
}

// Envelope is the provider callback body.
type Envelope struct {
	EventType       string       `json:"event_type"`
	ExternalEventID string       `json:"external_event_id"`
	ExternalAssetID string       `json:"external_asset_id"`
	Payload         EventPayload `json:"payload"`
}

// EventPayload carries the event-type-specific fields.
type EventPayload struct {
	PlaybackRef     string  `json:"playback_id"`
	ThumbnailURL    string  `json:"thumbnail_url"`
	TranscriptURL   string  `json:"transcript_url"`
	DurationSeconds float64 `json:"duration"`
	ErrorReason     string  `json:"reason"`
}

// Handler handles POST /webhooks/processing callbacks from the external
// processing provider.
type Handler struct {
	events  EventStore
	applier StatusApplier
	jobs    JobQueue
	secret  string
	logger  *zap.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(events EventStore, applier StatusApplier, jobs JobQueue, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{events: events, applier: applier, jobs: jobs, secret: secret, logger: logger}
}

// Handle verifies the callback signature, deduplicates by event id, and
// applies the state transition. Duplicate deliveries and out-of-order events
// are expected and must be safe.
func (h *Handler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		response.BadRequest(c, "failed to read body")
		return
	}

	if !h.verifySignature(body, c.GetHeader(SignatureHeader)) {
		// Security rejection: logged, never processed, no database writes.
		h.logger.Warn("webhook signature verification failed", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Redelivery will carry the same malformed shape; drop it loudly.
		h.logger.Error("malformed webhook payload after valid signature", zap.Error(err), zap.ByteString("body", body))
		response.BadRequest(c, "malformed payload")
		return
	}
	if env.ExternalEventID == "" || env.ExternalAssetID == "" {
		h.logger.Error("webhook payload missing identifiers", zap.ByteString("body", body))
		response.BadRequest(c, "external_event_id and external_asset_id required")
		return
	}

	inserted, prior, err := h.events.InsertPending(c.Request.Context(), &models.WebhookEvent{
		ExternalEventID: env.ExternalEventID,
		ExternalAssetID: env.ExternalAssetID,
		EventType:       env.EventType,
		Payload:         body,
	})
	if err != nil {
		h.logger.Error("insert webhook event failed", zap.Error(err), zap.String("event_id", env.ExternalEventID))
		response.Internal(c, "failed to record event")
		return
	}
	if !inserted && prior == models.EventOutcomeApplied {
		response.OK(c, gin.H{"outcome": models.EventOutcomeIgnoredDuplicate})
		return
	}
	// A deferred or interrupted delivery is reprocessed on redelivery; only an
	// applied one short-circuits.

	outcome := h.dispatch(c.Request.Context(), &env)
	if err := h.events.Finalize(c.Request.Context(), env.ExternalEventID, outcome); err != nil {
		h.logger.Error("finalize webhook event failed", zap.Error(err), zap.String("event_id", env.ExternalEventID))
	}
	response.OK(c, gin.H{"outcome": outcome})
}

// dispatch applies one event and returns its ledger outcome. Failures return
// deferred: the asset keeps its current status and the reconciliation sweeper
// repairs it from the provider's status endpoint.
func (h *Handler) dispatch(ctx context.Context, env *Envelope) string {
	switch env.EventType {
	case models.EventTypeAssetCreated:
		// Bookkeeping only. The event may outrun the registering transaction;
		// that is tolerated, not an error.
		return models.EventOutcomeApplied

	case models.EventTypeAssetReady:
		applied, err := h.applier.ApplyStatus(ctx, assets.StatusUpdate{
			ExternalAssetID: env.ExternalAssetID,
			Status:          models.AssetStatusReady,
			PlaybackRef:     env.Payload.PlaybackRef,
			ThumbnailRef:    env.Payload.ThumbnailURL,
			TranscriptRef:   env.Payload.TranscriptURL,
			DurationSeconds: env.Payload.DurationSeconds,
		})
		if err != nil {
			h.logger.Error("apply ready event failed", zap.Error(err), zap.String("external_asset_id", env.ExternalAssetID))
			return models.EventOutcomeDeferred
		}
		if applied && env.Payload.ThumbnailURL != "" {
			if err := h.jobs.EnqueueAssetEnrich(ctx, queue.AssetEnrichPayload{
				ExternalAssetID: env.ExternalAssetID,
				ThumbnailURL:    env.Payload.ThumbnailURL,
			}); err != nil {
				h.logger.Error("enqueue enrich failed", zap.Error(err), zap.String("external_asset_id", env.ExternalAssetID))
			}
		}
		return models.EventOutcomeApplied

	case models.EventTypeAssetErrored:
		_, err := h.applier.ApplyStatus(ctx, assets.StatusUpdate{
			ExternalAssetID: env.ExternalAssetID,
			Status:          models.AssetStatusErrored,
			ErrorReason:     env.Payload.ErrorReason,
		})
		if err != nil {
			h.logger.Error("apply errored event failed", zap.Error(err), zap.String("external_asset_id", env.ExternalAssetID))
			return models.EventOutcomeDeferred
		}
		return models.EventOutcomeApplied

	default:
		h.logger.Warn("unknown webhook event type", zap.String("event_type", env.EventType))
		return models.EventOutcomeApplied
	}
}

// verifySignature checks the HMAC-SHA256 of the raw payload in constant time.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
