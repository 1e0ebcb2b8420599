// Package worker consumes the ingestion job queue: thumbnail mirroring after
// a ready callback and deferred provider submissions.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/queue"
	"github.com/northgate-academy/media-backend/pkg/storage"
)

// AssetStore is the persistence surface the job processor needs.
type AssetStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.VideoAsset, error)
	SetThumbnailRef(ctx context.Context, id uuid.UUID, ref string) error
}

// Submitter retries provider submissions deferred from the registration path.
type Submitter interface {
	SubmitProcessing(ctx context.Context, asset *models.VideoAsset) (*models.VideoAsset, error)
}

// Processor executes ingestion jobs from the Redis queue.
type Processor struct {
	store     AssetStore
	submitter Submitter
	s3        *storage.S3
	queue     *queue.Queue
	http      *http.Client
	logger    *zap.Logger
}

// NewProcessor creates an ingestion job processor.
func NewProcessor(store AssetStore, submitter Submitter, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     store,
		submitter: submitter,
		s3:        s3,
		queue:     q,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeAssetEnrich:
		var payload queue.AssetEnrichPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.enrichAsset(ctx, payload)
	case queue.JobTypeSubmitProcessing:
		var payload queue.SubmitProcessingPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.submitProcessing(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// enrichAsset mirrors the provider-hosted thumbnail into our bucket and points
// the asset at the mirrored object. Re-running the job overwrites the same key.
func (p *Processor) enrichAsset(ctx context.Context, payload queue.AssetEnrichPayload) error {
	asset, err := p.lookupAsset(ctx, payload)
	if err != nil {
		return err
	}
	if payload.ThumbnailURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.ThumbnailURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download thumbnail status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	key := storage.ThumbnailKey(asset.ID.String())
	url, err := p.s3.Upload(ctx, key, contentType, resp.Body, resp.ContentLength)
	if err != nil {
		return fmt.Errorf("mirror thumbnail: %w", err)
	}
	if err := p.store.SetThumbnailRef(ctx, asset.ID, url); err != nil {
		return fmt.Errorf("set thumbnail ref: %w", err)
	}
	p.logger.Info("thumbnail mirrored", zap.String("asset_id", asset.ID.String()), zap.String("s3_key", key))
	return nil
}

func (p *Processor) lookupAsset(ctx context.Context, payload queue.AssetEnrichPayload) (*models.VideoAsset, error) {
	if payload.AssetID != uuid.Nil {
		return p.store.GetByID(ctx, payload.AssetID)
	}
	asset, err := p.store.GetByExternalID(ctx, payload.ExternalAssetID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("asset not found for external id %s", payload.ExternalAssetID)
	}
	return asset, nil
}

// submitProcessing retries a provider submission that failed during
// registration. A no-op when a previous retry already attached an external id.
func (p *Processor) submitProcessing(ctx context.Context, payload queue.SubmitProcessingPayload) error {
	asset, err := p.store.GetByID(ctx, payload.AssetID)
	if err != nil {
		return fmt.Errorf("asset not found: %s", payload.AssetID)
	}
	if asset.ExternalAssetID != "" {
		p.logger.Info("asset already submitted", zap.String("asset_id", asset.ID.String()))
		return nil
	}
	if _, err := p.submitter.SubmitProcessing(ctx, asset); err != nil {
		return fmt.Errorf("submit processing: %w", err)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ingest worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
