package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/internal/provider"
	"github.com/northgate-academy/media-backend/pkg/queue"
)

// RegistrationStore is the persistence surface the registration service needs.
type RegistrationStore interface {
	CreateIfAbsent(ctx context.Context, asset *models.VideoAsset) (*models.VideoAsset, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error)
	MarkAttempt(ctx context.Context, id uuid.UUID) (int, error)
}

// ProcessingClient submits jobs to the external processing provider.
type ProcessingClient interface {
	CreateAsset(ctx context.Context, in provider.CreateAssetInput) (string, error)
}

// SourceSigner hands the provider a time-limited URL for the source object.
type SourceSigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// JobQueue defers failed provider submissions to the background retry path.
type JobQueue interface {
	EnqueueSubmitProcessing(ctx context.Context, payload queue.SubmitProcessingPayload) error
}

// RegisterInput is the metadata accompanying a completed upload.
type RegisterInput struct {
	StorageKey string
	Title      string
	OwnerRef   string
	SizeBytes  int64
}

// Service registers completed uploads as canonical assets and hands them to
// the external processing provider.
type Service struct {
	store    RegistrationStore
	resolver *Resolver
	client   ProcessingClient
	signer   SourceSigner
	jobs     JobQueue
	logger   *zap.Logger
}

// NewService creates an asset registration service.
func NewService(store RegistrationStore, resolver *Resolver, client ProcessingClient, signer SourceSigner, jobs JobQueue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, resolver: resolver, client: client, signer: signer, jobs: jobs, logger: logger}
}

// Register creates (or returns the existing) canonical asset for a storage key
// and requests external processing. Registration never rolls back on provider
// failure: the row stays pending and the retry path takes over, so "ingestion
// succeeded" is decoupled from "processing accepted".
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.VideoAsset, error) {
	if in.StorageKey == "" {
		return nil, fmt.Errorf("storage key required")
	}
	asset := &models.VideoAsset{
		Title:      in.Title,
		OwnerRef:   in.OwnerRef,
		StorageKey: in.StorageKey,
		SizeBytes:  in.SizeBytes,
	}
	asset, created, err := s.store.CreateIfAbsent(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	if !created {
		return asset, nil
	}

	submitted, err := s.SubmitProcessing(ctx, asset)
	if err != nil {
		s.logger.Warn("processing submission failed, deferring to retry path",
			zap.Error(err), zap.String("asset_id", asset.ID.String()))
		if _, markErr := s.store.MarkAttempt(ctx, asset.ID); markErr != nil {
			s.logger.Error("mark attempt failed", zap.Error(markErr), zap.String("asset_id", asset.ID.String()))
		}
		if qErr := s.jobs.EnqueueSubmitProcessing(ctx, queue.SubmitProcessingPayload{AssetID: asset.ID}); qErr != nil {
			s.logger.Error("enqueue submit retry failed", zap.Error(qErr), zap.String("asset_id", asset.ID.String()))
		}
		return asset, nil
	}
	return submitted, nil
}

// SubmitProcessing hands the source object to the provider and links the
// returned external id through the dedup resolver, never via a raw update.
// Also the retry entrypoint for the sweeper and the queue worker.
func (s *Service) SubmitProcessing(ctx context.Context, asset *models.VideoAsset) (*models.VideoAsset, error) {
	if asset.ExternalAssetID != "" {
		return asset, nil
	}
	sourceURL, err := s.signer.GeneratePresignedDownloadURL(ctx, asset.StorageKey, s.signer.PresignExpire())
	if err != nil {
		return nil, fmt.Errorf("presign source: %w", err)
	}
	externalID, err := s.client.CreateAsset(ctx, provider.CreateAssetInput{
		SourceURL:        sourceURL,
		PlaybackPolicy:   "signed",
		GenerateCaptions: true,
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("create provider asset: %w", err)
	}
	linked, err := s.resolver.AttachExternalID(ctx, asset.ID, externalID)
	if err != nil {
		return nil, fmt.Errorf("attach external id: %w", err)
	}
	s.logger.Info("processing job submitted",
		zap.String("asset_id", asset.ID.String()), zap.String("external_asset_id", externalID))
	return linked, nil
}

// Get returns an asset by internal ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	return s.store.GetByID(ctx, id)
}
