// Package sweeper runs the periodic reconciliation passes that repair state
// the request paths could not finish: expired upload sessions, registrations
// that never reached the provider, and processing jobs whose callback was
// lost.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/assets"
	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/internal/provider"
)

// AssetStore is the persistence surface the sweeper scans and repairs.
type AssetStore interface {
	StalledRegistrations(ctx context.Context, olderThan time.Time, limit, offset int) ([]models.VideoAsset, error)
	MissingCallbacks(ctx context.Context, olderThan time.Time, limit, offset int) ([]models.VideoAsset, error)
	MarkAttempt(ctx context.Context, id uuid.UUID) (int, error)
	MarkErrored(ctx context.Context, id uuid.UUID, reason string) error
}

// Submitter retries provider submissions for stalled registrations.
type Submitter interface {
	SubmitProcessing(ctx context.Context, asset *models.VideoAsset) (*models.VideoAsset, error)
}

// StatusPoller reads the provider's current view of a processing job.
type StatusPoller interface {
	GetAssetStatus(ctx context.Context, externalAssetID string) (*provider.AssetStatus, error)
}

// StatusApplier lands provider-reported state through the same state machine
// the webhook path uses.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, upd assets.StatusUpdate) (bool, error)
}

// SessionSweep is the upload-session side of the sweep.
type SessionSweep interface {
	ListExpired(ctx context.Context, limit int) ([]models.UploadSession, error)
	Expire(ctx context.Context, session *models.UploadSession) error
}

// Config bounds the sweep cycles.
type Config struct {
	Interval         time.Duration
	StalledAfter     time.Duration
	CallbackAfter    time.Duration
	BatchSize        int
	MaxSubmitRetries int
}

// Sweeper is the background reconciler. Every pass is idempotent: all writes
// go through conditional transitions, so overlapping sweeps or a sweep racing
// a live webhook cannot corrupt state.
type Sweeper struct {
	store     AssetStore
	submitter Submitter
	poller    StatusPoller
	applier   StatusApplier
	sessions  SessionSweep
	cfg       Config
	logger    *zap.Logger
}

// New creates a sweeper.
func New(store AssetStore, submitter Submitter, poller StatusPoller, applier StatusApplier, sessions SessionSweep, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store: store, submitter: submitter, poller: poller,
		applier: applier, sessions: sessions, cfg: cfg, logger: logger,
	}
}

// Run executes sweep cycles until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation cycle.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.SweepExpiredSessions(ctx); err != nil {
		s.logger.Error("expired session sweep failed", zap.Error(err))
	}
	if err := s.SweepStalledRegistrations(ctx); err != nil {
		s.logger.Error("stalled registration sweep failed", zap.Error(err))
	}
	if err := s.SweepMissingCallbacks(ctx); err != nil {
		s.logger.Error("missing callback sweep failed", zap.Error(err))
	}
}

// SweepExpiredSessions aborts overdue upload sessions and frees their remote
// parts.
func (s *Sweeper) SweepExpiredSessions(ctx context.Context) error {
	for {
		sessions, err := s.sessions.ListExpired(ctx, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list expired sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil
		}
		for i := range sessions {
			if err := s.sessions.Expire(ctx, &sessions[i]); err != nil {
				s.logger.Error("expire session failed", zap.Error(err),
					zap.String("session_id", sessions[i].ID.String()))
			}
		}
		if len(sessions) < s.cfg.BatchSize {
			return nil
		}
	}
}

// SweepStalledRegistrations retries provider submission for pending assets
// that never received an external id. Retries are capped; past the cap the
// asset is marked errored so it surfaces to operators instead of cycling
// forever.
func (s *Sweeper) SweepStalledRegistrations(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StalledAfter)
	for offset := 0; ; offset += s.cfg.BatchSize {
		page, err := s.store.StalledRegistrations(ctx, cutoff, s.cfg.BatchSize, offset)
		if err != nil {
			return fmt.Errorf("list stalled registrations: %w", err)
		}
		for i := range page {
			s.retrySubmission(ctx, &page[i])
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) retrySubmission(ctx context.Context, asset *models.VideoAsset) {
	// Backoff between attempts rides on the persisted last_attempt_at, so a
	// restart or a second sweeper instance cannot reset it.
	if asset.LastAttemptAt != nil && time.Since(*asset.LastAttemptAt) < s.cfg.StalledAfter {
		return
	}
	if asset.RetryCount >= s.cfg.MaxSubmitRetries {
		if err := s.store.MarkErrored(ctx, asset.ID, "processing submission retries exhausted"); err != nil {
			s.logger.Error("mark errored failed", zap.Error(err), zap.String("asset_id", asset.ID.String()))
			return
		}
		s.logger.Warn("registration abandoned after max retries",
			zap.String("asset_id", asset.ID.String()), zap.Int("retries", asset.RetryCount))
		return
	}
	attempt, err := s.store.MarkAttempt(ctx, asset.ID)
	if err != nil {
		s.logger.Error("mark attempt failed", zap.Error(err), zap.String("asset_id", asset.ID.String()))
		return
	}
	if _, err := s.submitter.SubmitProcessing(ctx, asset); err != nil {
		s.logger.Warn("stalled registration retry failed",
			zap.Error(err), zap.String("asset_id", asset.ID.String()), zap.Int("attempt", attempt))
		return
	}
	s.logger.Info("stalled registration submitted",
		zap.String("asset_id", asset.ID.String()), zap.Int("attempt", attempt))
}

// SweepMissingCallbacks polls the provider for assets stuck in processing and
// applies whatever state it reports through the regular transition path, so a
// webhook arriving mid-sweep is still safe.
func (s *Sweeper) SweepMissingCallbacks(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.CallbackAfter)
	for offset := 0; ; offset += s.cfg.BatchSize {
		page, err := s.store.MissingCallbacks(ctx, cutoff, s.cfg.BatchSize, offset)
		if err != nil {
			return fmt.Errorf("list missing callbacks: %w", err)
		}
		for i := range page {
			s.reconcileFromProvider(ctx, &page[i])
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) reconcileFromProvider(ctx context.Context, asset *models.VideoAsset) {
	st, err := s.poller.GetAssetStatus(ctx, asset.ExternalAssetID)
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			s.logger.Warn("provider unavailable during reconciliation",
				zap.String("external_asset_id", asset.ExternalAssetID))
			return
		}
		s.logger.Error("poll asset status failed", zap.Error(err),
			zap.String("external_asset_id", asset.ExternalAssetID))
		return
	}

	upd := assets.StatusUpdate{
		ExternalAssetID: asset.ExternalAssetID,
		PlaybackRef:     st.PlaybackRef,
		ThumbnailRef:    st.ThumbnailURL,
		TranscriptRef:   st.TranscriptURL,
		DurationSeconds: st.DurationSeconds,
		ErrorReason:     st.ErrorReason,
	}
	switch st.Status {
	case "ready":
		upd.Status = models.AssetStatusReady
	case "errored":
		upd.Status = models.AssetStatusErrored
	case "preparing":
		// Still in flight on the provider side. Nothing to reconcile.
		return
	default:
		s.logger.Warn("unknown provider status during reconciliation",
			zap.String("external_asset_id", asset.ExternalAssetID), zap.String("status", st.Status))
		return
	}
	applied, err := s.applier.ApplyStatus(ctx, upd)
	if err != nil {
		s.logger.Error("apply reconciled status failed", zap.Error(err),
			zap.String("external_asset_id", asset.ExternalAssetID))
		return
	}
	if applied {
		s.logger.Info("asset reconciled from provider poll",
			zap.String("external_asset_id", asset.ExternalAssetID), zap.String("status", upd.Status))
	}
}
