package assets

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/models"
)

// StrategyPreferPrimary is the only supported resolution strategy: fields
// already set on the primary row are never overwritten by a duplicate.
const StrategyPreferPrimary = "prefer_primary"

// externalPlaceholderPrefix prefixes the synthetic storage key of an asset row
// created by a webhook that arrived before its registration committed.
const externalPlaceholderPrefix = "external/"

// ResolverStore is the persistence surface the dedup resolver needs.
type ResolverStore interface {
	UpsertByExternalID(ctx context.Context, candidate *models.VideoAsset) (*models.VideoAsset, error)
	ClaimExternalID(ctx context.Context, assetID uuid.UUID, externalID string) (*models.VideoAsset, error)
	TransitionStatus(ctx context.Context, externalID, to string, from []string, attrs StatusAttrs) (bool, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.VideoAsset, error)
	DuplicateRows(ctx context.Context) ([]models.VideoAsset, error)
	ResolveDuplicates(ctx context.Context, primary *models.VideoAsset, duplicateIDs []uuid.UUID) error
}

// Resolver enforces one canonical VideoAsset per external asset id: creation
// races collapse into a merge, and historical duplicates can be audited and
// collapsed administratively.
type Resolver struct {
	store  ResolverStore
	logger *zap.Logger
}

// NewResolver creates a dedup resolver.
func NewResolver(store ResolverStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// FindOrCreateByExternalID inserts a row for the external id or merges the
// candidate's missing fields into the existing one (prefer-existing). The
// underlying statement is a single atomic insert-or-merge.
func (r *Resolver) FindOrCreateByExternalID(ctx context.Context, externalID string, candidate *models.VideoAsset) (*models.VideoAsset, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external id required")
	}
	c := *candidate
	c.ExternalAssetID = externalID
	if c.StorageKey == "" {
		c.StorageKey = externalPlaceholderPrefix + externalID
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = models.AssetStatusPending
	}
	return r.store.UpsertByExternalID(ctx, &c)
}

// AttachExternalID links a provider-issued id to an already-registered asset.
// When a webhook placeholder already owns the id, the placeholder is absorbed
// into the registered row.
func (r *Resolver) AttachExternalID(ctx context.Context, assetID uuid.UUID, externalID string) (*models.VideoAsset, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external id required")
	}
	return r.store.ClaimExternalID(ctx, assetID, externalID)
}

// StatusUpdate is a provider-reported state change, from a webhook or a
// reconciliation poll.
type StatusUpdate struct {
	ExternalAssetID string
	Status          string // ready | errored | processing
	PlaybackRef     string
	ThumbnailRef    string
	TranscriptRef   string
	DurationSeconds float64
	ErrorReason     string
}

// ApplyStatus drives the asset state machine from a provider report. The row
// is upserted first (callbacks may outrun the registering transaction), then
// the transition lands via compare-and-swap so stale events never downgrade
// ready/errored. Returns whether the transition was applied.
func (r *Resolver) ApplyStatus(ctx context.Context, upd StatusUpdate) (bool, error) {
	duration := int(math.Round(upd.DurationSeconds))
	candidate := &models.VideoAsset{
		ExternalAssetID:     upd.ExternalAssetID,
		ExternalPlaybackRef: upd.PlaybackRef,
		ThumbnailRef:        upd.ThumbnailRef,
		TranscriptRef:       upd.TranscriptRef,
		DurationSeconds:     duration,
		ProcessingStatus:    models.AssetStatusProcessing,
	}
	if _, err := r.FindOrCreateByExternalID(ctx, upd.ExternalAssetID, candidate); err != nil {
		return false, fmt.Errorf("find or create asset: %w", err)
	}

	var to string
	var from []string
	attrs := StatusAttrs{
		PlaybackRef:     upd.PlaybackRef,
		ThumbnailRef:    upd.ThumbnailRef,
		TranscriptRef:   upd.TranscriptRef,
		DurationSeconds: duration,
	}
	switch upd.Status {
	case models.AssetStatusReady:
		to = models.AssetStatusReady
		from = []string{models.AssetStatusPending, models.AssetStatusProcessing}
	case models.AssetStatusErrored:
		to = models.AssetStatusErrored
		from = []string{models.AssetStatusPending, models.AssetStatusProcessing}
		attrs.ErrorReason = upd.ErrorReason
	case models.AssetStatusProcessing:
		to = models.AssetStatusProcessing
		from = []string{models.AssetStatusPending, models.AssetStatusErrored}
	default:
		return false, fmt.Errorf("unknown provider status %q", upd.Status)
	}

	applied, err := r.store.TransitionStatus(ctx, upd.ExternalAssetID, to, from, attrs)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	if !applied {
		r.logger.Debug("stale status event ignored",
			zap.String("external_asset_id", upd.ExternalAssetID), zap.String("status", upd.Status))
	}
	return applied, nil
}

// DuplicateGroup is one set of rows sharing an external asset id.
type DuplicateGroup struct {
	ExternalAssetID string              `json:"external_asset_id"`
	Assets          []models.VideoAsset `json:"assets"`
}

// DetectDuplicateGroups audits data predating the uniqueness constraint,
// returning every external id held by more than one row.
func (r *Resolver) DetectDuplicateGroups(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := r.store.DuplicateRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan duplicates: %w", err)
	}
	var groups []DuplicateGroup
	for _, asset := range rows {
		if len(groups) == 0 || groups[len(groups)-1].ExternalAssetID != asset.ExternalAssetID {
			groups = append(groups, DuplicateGroup{ExternalAssetID: asset.ExternalAssetID})
		}
		last := &groups[len(groups)-1]
		last.Assets = append(last.Assets, asset)
	}
	return groups, nil
}

// ResolveReport describes a planned or executed duplicate merge.
type ResolveReport struct {
	PrimaryID      uuid.UUID         `json:"primary_id"`
	Deleted        []uuid.UUID       `json:"deleted"`
	FilledFields   map[string]string `json:"filled_fields"`
	ViewsRepointed int64             `json:"views_repointed"`
	DryRun         bool              `json:"dry_run"`
}

// Resolve merges the duplicates into the primary row (field-level
// prefer-primary), re-points view counters, and deletes the duplicate rows.
// With dryRun the identical report is computed without mutating anything;
// destructive runs are expected to follow a dry run.
func (r *Resolver) Resolve(ctx context.Context, primaryID uuid.UUID, duplicateIDs []uuid.UUID, strategy string, dryRun bool) (*ResolveReport, error) {
	if strategy == "" {
		strategy = StrategyPreferPrimary
	}
	if strategy != StrategyPreferPrimary {
		return nil, fmt.Errorf("unsupported strategy %q", strategy)
	}
	if len(duplicateIDs) == 0 {
		return nil, fmt.Errorf("no duplicates given")
	}
	all, err := r.store.GetByIDs(ctx, append([]uuid.UUID{primaryID}, duplicateIDs...))
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	var primary *models.VideoAsset
	duplicates := make([]models.VideoAsset, 0, len(duplicateIDs))
	for i := range all {
		if all[i].ID == primaryID {
			primary = &all[i]
		} else {
			duplicates = append(duplicates, all[i])
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("primary asset %s not found", primaryID)
	}
	if len(duplicates) != len(duplicateIDs) {
		return nil, fmt.Errorf("some duplicate assets not found")
	}

	merged := *primary
	report := &ResolveReport{
		PrimaryID:    primaryID,
		FilledFields: map[string]string{},
		DryRun:       dryRun,
	}
	for _, dup := range duplicates {
		for field, filled := range mergeMissing(&merged, &dup) {
			report.FilledFields[field] = filled
		}
		report.ViewsRepointed += dup.ViewCount
		report.Deleted = append(report.Deleted, dup.ID)
	}
	if dryRun {
		return report, nil
	}
	if err := r.store.ResolveDuplicates(ctx, &merged, report.Deleted); err != nil {
		return nil, fmt.Errorf("resolve duplicates: %w", err)
	}
	r.logger.Info("duplicate assets resolved",
		zap.String("primary_id", primaryID.String()), zap.Int("deleted", len(report.Deleted)))
	return report, nil
}

// mergeMissing fills the primary's empty fields from a duplicate and reports
// what was filled. Non-empty primary fields are left untouched.
func mergeMissing(primary, dup *models.VideoAsset) map[string]string {
	filled := map[string]string{}
	fill := func(name string, dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			filled[name] = src
		}
	}
	fill("title", &primary.Title, dup.Title)
	fill("owner_ref", &primary.OwnerRef, dup.OwnerRef)
	fill("external_playback_ref", &primary.ExternalPlaybackRef, dup.ExternalPlaybackRef)
	fill("thumbnail_ref", &primary.ThumbnailRef, dup.ThumbnailRef)
	fill("transcript_ref", &primary.TranscriptRef, dup.TranscriptRef)
	if primary.DurationSeconds == 0 && dup.DurationSeconds > 0 {
		primary.DurationSeconds = dup.DurationSeconds
		filled["duration_seconds"] = fmt.Sprintf("%d", dup.DurationSeconds)
	}
	if primary.SizeBytes == 0 && dup.SizeBytes > 0 {
		primary.SizeBytes = dup.SizeBytes
		filled["size_bytes"] = fmt.Sprintf("%d", dup.SizeBytes)
	}
	return filled
}
