package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northgate-academy/media-backend/internal/models"
)

// uniqueViolation is the PostgreSQL error code for unique constraint conflicts.
const uniqueViolation = "23505"

// Repository handles video asset persistence. All cross-writer coordination
// goes through the database's uniqueness and conditional-update guarantees;
// there are no read-decide-write sequences across round trips.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a video assets repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assetColumns = `a.id, COALESCE(a.title,''), COALESCE(a.owner_ref,''), a.storage_key,
	COALESCE(a.external_asset_id,''), COALESCE(a.external_playback_ref,''), COALESCE(a.thumbnail_ref,''),
	COALESCE(a.transcript_ref,''), COALESCE(a.error_reason,''), a.duration_seconds, a.size_bytes,
	a.processing_status, a.retry_count, a.last_attempt_at, COALESCE(e.view_count, 0), a.created_at, a.updated_at`

const assetFrom = ` FROM video_assets a LEFT JOIN asset_engagement e ON e.asset_id = a.id `

// CreateIfAbsent inserts a new pending asset keyed by storage_key, or returns
// the existing row when a client retry already registered that key. The insert
// and the conflict handling are one statement, so N concurrent registrations
// of the same key converge on one row.
func (r *Repository) CreateIfAbsent(ctx context.Context, asset *models.VideoAsset) (*models.VideoAsset, bool, error) {
	const q = `INSERT INTO video_assets (title, owner_ref, storage_key, size_bytes, processing_status)
		VALUES (NULLIF($1,''), NULLIF($2,''), $3, $4, 'pending')
		ON CONFLICT (storage_key) DO NOTHING
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, asset.Title, asset.OwnerRef, asset.StorageKey, asset.SizeBytes).
		Scan(&asset.ID, &asset.CreatedAt, &asset.UpdatedAt)
	if err == nil {
		asset.ProcessingStatus = models.AssetStatusPending
		return asset, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	existing, err := r.GetByStorageKey(ctx, asset.StorageKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID returns an asset by internal ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `WHERE a.id = $1`
	return r.scanAsset(r.pool.QueryRow(ctx, q, id))
}

// GetByStorageKey returns an asset by storage key.
func (r *Repository) GetByStorageKey(ctx context.Context, storageKey string) (*models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `WHERE a.storage_key = $1`
	return r.scanAsset(r.pool.QueryRow(ctx, q, storageKey))
}

// GetByExternalID returns an asset by external asset id, or nil when absent.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `WHERE a.external_asset_id = $1`
	asset, err := r.scanAsset(r.pool.QueryRow(ctx, q, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return asset, err
}

// GetByIDs returns the assets for the given internal IDs.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `WHERE a.id = ANY($1) ORDER BY a.created_at`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectAssets(rows)
}

// UpsertByExternalID inserts a row keyed by external_asset_id or, when one
// already exists, merges the candidate into it with a prefer-existing policy:
// only null/absent fields are filled, confirmed data is never overwritten.
// Insert attempt and conflict merge are a single atomic statement.
func (r *Repository) UpsertByExternalID(ctx context.Context, candidate *models.VideoAsset) (*models.VideoAsset, error) {
	const q = `INSERT INTO video_assets
			(title, owner_ref, storage_key, external_asset_id, external_playback_ref, thumbnail_ref, transcript_ref, duration_seconds, size_bytes, processing_status)
		VALUES (NULLIF($1,''), NULLIF($2,''), $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8, $9, $10)
		ON CONFLICT (external_asset_id) WHERE external_asset_id IS NOT NULL DO UPDATE SET
			title = COALESCE(video_assets.title, EXCLUDED.title),
			owner_ref = COALESCE(video_assets.owner_ref, EXCLUDED.owner_ref),
			external_playback_ref = COALESCE(video_assets.external_playback_ref, EXCLUDED.external_playback_ref),
			thumbnail_ref = COALESCE(video_assets.thumbnail_ref, EXCLUDED.thumbnail_ref),
			transcript_ref = COALESCE(video_assets.transcript_ref, EXCLUDED.transcript_ref),
			duration_seconds = CASE WHEN video_assets.duration_seconds > 0 THEN video_assets.duration_seconds ELSE EXCLUDED.duration_seconds END,
			size_bytes = CASE WHEN video_assets.size_bytes > 0 THEN video_assets.size_bytes ELSE EXCLUDED.size_bytes END,
			updated_at = NOW()
		RETURNING id`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, q,
		candidate.Title, candidate.OwnerRef, candidate.StorageKey, candidate.ExternalAssetID,
		candidate.ExternalPlaybackRef, candidate.ThumbnailRef, candidate.TranscriptRef,
		candidate.DurationSeconds, candidate.SizeBytes, candidate.ProcessingStatus,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert by external id: %w", err)
	}
	return r.GetByID(ctx, id)
}

// ClaimExternalID attaches an external asset id to a registered row. The happy
// path is a single conditional update; when another row already owns the id
// (an out-of-order webhook created a placeholder first) the placeholder is
// merged into the registered row and deleted, all in one transaction. One
// linear function with explicit branches, per the create-with-fallback shape.
func (r *Repository) ClaimExternalID(ctx context.Context, assetID uuid.UUID, externalID string) (*models.VideoAsset, error) {
	const claim = `UPDATE video_assets SET
			external_asset_id = $2,
			processing_status = CASE WHEN processing_status = 'pending' THEN 'processing' ELSE processing_status END,
			updated_at = NOW()
		WHERE id = $1 AND external_asset_id IS NULL`
	_, err := r.pool.Exec(ctx, claim, assetID, externalID)
	if err == nil {
		return r.GetByID(ctx, assetID)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil, fmt.Errorf("claim external id: %w", err)
	}
	// Conflict branch: a placeholder row owns this external id. Absorb it.
	if err := r.absorbPlaceholder(ctx, assetID, externalID); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, assetID)
}

func (r *Repository) absorbPlaceholder(ctx context.Context, assetID uuid.UUID, externalID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner models.VideoAsset
	err = tx.QueryRow(ctx, `SELECT id, COALESCE(external_playback_ref,''), COALESCE(thumbnail_ref,''),
			COALESCE(transcript_ref,''), COALESCE(error_reason,''), duration_seconds, processing_status
		FROM video_assets WHERE external_asset_id = $1 FOR UPDATE`, externalID).
		Scan(&owner.ID, &owner.ExternalPlaybackRef, &owner.ThumbnailRef, &owner.TranscriptRef,
			&owner.ErrorReason, &owner.DurationSeconds, &owner.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("lock placeholder: %w", err)
	}
	if owner.ID == assetID {
		return tx.Commit(ctx)
	}

	// Carry any accumulated view counters over before the cascade delete.
	if _, err := tx.Exec(ctx, `INSERT INTO asset_engagement (asset_id, view_count)
			SELECT $1, view_count FROM asset_engagement WHERE asset_id = $2
		ON CONFLICT (asset_id) DO UPDATE SET
			view_count = asset_engagement.view_count + EXCLUDED.view_count, updated_at = NOW()`,
		assetID, owner.ID); err != nil {
		return fmt.Errorf("repoint engagement: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM video_assets WHERE id = $1`, owner.ID); err != nil {
		return fmt.Errorf("delete placeholder: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE video_assets SET
			external_asset_id = $2,
			external_playback_ref = COALESCE(external_playback_ref, NULLIF($3,'')),
			thumbnail_ref = COALESCE(thumbnail_ref, NULLIF($4,'')),
			transcript_ref = COALESCE(transcript_ref, NULLIF($5,'')),
			error_reason = COALESCE(error_reason, NULLIF($6,'')),
			duration_seconds = CASE WHEN duration_seconds > 0 THEN duration_seconds ELSE $7 END,
			processing_status = CASE
				WHEN $8 IN ('ready', 'errored') THEN $8
				WHEN processing_status = 'pending' THEN 'processing'
				ELSE processing_status END,
			updated_at = NOW()
		WHERE id = $1`,
		assetID, externalID, owner.ExternalPlaybackRef, owner.ThumbnailRef, owner.TranscriptRef,
		owner.ErrorReason, owner.DurationSeconds, owner.ProcessingStatus); err != nil {
		return fmt.Errorf("merge placeholder: %w", err)
	}
	return tx.Commit(ctx)
}

// StatusAttrs carries the refs a status transition attaches. Empty/zero values
// leave the stored column untouched.
type StatusAttrs struct {
	PlaybackRef     string
	ThumbnailRef    string
	TranscriptRef   string
	DurationSeconds int
	ErrorReason     string
}

// TransitionStatus is the compare-and-swap on processing_status: the write
// lands only when the row is currently in one of the allowed predecessor
// states, so stale or reordered events can never downgrade ready/errored.
func (r *Repository) TransitionStatus(ctx context.Context, externalID, to string, from []string, attrs StatusAttrs) (bool, error) {
	const q = `UPDATE video_assets SET
			processing_status = $2,
			external_playback_ref = CASE WHEN $4 <> '' THEN $4 ELSE external_playback_ref END,
			thumbnail_ref = CASE WHEN $5 <> '' THEN $5 ELSE thumbnail_ref END,
			transcript_ref = CASE WHEN $6 <> '' THEN $6 ELSE transcript_ref END,
			duration_seconds = CASE WHEN $7 > 0 THEN $7 ELSE duration_seconds END,
			error_reason = CASE WHEN $8 <> '' THEN $8 ELSE error_reason END,
			updated_at = NOW()
		WHERE external_asset_id = $1 AND processing_status = ANY($3)`
	tag, err := r.pool.Exec(ctx, q, externalID, to, from,
		attrs.PlaybackRef, attrs.ThumbnailRef, attrs.TranscriptRef, attrs.DurationSeconds, attrs.ErrorReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetThumbnailRef points the asset's thumbnail at a mirrored object.
func (r *Repository) SetThumbnailRef(ctx context.Context, id uuid.UUID, ref string) error {
	const q = `UPDATE video_assets SET thumbnail_ref = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, ref)
	return err
}

// MarkAttempt bumps the persisted retry counter; retry/backoff state survives
// process restarts and is shared across handler instances.
func (r *Repository) MarkAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `UPDATE video_assets SET retry_count = retry_count + 1, last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 RETURNING retry_count`
	var count int
	err := r.pool.QueryRow(ctx, q, id).Scan(&count)
	return count, err
}

// MarkErrored sets an asset to errored with an operator-visible reason.
func (r *Repository) MarkErrored(ctx context.Context, id uuid.UUID, reason string) error {
	const q = `UPDATE video_assets SET processing_status = 'errored', error_reason = $2, updated_at = NOW()
		WHERE id = $1 AND processing_status <> 'ready'`
	_, err := r.pool.Exec(ctx, q, id, reason)
	return err
}

// DuplicateRows returns every asset whose external_asset_id is shared by more
// than one row, ordered so callers can group them. Data predating the unique
// constraint is the only way such rows exist.
func (r *Repository) DuplicateRows(ctx context.Context) ([]models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `WHERE a.external_asset_id IN (
			SELECT external_asset_id FROM video_assets
			WHERE external_asset_id IS NOT NULL
			GROUP BY external_asset_id HAVING COUNT(*) > 1)
		ORDER BY a.external_asset_id, a.created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectAssets(rows)
}

// ResolveDuplicates applies a computed merge: updates the primary row,
// re-points view counters, and deletes the duplicates, in one transaction.
func (r *Repository) ResolveDuplicates(ctx context.Context, primary *models.VideoAsset, duplicateIDs []uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE video_assets SET
			title = NULLIF($2,''), owner_ref = NULLIF($3,''),
			external_playback_ref = NULLIF($4,''), thumbnail_ref = NULLIF($5,''),
			transcript_ref = NULLIF($6,''), duration_seconds = $7, size_bytes = $8,
			updated_at = NOW()
		WHERE id = $1`,
		primary.ID, primary.Title, primary.OwnerRef, primary.ExternalPlaybackRef,
		primary.ThumbnailRef, primary.TranscriptRef, primary.DurationSeconds, primary.SizeBytes); err != nil {
		return fmt.Errorf("update primary: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO asset_engagement (asset_id, view_count)
			SELECT $1, COALESCE(SUM(view_count), 0) FROM asset_engagement WHERE asset_id = ANY($2)
		ON CONFLICT (asset_id) DO UPDATE SET
			view_count = asset_engagement.view_count + EXCLUDED.view_count, updated_at = NOW()`,
		primary.ID, duplicateIDs); err != nil {
		return fmt.Errorf("repoint engagement: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM video_assets WHERE id = ANY($1)`, duplicateIDs); err != nil {
		return fmt.Errorf("delete duplicates: %w", err)
	}
	return tx.Commit(ctx)
}

// StalledRegistrations returns one page of pending assets with no external id
// older than the threshold.
func (r *Repository) StalledRegistrations(ctx context.Context, olderThan time.Time, limit, offset int) ([]models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `
		WHERE a.processing_status = 'pending' AND a.external_asset_id IS NULL AND a.created_at < $1
		ORDER BY a.created_at LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, olderThan, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectAssets(rows)
}

// MissingCallbacks returns one page of assets submitted for processing whose
// callback never arrived within the threshold.
func (r *Repository) MissingCallbacks(ctx context.Context, olderThan time.Time, limit, offset int) ([]models.VideoAsset, error) {
	q := `SELECT ` + assetColumns + assetFrom + `
		WHERE a.processing_status = 'processing' AND a.external_asset_id IS NOT NULL AND a.updated_at < $1
		ORDER BY a.updated_at LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, olderThan, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectAssets(rows)
}

func (r *Repository) collectAssets(rows pgx.Rows) ([]models.VideoAsset, error) {
	var list []models.VideoAsset
	for rows.Next() {
		asset, err := r.scanAsset(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *asset)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanAsset(row rowScanner) (*models.VideoAsset, error) {
	var a models.VideoAsset
	err := row.Scan(&a.ID, &a.Title, &a.OwnerRef, &a.StorageKey, &a.ExternalAssetID,
		&a.ExternalPlaybackRef, &a.ThumbnailRef, &a.TranscriptRef, &a.ErrorReason,
		&a.DurationSeconds, &a.SizeBytes, &a.ProcessingStatus, &a.RetryCount,
		&a.LastAttemptAt, &a.ViewCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
