package uploads

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northgate-academy/media-backend/internal/models"
)

// Repository handles upload session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an upload sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, storage_key, remote_upload_id, filename, content_type, total_size, part_size, total_parts, parts, state, created_at, expires_at`

// Create inserts a new upload session.
func (r *Repository) Create(ctx context.Context, s *models.UploadSession) error {
	const q = `INSERT INTO upload_sessions (id, storage_key, remote_upload_id, filename, content_type, total_size, part_size, total_parts, parts, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}'::jsonb, $9, $10)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, s.ID, s.StorageKey, s.RemoteUploadID, s.Filename, s.ContentType, s.TotalSize, s.PartSize, s.TotalParts, s.State, s.ExpiresAt).
		Scan(&s.CreatedAt)
}

// GetByID returns an upload session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`
	return r.scanSession(r.pool.QueryRow(ctx, q, id))
}

// RecordPart stores one part's etag and size in the session's part map,
// last-write-wins per part. Returns false when the session no longer accepts
// parts.
func (r *Repository) RecordPart(ctx context.Context, id uuid.UUID, partNumber int, info models.PartInfo) (bool, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal part info: %w", err)
	}
	const q = `UPDATE upload_sessions
		SET parts = jsonb_set(parts, ARRAY[$2::text], $3::jsonb, true), state = 'in_progress'
		WHERE id = $1 AND state IN ('initiated', 'in_progress')`
	tag, err := r.pool.Exec(ctx, q, id, strconv.Itoa(partNumber), raw)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Transition moves a session from any of the given states to the target state.
// Returns false when the session was not in an allowed predecessor state, which
// lets concurrent complete/abort/expire race safely.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	const q = `UPDATE upload_sessions SET state = $2 WHERE id = $1 AND state = ANY($3)`
	tag, err := r.pool.Exec(ctx, q, id, to, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpired returns non-terminal sessions past expires_at, oldest first.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE expires_at < $1 AND state IN ('initiated', 'in_progress')
		ORDER BY expires_at LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.UploadSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanSession(row rowScanner) (*models.UploadSession, error) {
	var s models.UploadSession
	var partsRaw []byte
	err := row.Scan(&s.ID, &s.StorageKey, &s.RemoteUploadID, &s.Filename, &s.ContentType, &s.TotalSize, &s.PartSize, &s.TotalParts, &partsRaw, &s.State, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	keyed := map[string]models.PartInfo{}
	if len(partsRaw) > 0 {
		if err := json.Unmarshal(partsRaw, &keyed); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
	}
	s.Parts = make(map[int]models.PartInfo, len(keyed))
	for k, v := range keyed {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid part number %q", k)
		}
		s.Parts[n] = v
	}
	return &s, nil
}
