package webhooks

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/northgate-academy/media-backend/internal/models"
)

// Repository persists the webhook event ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a webhook events repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertPending records a delivery before processing. When the external event
// id was already seen, inserted is false and priorOutcome carries the stored
// outcome (empty for a delivery that never finished), so the handler can
// decide between short-circuiting and reprocessing.
func (r *Repository) InsertPending(ctx context.Context, ev *models.WebhookEvent) (inserted bool, priorOutcome string, err error) {
	const ins = `INSERT INTO webhook_events (external_event_id, external_asset_id, event_type, payload)
		VALUES ($1, NULLIF($2,''), $3, $4)
		ON CONFLICT (external_event_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, ins, ev.ExternalEventID, ev.ExternalAssetID, ev.EventType, ev.Payload)
	if err != nil {
		return false, "", err
	}
	if tag.RowsAffected() > 0 {
		return true, "", nil
	}
	const sel = `SELECT COALESCE(outcome, '') FROM webhook_events WHERE external_event_id = $1`
	if err := r.pool.QueryRow(ctx, sel, ev.ExternalEventID).Scan(&priorOutcome); err != nil {
		return false, "", err
	}
	return false, priorOutcome, nil
}

// Finalize stamps the processing outcome. An applied row is immutable; a
// deferred or interrupted row may be re-finalized by a later redelivery.
func (r *Repository) Finalize(ctx context.Context, externalEventID, outcome string) error {
	const q = `UPDATE webhook_events SET processed_at = NOW(), outcome = $2
		WHERE external_event_id = $1 AND (outcome IS NULL OR outcome = 'deferred')`
	_, err := r.pool.Exec(ctx, q, externalEventID, outcome)
	return err
}
