package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-academy/media-backend/internal/assets"
	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/internal/provider"
)

type fakeAssetStore struct {
	stalled  []models.VideoAsset
	missing  []models.VideoAsset
	attempts map[uuid.UUID]int
	errored  map[uuid.UUID]string
}

func newFakeAssetStore() *fakeAssetStore {
	return &fakeAssetStore{attempts: map[uuid.UUID]int{}, errored: map[uuid.UUID]string{}}
}

func (f *fakeAssetStore) StalledRegistrations(_ context.Context, _ time.Time, _, offset int) ([]models.VideoAsset, error) {
	if offset > 0 {
		return nil, nil
	}
	return f.stalled, nil
}

func (f *fakeAssetStore) MissingCallbacks(_ context.Context, _ time.Time, _, offset int) ([]models.VideoAsset, error) {
	if offset > 0 {
		return nil, nil
	}
	return f.missing, nil
}

func (f *fakeAssetStore) MarkAttempt(_ context.Context, id uuid.UUID) (int, error) {
	f.attempts[id]++
	return f.attempts[id], nil
}

func (f *fakeAssetStore) MarkErrored(_ context.Context, id uuid.UUID, reason string) error {
	f.errored[id] = reason
	return nil
}

type fakeSubmitter struct {
	submitted []uuid.UUID
	err       error
}

func (f *fakeSubmitter) SubmitProcessing(_ context.Context, asset *models.VideoAsset) (*models.VideoAsset, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, asset.ID)
	return asset, nil
}

type fakePoller struct {
	statuses map[string]*provider.AssetStatus
	err      error
}

func (f *fakePoller) GetAssetStatus(_ context.Context, externalAssetID string) (*provider.AssetStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.statuses[externalAssetID], nil
}

type fakeApplier struct {
	updates []assets.StatusUpdate
}

func (f *fakeApplier) ApplyStatus(_ context.Context, upd assets.StatusUpdate) (bool, error) {
	f.updates = append(f.updates, upd)
	return true, nil
}

type fakeSessionSweep struct {
	expired []models.UploadSession
	swept   []uuid.UUID
}

func (f *fakeSessionSweep) ListExpired(_ context.Context, _ int) ([]models.UploadSession, error) {
	return f.expired, nil
}

func (f *fakeSessionSweep) Expire(_ context.Context, session *models.UploadSession) error {
	f.swept = append(f.swept, session.ID)
	return nil
}

func newTestSweeper(store *fakeAssetStore, sub *fakeSubmitter, poller *fakePoller, applier *fakeApplier, sessions *fakeSessionSweep) *Sweeper {
	return New(store, sub, poller, applier, sessions, Config{
		Interval:         time.Minute,
		StalledAfter:     15 * time.Minute,
		CallbackAfter:    time.Hour,
		BatchSize:        100,
		MaxSubmitRetries: 5,
	}, nil)
}

func TestSweepExpiredSessions(t *testing.T) {
	sessions := &fakeSessionSweep{expired: []models.UploadSession{
		{ID: uuid.New(), State: models.SessionStateInitiated},
		{ID: uuid.New(), State: models.SessionStateInProgress},
	}}
	s := newTestSweeper(newFakeAssetStore(), &fakeSubmitter{}, &fakePoller{}, &fakeApplier{}, sessions)

	require.NoError(t, s.SweepExpiredSessions(context.Background()))
	assert.Len(t, sessions.swept, 2)
}

func TestSweepStalledRegistrationsRetries(t *testing.T) {
	store := newFakeAssetStore()
	fresh := models.VideoAsset{ID: uuid.New(), ProcessingStatus: models.AssetStatusPending}
	recent := time.Now().Add(-time.Minute)
	backedOff := models.VideoAsset{ID: uuid.New(), ProcessingStatus: models.AssetStatusPending, RetryCount: 1, LastAttemptAt: &recent}
	store.stalled = []models.VideoAsset{fresh, backedOff}
	sub := &fakeSubmitter{}
	s := newTestSweeper(store, sub, &fakePoller{}, &fakeApplier{}, &fakeSessionSweep{})

	require.NoError(t, s.SweepStalledRegistrations(context.Background()))

	// Only the asset outside its backoff window is retried.
	assert.Equal(t, []uuid.UUID{fresh.ID}, sub.submitted)
	assert.Equal(t, 1, store.attempts[fresh.ID])
	assert.Zero(t, store.attempts[backedOff.ID])
}

func TestSweepStalledRegistrationsGivesUpAfterMaxRetries(t *testing.T) {
	store := newFakeAssetStore()
	exhausted := models.VideoAsset{ID: uuid.New(), ProcessingStatus: models.AssetStatusPending, RetryCount: 5}
	store.stalled = []models.VideoAsset{exhausted}
	sub := &fakeSubmitter{}
	s := newTestSweeper(store, sub, &fakePoller{}, &fakeApplier{}, &fakeSessionSweep{})

	require.NoError(t, s.SweepStalledRegistrations(context.Background()))

	assert.Empty(t, sub.submitted)
	assert.Contains(t, store.errored[exhausted.ID], "retries exhausted")
}

func TestSweepMissingCallbacksAppliesProviderState(t *testing.T) {
	store := newFakeAssetStore()
	store.missing = []models.VideoAsset{
		{ID: uuid.New(), ExternalAssetID: "ext-ready", ProcessingStatus: models.AssetStatusProcessing},
		{ID: uuid.New(), ExternalAssetID: "ext-preparing", ProcessingStatus: models.AssetStatusProcessing},
		{ID: uuid.New(), ExternalAssetID: "ext-errored", ProcessingStatus: models.AssetStatusProcessing},
	}
	poller := &fakePoller{statuses: map[string]*provider.AssetStatus{
		"ext-ready":     {ExternalAssetID: "ext-ready", Status: "ready", PlaybackRef: "pb-1", DurationSeconds: 59.242667},
		"ext-preparing": {ExternalAssetID: "ext-preparing", Status: "preparing"},
		"ext-errored":   {ExternalAssetID: "ext-errored", Status: "errored", ErrorReason: "transcode failed"},
	}}
	applier := &fakeApplier{}
	s := newTestSweeper(store, &fakeSubmitter{}, poller, applier, &fakeSessionSweep{})

	require.NoError(t, s.SweepMissingCallbacks(context.Background()))

	// preparing is still in flight and produces no transition.
	require.Len(t, applier.updates, 2)
	byExt := map[string]assets.StatusUpdate{}
	for _, upd := range applier.updates {
		byExt[upd.ExternalAssetID] = upd
	}
	assert.Equal(t, models.AssetStatusReady, byExt["ext-ready"].Status)
	assert.Equal(t, "pb-1", byExt["ext-ready"].PlaybackRef)
	assert.Equal(t, models.AssetStatusErrored, byExt["ext-errored"].Status)
	assert.Equal(t, "transcode failed", byExt["ext-errored"].ErrorReason)
}

func TestSweepMissingCallbacksToleratesProviderOutage(t *testing.T) {
	store := newFakeAssetStore()
	store.missing = []models.VideoAsset{
		{ID: uuid.New(), ExternalAssetID: "ext-1", ProcessingStatus: models.AssetStatusProcessing},
	}
	poller := &fakePoller{err: provider.ErrUnavailable}
	applier := &fakeApplier{}
	s := newTestSweeper(store, &fakeSubmitter{}, poller, applier, &fakeSessionSweep{})

	require.NoError(t, s.SweepMissingCallbacks(context.Background()))
	assert.Empty(t, applier.updates)
}
