package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/queue"
)

type fakeAssetStore struct {
	assets map[uuid.UUID]*models.VideoAsset
	thumbs map[uuid.UUID]string
}

func (f *fakeAssetStore) GetByID(_ context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	a, ok := f.assets[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	return a, nil
}

func (f *fakeAssetStore) GetByExternalID(_ context.Context, externalID string) (*models.VideoAsset, error) {
	for _, a := range f.assets {
		if a.ExternalAssetID == externalID {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeAssetStore) SetThumbnailRef(_ context.Context, id uuid.UUID, ref string) error {
	f.thumbs[id] = ref
	return nil
}

type fakeSubmitter struct {
	submitted []uuid.UUID
}

func (f *fakeSubmitter) SubmitProcessing(_ context.Context, asset *models.VideoAsset) (*models.VideoAsset, error) {
	f.submitted = append(f.submitted, asset.ID)
	return asset, nil
}

func submitJob(t *testing.T, assetID uuid.UUID) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.SubmitProcessingPayload{AssetID: assetID})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.New().String(), Type: queue.JobTypeSubmitProcessing, Payload: payload}
}

func TestProcessSubmitProcessing(t *testing.T) {
	asset := &models.VideoAsset{ID: uuid.New(), ProcessingStatus: models.AssetStatusPending}
	store := &fakeAssetStore{assets: map[uuid.UUID]*models.VideoAsset{asset.ID: asset}, thumbs: map[uuid.UUID]string{}}
	sub := &fakeSubmitter{}
	p := NewProcessor(store, sub, nil, nil, nil)

	require.NoError(t, p.Process(context.Background(), submitJob(t, asset.ID)))
	assert.Equal(t, []uuid.UUID{asset.ID}, sub.submitted)
}

func TestProcessSubmitProcessingSkipsSubmittedAsset(t *testing.T) {
	asset := &models.VideoAsset{ID: uuid.New(), ExternalAssetID: "ext-1"}
	store := &fakeAssetStore{assets: map[uuid.UUID]*models.VideoAsset{asset.ID: asset}, thumbs: map[uuid.UUID]string{}}
	sub := &fakeSubmitter{}
	p := NewProcessor(store, sub, nil, nil, nil)

	require.NoError(t, p.Process(context.Background(), submitJob(t, asset.ID)))
	assert.Empty(t, sub.submitted)
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	p := NewProcessor(&fakeAssetStore{}, &fakeSubmitter{}, nil, nil, nil)
	err := p.Process(context.Background(), &queue.Job{ID: "j1", Type: "mystery"})
	assert.Error(t, err)
}

func TestProcessSubmitProcessingMissingAsset(t *testing.T) {
	store := &fakeAssetStore{assets: map[uuid.UUID]*models.VideoAsset{}, thumbs: map[uuid.UUID]string{}}
	p := NewProcessor(store, &fakeSubmitter{}, nil, nil, nil)
	err := p.Process(context.Background(), submitJob(t, uuid.New()))
	assert.Error(t, err)
}
