//go:build integration

package assets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/database"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/assets/
func newIntegrationRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))
	return NewRepository(pool)
}

func TestConcurrentRegistrationConvergesOnOneRow(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()
	storageKey := "videos/" + uuid.NewString() + "/lecture.mp4"

	const writers = 8
	type result struct {
		id      uuid.UUID
		created bool
		err     error
	}
	results := make(chan result, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asset, created, err := repo.CreateIfAbsent(ctx, &models.VideoAsset{
				Title:      "Intro Lecture",
				StorageKey: storageKey,
				SizeBytes:  1 << 20,
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: asset.ID, created: created}
		}()
	}
	wg.Wait()
	close(results)

	var createdCount int
	ids := map[uuid.UUID]bool{}
	for res := range results {
		require.NoError(t, res.err)
		if res.created {
			createdCount++
		}
		ids[res.id] = true
	}
	assert.Equal(t, 1, createdCount)
	assert.Len(t, ids, 1)

	row, err := repo.GetByStorageKey(ctx, storageKey)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusPending, row.ProcessingStatus)
}

func TestConcurrentUpsertByExternalIDConvergesOnOneRow(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()
	externalID := "ext-" + uuid.NewString()

	const writers = 8
	type result struct {
		id  uuid.UUID
		err error
	}
	results := make(chan result, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			asset, err := repo.UpsertByExternalID(ctx, &models.VideoAsset{
				StorageKey:       fmt.Sprintf("external/%s/%d", externalID, n),
				ExternalAssetID:  externalID,
				ProcessingStatus: models.AssetStatusProcessing,
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: asset.ID}
		}(i)
	}
	wg.Wait()
	close(results)

	ids := map[uuid.UUID]bool{}
	for res := range results {
		require.NoError(t, res.err)
		ids[res.id] = true
	}
	assert.Len(t, ids, 1)

	row, err := repo.GetByExternalID(ctx, externalID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, externalID, row.ExternalAssetID)
}
