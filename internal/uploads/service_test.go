package uploads

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/storage"
)

const mib = int64(1 << 20)

type fakeObjectStore struct {
	createErr   error
	completeErr error
	abortErr    error
	created     []string
	completed   map[string][]storage.CompletedPart
	aborted     []string
	partSizes   map[int32]int64
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		completed: map[string][]storage.CompletedPart{},
		partSizes: map[int32]int64{},
	}
}

func (f *fakeObjectStore) CreateMultipart(_ context.Context, key, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, key)
	return "remote-" + key, nil
}

func (f *fakeObjectStore) PresignUploadPart(_ context.Context, key, _ string, partNumber int32, _ time.Duration) (string, error) {
	return "https://store.example.com/" + key, nil
}

func (f *fakeObjectStore) UploadPart(_ context.Context, _, _ string, partNumber int32, body io.Reader, _ int64) (string, error) {
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return "", err
	}
	f.partSizes[partNumber] = n
	return "etag-proxy", nil
}

func (f *fakeObjectStore) CompleteMultipart(_ context.Context, key, _ string, parts []storage.CompletedPart) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed[key] = parts
	return nil
}

func (f *fakeObjectStore) AbortMultipart(_ context.Context, key, _ string) error {
	if f.abortErr != nil {
		return f.abortErr
	}
	f.aborted = append(f.aborted, key)
	return nil
}

type fakeSessionStore struct {
	createErr error
	sessions  map[uuid.UUID]*models.UploadSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[uuid.UUID]*models.UploadSession{}}
}

func (f *fakeSessionStore) Create(_ context.Context, s *models.UploadSession) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *s
	cp.Parts = map[int]models.PartInfo{}
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*models.UploadSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *s
	cp.Parts = map[int]models.PartInfo{}
	for k, v := range s.Parts {
		cp.Parts[k] = v
	}
	return &cp, nil
}

func (f *fakeSessionStore) RecordPart(_ context.Context, id uuid.UUID, partNumber int, info models.PartInfo) (bool, error) {
	s, ok := f.sessions[id]
	if !ok || !s.Active() {
		return false, nil
	}
	s.Parts[partNumber] = info
	s.State = models.SessionStateInProgress
	return true, nil
}

func (f *fakeSessionStore) Transition(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	s, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if s.State == st {
			s.State = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessionStore) ListExpired(_ context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	var out []models.UploadSession
	for _, s := range f.sessions {
		if s.ExpiresAt.Before(now) && s.Active() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func newTestService(store *fakeObjectStore, repo *fakeSessionStore) *Service {
	return NewService(store, repo, Config{
		MinPartSize:   10 * mib,
		MaxParts:      10000,
		MaxTotalSize:  20 * 1024 * mib,
		SessionTTL:    24 * time.Hour,
		PresignExpire: 15 * time.Minute,
	}, nil)
}

func TestInitiateComputesParts(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)

	session, err := svc.Initiate(context.Background(), "lecture.mp4", 250*mib, "video/mp4")
	require.NoError(t, err)

	assert.Equal(t, 10*mib, session.PartSize)
	assert.Equal(t, 25, session.TotalParts)
	assert.Equal(t, models.SessionStateInitiated, session.State)
	assert.Contains(t, session.StorageKey, "lecture.mp4")
	require.Len(t, store.created, 1)
	assert.Contains(t, repo.sessions, session.ID)
}

func TestInitiateRejectsInvalidSize(t *testing.T) {
	store := newFakeObjectStore()
	svc := newTestService(store, newFakeSessionStore())

	_, err := svc.Initiate(context.Background(), "a.mp4", 0, "")
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = svc.Initiate(context.Background(), "a.mp4", 21*1024*mib, "")
	assert.ErrorIs(t, err, ErrInvalidSize)

	assert.Empty(t, store.created)
}

func TestInitiateAbortsRemoteWhenSessionRowFails(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	repo.createErr = errors.New("db down")
	svc := newTestService(store, repo)

	_, err := svc.Initiate(context.Background(), "a.mp4", 50*mib, "")
	require.Error(t, err)
	assert.Len(t, store.aborted, 1)
}

func seedSession(t *testing.T, svc *Service, repo *fakeSessionStore, totalSize int64) *models.UploadSession {
	t.Helper()
	session, err := svc.Initiate(context.Background(), "video.mp4", totalSize, "video/mp4")
	require.NoError(t, err)
	return repo.sessions[session.ID]
}

func TestCompleteReportsMissingAndUndersizedParts(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib) // 4 parts

	require.NoError(t, svc.RecordPart(context.Background(), session.ID, 1, "e1", 1*mib))
	require.NoError(t, svc.RecordPart(context.Background(), session.ID, 3, "e3", 10*mib))

	_, err := svc.Complete(context.Background(), session.ID)
	var incomplete *IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{2, 4}, incomplete.Missing)
	assert.Equal(t, []int{1}, incomplete.Undersized)
	assert.Empty(t, store.completed)
}

func TestCompleteFinalizesAndIsIdempotent(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 35*mib) // parts 1-3 full, part 4 short

	for n := 1; n <= 3; n++ {
		require.NoError(t, svc.RecordPart(context.Background(), session.ID, n, "etag", 10*mib))
	}
	require.NoError(t, svc.RecordPart(context.Background(), session.ID, 4, "etag", 5*mib))

	key, err := svc.Complete(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StorageKey, key)
	assert.Equal(t, models.SessionStateCompleted, repo.sessions[session.ID].State)
	require.Len(t, store.completed[key], 4)

	// Retrying completion returns the same key without another remote call.
	again, err := svc.Complete(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Len(t, store.completed, 1)
}

func TestRecordPartRejectsOutOfRange(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)

	err := svc.RecordPart(context.Background(), session.ID, 5, "etag", 10*mib)
	assert.ErrorIs(t, err, ErrInvalidPart)
	err = svc.RecordPart(context.Background(), session.ID, 0, "etag", 10*mib)
	assert.ErrorIs(t, err, ErrInvalidPart)
}

func TestAbortReleasesRemoteUpload(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)

	require.NoError(t, svc.Abort(context.Background(), session.ID))
	assert.Equal(t, models.SessionStateAborted, repo.sessions[session.ID].State)
	assert.Len(t, store.aborted, 1)

	// Aborting again is a no-op.
	require.NoError(t, svc.Abort(context.Background(), session.ID))
	assert.Len(t, store.aborted, 1)
}

func TestAbortCompletedSessionFails(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 10*mib)
	repo.sessions[session.ID].State = models.SessionStateCompleted

	err := svc.Abort(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.Empty(t, store.aborted)
}

func TestExpireSweepsOverdueSessions(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 10*mib)
	session.ExpiresAt = time.Now().Add(-time.Hour)

	expired, err := svc.ListExpired(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, svc.Expire(context.Background(), &expired[0]))
	assert.Equal(t, models.SessionStateExpired, repo.sessions[session.ID].State)
	assert.Len(t, store.aborted, 1)

	// Re-running on an already-expired session re-issues the idempotent remote
	// abort but leaves the state alone.
	require.NoError(t, svc.Expire(context.Background(), &expired[0]))
	assert.Equal(t, models.SessionStateExpired, repo.sessions[session.ID].State)
	assert.Len(t, store.aborted, 2)
}

func TestUploadPartProxyRecordsStreamedSize(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)

	// Chunked transfer encoding: the client does not announce a length.
	body := strings.NewReader(strings.Repeat("x", 4096))
	etag, err := svc.UploadPartProxy(context.Background(), session.ID, 1, body, -1)
	require.NoError(t, err)
	assert.Equal(t, "etag-proxy", etag)
	assert.Equal(t, int64(4096), store.partSizes[1])
	assert.Equal(t, int64(4096), repo.sessions[session.ID].Parts[1].Size)
}

func TestAbortKeepsSessionActiveWhenRemoteAbortFails(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)

	store.abortErr = errors.New("s3 unavailable")
	err := svc.Abort(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, models.SessionStateInitiated, repo.sessions[session.ID].State)

	// The retry after the store recovers releases the parts and settles the state.
	store.abortErr = nil
	require.NoError(t, svc.Abort(context.Background(), session.ID))
	assert.Equal(t, models.SessionStateAborted, repo.sessions[session.ID].State)
	assert.Len(t, store.aborted, 1)
}

func TestExpireKeepsSessionListedWhenRemoteAbortFails(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 10*mib)
	session.ExpiresAt = time.Now().Add(-time.Hour)

	store.abortErr = errors.New("s3 unavailable")
	expired, err := svc.ListExpired(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Error(t, svc.Expire(context.Background(), &expired[0]))

	// Still active, so the next sweep picks it up again.
	expired, err = svc.ListExpired(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	store.abortErr = nil
	require.NoError(t, svc.Expire(context.Background(), &expired[0]))
	assert.Equal(t, models.SessionStateExpired, repo.sessions[session.ID].State)
	assert.Len(t, store.aborted, 1)
}
