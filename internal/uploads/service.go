package uploads

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/internal/models"
	"github.com/northgate-academy/media-backend/pkg/storage"
)

// ObjectStore is the multipart surface of the object store used by the
// coordinator.
type ObjectStore interface {
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expires time.Duration) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// SessionStore persists upload sessions. The row is the only session state;
// all transitions are conditional writes so concurrent callers race safely.
type SessionStore interface {
	Create(ctx context.Context, session *models.UploadSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.UploadSession, error)
	RecordPart(ctx context.Context, id uuid.UUID, partNumber int, info models.PartInfo) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error)
}

// Config bounds upload sessions.
type Config struct {
	MinPartSize   int64
	MaxParts      int
	MaxTotalSize  int64
	SessionTTL    time.Duration
	PresignExpire time.Duration
}

// Service coordinates chunked transfers to the object store.
type Service struct {
	store  ObjectStore
	repo   SessionStore
	cfg    Config
	logger *zap.Logger
}

// NewService creates an upload session coordinator.
func NewService(store ObjectStore, repo SessionStore, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, repo: repo, cfg: cfg, logger: logger}
}

// Initiate opens the remote multipart upload and creates the session row.
func (s *Service) Initiate(ctx context.Context, filename string, totalSize int64, contentType string) (*models.UploadSession, error) {
	if totalSize <= 0 || totalSize > s.cfg.MaxTotalSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, totalSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partSize, totalParts := ComputeParts(totalSize, s.cfg.MinPartSize, s.cfg.MaxParts)

	sessionID := uuid.New()
	key := storage.VideoKey(sessionID.String(), filename)
	remoteID, err := s.store.CreateMultipart(ctx, key, contentType)
	if err != nil {
		return nil, fmt.Errorf("create remote upload: %w", err)
	}

	now := time.Now()
	session := &models.UploadSession{
		ID:             sessionID,
		StorageKey:     key,
		RemoteUploadID: remoteID,
		Filename:       filename,
		ContentType:    contentType,
		TotalSize:      totalSize,
		PartSize:       partSize,
		TotalParts:     totalParts,
		Parts:          map[int]models.PartInfo{},
		State:          models.SessionStateInitiated,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		// Session row failed; release the remote upload so parts can't leak.
		if abortErr := s.store.AbortMultipart(ctx, key, remoteID); abortErr != nil {
			s.logger.Error("abort orphaned remote upload failed", zap.Error(abortErr), zap.String("storage_key", key))
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// PartTarget returns a pre-signed upload URL for one part.
func (s *Service) PartTarget(ctx context.Context, id uuid.UUID, partNumber int) (string, error) {
	session, err := s.activeSession(ctx, id)
	if err != nil {
		return "", err
	}
	if partNumber < 1 || partNumber > session.TotalParts {
		return "", fmt.Errorf("%w: %d of %d", ErrInvalidPart, partNumber, session.TotalParts)
	}
	return s.store.PresignUploadPart(ctx, session.StorageKey, session.RemoteUploadID, int32(partNumber), s.cfg.PresignExpire)
}

// RecordPart stores the etag and size of an uploaded part. Recording the same
// part twice is a no-op for equal etags and last-write-wins otherwise.
func (s *Service) RecordPart(ctx context.Context, id uuid.UUID, partNumber int, etag string, size int64) error {
	session, err := s.activeSession(ctx, id)
	if err != nil {
		return err
	}
	if partNumber < 1 || partNumber > session.TotalParts {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPart, partNumber, session.TotalParts)
	}
	ok, err := s.repo.RecordPart(ctx, id, partNumber, models.PartInfo{ETag: etag, Size: size})
	if err != nil {
		return fmt.Errorf("record part: %w", err)
	}
	if !ok {
		return ErrInvalidSession
	}
	return nil
}

// UploadPartProxy streams one part through the server to the object store and
// records it, for clients that cannot use pre-signed URLs. A negative size
// (chunked transfer encoding) is allowed; the streamed byte count is recorded.
func (s *Service) UploadPartProxy(ctx context.Context, id uuid.UUID, partNumber int, body io.Reader, size int64) (string, error) {
	session, err := s.activeSession(ctx, id)
	if err != nil {
		return "", err
	}
	if partNumber < 1 || partNumber > session.TotalParts {
		return "", fmt.Errorf("%w: %d of %d", ErrInvalidPart, partNumber, session.TotalParts)
	}
	counted := &countingReader{r: body}
	etag, err := s.store.UploadPart(ctx, session.StorageKey, session.RemoteUploadID, int32(partNumber), counted, size)
	if err != nil {
		return "", fmt.Errorf("proxy part upload: %w", err)
	}
	if size < 0 {
		size = counted.n
	}
	ok, err := s.repo.RecordPart(ctx, id, partNumber, models.PartInfo{ETag: etag, Size: size})
	if err != nil {
		return "", fmt.Errorf("record part: %w", err)
	}
	if !ok {
		return "", ErrInvalidSession
	}
	return etag, nil
}

// Complete validates the recorded parts, finalizes the remote object and
// transitions the session. Re-invoking on a completed session returns the same
// storage key, making client retries of the completion call safe.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (string, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if session.State == models.SessionStateCompleted {
		return session.StorageKey, nil
	}
	if !session.Active() {
		return "", ErrInvalidSession
	}

	if err := validateParts(session, s.cfg.MinPartSize); err != nil {
		return "", err
	}

	completed := make([]storage.CompletedPart, 0, session.TotalParts)
	for n := 1; n <= session.TotalParts; n++ {
		completed = append(completed, storage.CompletedPart{
			PartNumber: int32(n),
			ETag:       session.Parts[n].ETag,
		})
	}
	if err := s.store.CompleteMultipart(ctx, session.StorageKey, session.RemoteUploadID, completed); err != nil {
		return "", fmt.Errorf("complete remote upload: %w", err)
	}

	ok, err := s.repo.Transition(ctx, id, []string{models.SessionStateInitiated, models.SessionStateInProgress}, models.SessionStateCompleted)
	if err != nil {
		return "", fmt.Errorf("transition session: %w", err)
	}
	if !ok {
		// Lost a race. A concurrent complete is fine (same key); an abort or
		// expiry means the caller loses.
		current, err := s.repo.GetByID(ctx, id)
		if err == nil && current.State == models.SessionStateCompleted {
			return current.StorageKey, nil
		}
		return "", ErrInvalidSession
	}
	s.logger.Info("upload session completed", zap.String("session_id", id.String()), zap.String("storage_key", session.StorageKey))
	return session.StorageKey, nil
}

// Abort releases uploaded parts and marks the session. Safe on any
// non-completed session; a no-op when already aborted or expired. The remote
// upload is released before the session turns terminal, so a failed remote
// abort leaves the session active for a retry or the expiry sweep.
func (s *Service) Abort(ctx context.Context, id uuid.UUID) error {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	switch session.State {
	case models.SessionStateAborted, models.SessionStateExpired:
		return nil
	case models.SessionStateCompleted:
		return ErrInvalidSession
	}
	if err := s.store.AbortMultipart(ctx, session.StorageKey, session.RemoteUploadID); err != nil {
		return fmt.Errorf("abort remote upload: %w", err)
	}
	ok, err := s.repo.Transition(ctx, id, []string{models.SessionStateInitiated, models.SessionStateInProgress}, models.SessionStateAborted)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if !ok {
		current, err := s.repo.GetByID(ctx, id)
		if err == nil && (current.State == models.SessionStateAborted || current.State == models.SessionStateExpired) {
			return nil
		}
		return ErrInvalidSession
	}
	return nil
}

// Expire frees an overdue session's remote storage and transitions it. Called
// by the reconciliation sweeper; losing the race to a concurrent complete or
// abort is not an error. The remote abort runs first so a failure keeps the
// session eligible for the next sweep instead of orphaning uploaded parts.
func (s *Service) Expire(ctx context.Context, session *models.UploadSession) error {
	if err := s.store.AbortMultipart(ctx, session.StorageKey, session.RemoteUploadID); err != nil {
		return fmt.Errorf("abort remote upload: %w", err)
	}
	ok, err := s.repo.Transition(ctx, session.ID, []string{models.SessionStateInitiated, models.SessionStateInProgress}, models.SessionStateExpired)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if !ok {
		return nil
	}
	s.logger.Info("upload session expired", zap.String("session_id", session.ID.String()), zap.String("storage_key", session.StorageKey))
	return nil
}

// ListExpired returns overdue non-terminal sessions for the sweeper.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]models.UploadSession, error) {
	return s.repo.ListExpired(ctx, time.Now(), limit)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Service) activeSession(ctx context.Context, id uuid.UUID) (*models.UploadSession, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !session.Active() {
		return nil, ErrInvalidSession
	}
	return session, nil
}

// validateParts checks presence of every part and the minimum size of all but
// the last, reporting the offending part numbers.
func validateParts(session *models.UploadSession, minPartSize int64) error {
	var missing, undersized []int
	for n := 1; n <= session.TotalParts; n++ {
		info, ok := session.Parts[n]
		if !ok || info.ETag == "" {
			missing = append(missing, n)
			continue
		}
		if n < session.TotalParts && info.Size < minPartSize {
			undersized = append(undersized, n)
		}
	}
	if len(missing) == 0 && len(undersized) == 0 {
		return nil
	}
	sort.Ints(missing)
	sort.Ints(undersized)
	return &IncompleteUploadError{Missing: missing, Undersized: undersized}
}
