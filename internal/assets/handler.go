package assets

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/pkg/response"
)

// Handler handles asset HTTP endpoints.
type Handler struct {
	svc      *Service
	resolver *Resolver
	logger   *zap.Logger
}

// NewHandler creates an assets handler.
func NewHandler(svc *Service, resolver *Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, resolver: resolver, logger: logger}
}

// RegisterRequest is the body for POST /assets.
type RegisterRequest struct {
	StorageKey string `json:"storageKey" binding:"required"`
	Title      string `json:"title"`
	OwnerRef   string `json:"ownerRef"`
	SizeBytes  int64  `json:"sizeBytes"`
}

// Register handles POST /assets. Idempotent on storageKey: a client retry
// returns the already-registered asset.
func (h *Handler) Register(c *gin.Context) {
	var body RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	asset, err := h.svc.Register(c.Request.Context(), RegisterInput{
		StorageKey: body.StorageKey,
		Title:      body.Title,
		OwnerRef:   body.OwnerRef,
		SizeBytes:  body.SizeBytes,
	})
	if err != nil {
		h.logger.Error("register asset failed", zap.Error(err), zap.String("storage_key", body.StorageKey))
		response.Internal(c, "failed to register asset")
		return
	}
	response.Created(c, asset)
}

// Get handles GET /assets/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid asset id")
		return
	}
	asset, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "asset not found")
			return
		}
		h.logger.Error("get asset failed", zap.Error(err), zap.String("asset_id", id.String()))
		response.Internal(c, "failed to load asset")
		return
	}
	response.OK(c, asset)
}

// ListDuplicates handles GET /assets/duplicates, the pre-constraint audit.
func (h *Handler) ListDuplicates(c *gin.Context) {
	groups, err := h.resolver.DetectDuplicateGroups(c.Request.Context())
	if err != nil {
		h.logger.Error("detect duplicates failed", zap.Error(err))
		response.Internal(c, "failed to detect duplicates")
		return
	}
	response.OK(c, gin.H{"groups": groups, "count": len(groups)})
}

// ResolveRequest is the body for POST /assets/resolve.
type ResolveRequest struct {
	PrimaryID    uuid.UUID   `json:"primaryId" binding:"required"`
	DuplicateIDs []uuid.UUID `json:"duplicateIds" binding:"required"`
	Strategy     string      `json:"strategy"`
	DryRun       bool        `json:"dryRun"`
}

// Resolve handles POST /assets/resolve. Run with dryRun=true first; the
// destructive pass deletes the duplicate rows.
func (h *Handler) Resolve(c *gin.Context) {
	var body ResolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	report, err := h.resolver.Resolve(c.Request.Context(), body.PrimaryID, body.DuplicateIDs, body.Strategy, body.DryRun)
	if err != nil {
		h.logger.Error("resolve duplicates failed", zap.Error(err), zap.String("primary_id", body.PrimaryID.String()))
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, report)
}
