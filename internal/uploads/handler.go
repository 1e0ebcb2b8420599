package uploads

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northgate-academy/media-backend/pkg/response"
)

// Handler handles upload session HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an uploads handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// InitiateRequest is the body for POST /uploads.
type InitiateRequest struct {
	Filename    string `json:"filename" binding:"required"`
	Size        int64  `json:"size" binding:"required"`
	ContentType string `json:"contentType"`
}

// Initiate handles POST /uploads.
func (h *Handler) Initiate(c *gin.Context) {
	var body InitiateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	session, err := h.svc.Initiate(c.Request.Context(), body.Filename, body.Size, body.ContentType)
	if err != nil {
		if errors.Is(err, ErrInvalidSize) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("initiate upload failed", zap.Error(err), zap.String("filename", body.Filename))
		response.Internal(c, "failed to initiate upload")
		return
	}
	response.Created(c, gin.H{
		"sessionId":  session.ID,
		"partSize":   session.PartSize,
		"totalParts": session.TotalParts,
		"expiresAt":  session.ExpiresAt,
	})
}

// Part handles PUT /uploads/:id/parts/:n. With a request body the part is
// proxied to the object store; without one a pre-signed upload URL is returned.
func (h *Handler) Part(c *gin.Context) {
	sessionID, partNumber, ok := h.pathParams(c)
	if !ok {
		return
	}
	// Chunked requests report ContentLength -1; any request carrying a body
	// takes the proxy path.
	if c.Request.ContentLength != 0 {
		etag, err := h.svc.UploadPartProxy(c.Request.Context(), sessionID, partNumber, c.Request.Body, c.Request.ContentLength)
		if err != nil {
			h.respondError(c, err, "failed to upload part")
			return
		}
		response.OK(c, gin.H{"etag": etag})
		return
	}
	url, err := h.svc.PartTarget(c.Request.Context(), sessionID, partNumber)
	if err != nil {
		h.respondError(c, err, "failed to presign part upload")
		return
	}
	response.OK(c, gin.H{"uploadUrl": url})
}

// RecordPartRequest is the body for POST /uploads/:id/parts/:n.
type RecordPartRequest struct {
	ETag string `json:"etag" binding:"required"`
	Size int64  `json:"size" binding:"required"`
}

// RecordPart handles POST /uploads/:id/parts/:n, reporting a part uploaded via
// a pre-signed URL.
func (h *Handler) RecordPart(c *gin.Context) {
	sessionID, partNumber, ok := h.pathParams(c)
	if !ok {
		return
	}
	var body RecordPartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.svc.RecordPart(c.Request.Context(), sessionID, partNumber, body.ETag, body.Size); err != nil {
		h.respondError(c, err, "failed to record part")
		return
	}
	response.OK(c, gin.H{"recorded": partNumber})
}

// Complete handles POST /uploads/:id/complete. Idempotent: re-invoking on a
// completed session returns the same storage key.
func (h *Handler) Complete(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	storageKey, err := h.svc.Complete(c.Request.Context(), sessionID)
	if err != nil {
		var incomplete *IncompleteUploadError
		if errors.As(err, &incomplete) {
			response.BadRequestData(c, incomplete.Error(), gin.H{
				"missingParts":    incomplete.Missing,
				"undersizedParts": incomplete.Undersized,
			})
			return
		}
		h.respondError(c, err, "failed to complete upload")
		return
	}
	response.OK(c, gin.H{"storageKey": storageKey})
}

// Abort handles POST /uploads/:id/abort.
func (h *Handler) Abort(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if err := h.svc.Abort(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err, "failed to abort upload")
		return
	}
	response.NoContent(c)
}

func (h *Handler) pathParams(c *gin.Context) (uuid.UUID, int, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, 0, false
	}
	partNumber, err := strconv.Atoi(c.Param("n"))
	if err != nil || partNumber < 1 {
		response.BadRequest(c, "invalid part number")
		return uuid.Nil, 0, false
	}
	return sessionID, partNumber, true
}

func (h *Handler) respondError(c *gin.Context, err error, internalMsg string) {
	switch {
	case errors.Is(err, ErrInvalidPart), errors.Is(err, ErrInvalidSize):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrInvalidSession):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error(internalMsg, zap.Error(err))
		response.Internal(c, internalMsg)
	}
}
