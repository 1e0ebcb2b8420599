package uploads

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northgate-academy/media-backend/internal/models"
)

func newUploadsRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewHandler(svc, nil)
	router.PUT("/uploads/:id/parts/:n", h.Part)
	return router
}

func partData(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestPartChunkedBodyTakesProxyPath(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)
	router := newUploadsRouter(svc)

	// Wrapping the reader hides its length, so the request goes out with
	// Transfer-Encoding chunked and ContentLength -1.
	body := io.NopCloser(strings.NewReader(strings.Repeat("x", 2048)))
	req := httptest.NewRequest(http.MethodPut, "/uploads/"+session.ID.String()+"/parts/1", body)
	require.Equal(t, int64(-1), req.ContentLength)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := partData(t, w)
	assert.Equal(t, "etag-proxy", data["etag"])
	assert.NotContains(t, data, "uploadUrl")
	assert.Equal(t, int64(2048), repo.sessions[session.ID].Parts[1].Size)
}

func TestPartWithoutBodyReturnsPresignedURL(t *testing.T) {
	store := newFakeObjectStore()
	repo := newFakeSessionStore()
	svc := newTestService(store, repo)
	session := seedSession(t, svc, repo, 40*mib)
	router := newUploadsRouter(svc)

	req := httptest.NewRequest(http.MethodPut, "/uploads/"+session.ID.String()+"/parts/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	data := partData(t, w)
	assert.Contains(t, data["uploadUrl"], "https://")
	assert.NotContains(t, data, "etag")
	assert.Equal(t, models.SessionStateInitiated, repo.sessions[session.ID].State)
}
