package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestJSONWrapsDataAndMeta(t *testing.T) {
	c, w := newContext()
	JSON(c, http.StatusOK, map[string]string{"sessionId": "s-1"}, map[string]interface{}{"cached": true})

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "s-1", body["data"]["sessionId"])
	assert.Equal(t, true, body["meta"]["cached"])
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestErrorUsesTypedStatus(t *testing.T) {
	c, w := newContext()
	Error(c, appErrors.RequestFailed(http.StatusNotFound, "Session not found: s-1", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body struct {
		Error appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Session not found: s-1", body.Error.Message)
	assert.Equal(t, http.StatusNotFound, body.Error.UpstreamStatus)
}

func TestErrorRecordsUntypedCause(t *testing.T) {
	c, w := newContext()
	Error(c, errors.New("disk on fire"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
	require.Len(t, c.Errors, 1)
	assert.Contains(t, c.Errors.String(), "disk on fire")
}

func TestAttachment(t *testing.T) {
	c, w := newContext()
	Attachment(c, "assessment-s-1.csv", "text/csv", []byte("Field,Value\n"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="assessment-s-1.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "Field,Value\n", w.Body.String())
}
