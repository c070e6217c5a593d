package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ok", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"id": RequestID(c)}) })
	r.GET("/gone", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrSessionNotFound) })
	return r
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when missing", "", false},
		{"gateway id kept", "gw-7f3a:01", true},
		{"unsafe id replaced", "abc\r\nSet-Cookie: x", false},
		{"overlong id replaced", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ok", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			rec := httptest.NewRecorder()
			newEngine().ServeHTTP(rec, req)

			got := rec.Header().Get(HeaderRequestID)
			require.NotEmpty(t, got)
			if tt.keep {
				assert.Equal(t, tt.header, got)
			} else {
				assert.NotEqual(t, tt.header, got)
			}

			var body struct {
				Data     map[string]string `json:"data"`
				Metadata Metadata          `json:"metadata"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, got, body.Data["id"])
			assert.Equal(t, got, body.Metadata.RequestID)
		})
	}
}

func TestFail(t *testing.T) {
	rec := httptest.NewRecorder()
	newEngine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gone", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrSessionNotFound, body.Error.Code)
	assert.Equal(t, GetMessage(ErrSessionNotFound), body.Error.Message)
	assert.Nil(t, body.Data)
}

func TestGetMessage_UnknownCode(t *testing.T) {
	assert.Equal(t, "Terjadi kesalahan yang tidak terduga.", GetMessage(ErrCode("SOMETHING_NEW")))
}
