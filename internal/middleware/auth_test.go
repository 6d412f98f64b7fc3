package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pantheon/internal/auth"
)

func newRouter(a *auth.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", SharedSecretAuth(a), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(DeviceIDKey))
	})
	return r
}

func TestSharedSecretAuth(t *testing.T) {
	a := auth.New("s3cr3t", 0)
	r := newRouter(a)

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "missing", target: "/private", status: http.StatusUnauthorized},
		{name: "wrong key", target: "/private?authKey=nope", status: http.StatusUnauthorized},
		{name: "query key", target: "/private?authKey=s3cr3t", status: http.StatusOK},
		{name: "bearer key", target: "/private", header: "Bearer s3cr3t", status: http.StatusOK},
		{name: "malformed header", target: "/private", header: "s3cr3t", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSharedSecretAuthStoresTokenIdentity(t *testing.T) {
	a := auth.New("s3cr3t", 0)
	token, _, err := a.Issue("device_a", "desktop")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private?token="+token, nil)
	w := httptest.NewRecorder()
	newRouter(a).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "device_a", w.Body.String())
}

func TestSharedSecretAuthDisabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	w := httptest.NewRecorder()
	newRouter(auth.New("", 0)).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
