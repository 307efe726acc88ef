package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/logging"
)

type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(logging.Discard()), middleware.Auth(verifier))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uid":           middleware.CallerUID(c),
			"role":          middleware.CallerRole(c),
			"authenticated": middleware.Authenticated(c),
		})
	})
	r.GET("/driver-only", middleware.RequireRole(middleware.RoleDriver), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func get(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_RejectsBadCredentials(t *testing.T) {
	tests := []struct {
		name     string
		verifier *stubVerifier
		header   string
	}{
		{"missing header", &stubVerifier{token: &infra.FirebaseToken{UID: "rider-1"}}, ""},
		{"wrong scheme", &stubVerifier{token: &infra.FirebaseToken{UID: "rider-1"}}, "Token abc"},
		{"empty token", &stubVerifier{token: &infra.FirebaseToken{UID: "rider-1"}}, "Bearer  "},
		{"verifier error", &stubVerifier{err: errors.New("expired")}, "Bearer abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newTestRouter(tt.verifier), "/whoami", tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuth_ValidTokenPopulatesCaller(t *testing.T) {
	token := &infra.FirebaseToken{UID: "driver-7", Claims: map[string]interface{}{"role": "driver"}}
	w := get(newTestRouter(&stubVerifier{token: token}), "/whoami", "Bearer good")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		UID           string `json:"uid"`
		Role          string `json:"role"`
		Authenticated bool   `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "driver-7", body.UID)
	assert.Equal(t, "driver", body.Role)
	assert.True(t, body.Authenticated)
}

func TestAuth_NilVerifierRunsOpen(t *testing.T) {
	r := newTestRouter(nil)
	w := get(r, "/whoami", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"authenticated":false`)

	w = get(r, "/driver-only", "")
	assert.Equal(t, http.StatusNoContent, w.Code, "role checks need an authenticated caller")
}

func TestRequireRole(t *testing.T) {
	rider := &infra.FirebaseToken{UID: "rider-1", Claims: map[string]interface{}{}}
	w := get(newTestRouter(&stubVerifier{token: rider}), "/driver-only", "Bearer t")
	assert.Equal(t, http.StatusForbidden, w.Code)

	driver := &infra.FirebaseToken{UID: "driver-1", Claims: map[string]interface{}{"role": "driver"}}
	w = get(newTestRouter(&stubVerifier{token: driver}), "/driver-only", "Bearer t")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecovery(t *testing.T) {
	w := get(newTestRouter(nil), "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}
