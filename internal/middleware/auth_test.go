package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurobreath/server/internal/auth"
)

func runDeviceAuth(t *testing.T, authHeader string) (*httptest.ResponseRecorder, string, bool) {
	t.Helper()
	jwtService := auth.NewJWTService("test-secret")

	var gotID string
	var gotOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = GetDeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	DeviceAuth(jwtService)(next).ServeHTTP(rec, req)
	return rec, gotID, gotOK
}

func TestDeviceAuthNoHeaderPassesThrough(t *testing.T) {
	rec, _, ok := runDeviceAuth(t, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ok)
}

func TestDeviceAuthValidToken(t *testing.T) {
	token, err := auth.NewJWTService("test-secret").SignDeviceToken("dev-42")
	require.NoError(t, err)

	rec, id, ok := runDeviceAuth(t, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ok)
	assert.Equal(t, "dev-42", id)
}

func TestDeviceAuthRejectsBadTokens(t *testing.T) {
	otherToken, err := auth.NewJWTService("another-secret").SignDeviceToken("dev-42")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"not bearer", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + otherToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, ok := runDeviceAuth(t, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, ok)
		})
	}
}
