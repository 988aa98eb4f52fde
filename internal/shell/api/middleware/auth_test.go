package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeTokenSource struct {
	tokens  []domain.APIToken
	touched []string
}

func (f *fakeTokenSource) ListAPITokens(_ context.Context) ([]domain.APIToken, error) {
	return f.tokens, nil
}

func (f *fakeTokenSource) TouchAPIToken(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupAuth(t *testing.T) (*AuthMiddleware, *fakeTokenSource, string) {
	t.Helper()

	plaintext, err := crypto.GenerateToken()
	require.NoError(t, err)
	hash, err := crypto.HashToken(plaintext)
	require.NoError(t, err)
	token, err := domain.NewAPIToken("test", hash, crypto.TokenHint(plaintext))
	require.NoError(t, err)

	source := &fakeTokenSource{tokens: []domain.APIToken{*token}}
	mw := NewAuthMiddleware(AuthConfig{Tokens: source, Logger: testLogger()})
	return mw, source, plaintext
}

func protected(mw *AuthMiddleware) http.Handler {
	return mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// =============================================================================
// Tests
// =============================================================================

func TestAuth_ValidToken(t *testing.T) {
	mw, source, plaintext := setupAuth(t)

	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	protected(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, source.touched, 1)
}

func TestAuth_MissingHeader(t *testing.T) {
	mw, _, _ := setupAuth(t)

	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	rec := httptest.NewRecorder()
	protected(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing bearer token")
}

func TestAuth_MalformedToken(t *testing.T) {
	mw, _, _ := setupAuth(t)

	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	protected(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_WrongToken(t *testing.T) {
	mw, source, _ := setupAuth(t)

	other, err := crypto.GenerateToken()
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec := httptest.NewRecorder()
	protected(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, source.touched)
}

func TestAuth_Disabled(t *testing.T) {
	mw := NewAuthMiddleware(AuthConfig{Disabled: true, Logger: testLogger()})

	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	rec := httptest.NewRecorder()
	protected(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken_Extraction(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer spt_abc", "spt_abc"},
		{"empty", "", ""},
		{"basic", "Basic dXNlcjpwYXNz", ""},
		{"bare token", "spt_abc", ""},
		{"padded", "Bearer   spt_abc  ", "spt_abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(req))
		})
	}
}
