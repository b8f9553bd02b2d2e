package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTokenRoundTrip(t *testing.T) {
	j := NewJWTManager("secret", time.Hour)
	tok, err := j.GenerateAccessToken("user-1", "ada", nil)
	require.NoError(t, err)

	uc, err := j.ValidateAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uc.UserID)
	assert.Equal(t, "ada", uc.Username)
	assert.True(t, uc.HasScope(ScopeResearchWrite))
	assert.Equal(t, "jwt", uc.TokenType)
}

func TestValidateRejects(t *testing.T) {
	j := NewJWTManager("secret", time.Minute)
	tok, err := j.GenerateAccessToken("user-1", "ada", []string{ScopeResearchRead})
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := NewJWTManager("other", time.Minute).ValidateAccessToken(tok)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewJWTManager("secret", time.Minute)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.ValidateAccessToken(tok)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		claims := CustomClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = j.ValidateAccessToken(foreign)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = j.ValidateAccessToken(unsigned)
		assert.Error(t, err)
	})

	_, err = j.GenerateAccessToken(" ", "x", nil)
	assert.Error(t, err)
}

func TestHTTPMiddleware(t *testing.T) {
	j := NewJWTManager("secret", time.Hour)
	tok, err := j.GenerateAccessToken("user-7", "grace", []string{ScopeResearchRead})
	require.NoError(t, err)

	var seen *UserContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewMiddleware(j, false, zaptest.NewLogger(t)).HTTPMiddleware(next)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{name: "bearer", path: "/api/research", header: "Bearer " + tok, status: http.StatusNoContent},
		{name: "missing", path: "/api/research", status: http.StatusUnauthorized},
		{name: "malformed header", path: "/api/research", header: "Token " + tok, status: http.StatusUnauthorized},
		{name: "bad token", path: "/api/research", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "stream query token", path: "/api/research/x/stream/sse?access_token=" + tok, status: http.StatusNoContent},
		{name: "query token elsewhere", path: "/api/research?access_token=" + tok, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "user-7", seen.UserID)
			}
		})
	}
}

func TestSkipAuthAndScopes(t *testing.T) {
	var scopeErr error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, err := GetUserContext(r.Context())
		require.NoError(t, err)
		assert.Equal(t, "tester", uc.UserID)
		scopeErr = RequireScopes(r.Context(), ScopeResearchRead, ScopeResearchWrite)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/research", nil)
	req.Header.Set("X-User-ID", "tester")
	NewMiddleware(nil, true, nil).HTTPMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.NoError(t, scopeErr)

	ctx := req.Context()
	assert.ErrorIs(t, RequireScopes(ctx, ScopeResearchRead), ErrUnauthenticated)
}
