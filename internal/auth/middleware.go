package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

var (
	ErrUnauthenticated = errors.New("missing user context")
	ErrForbidden       = errors.New("missing required scope")
)

// Middleware authenticates HTTP requests with bearer tokens.
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			userID := "dev"
			if h := r.Header.Get("X-User-ID"); h != "" {
				userID = h
			}
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{
				UserID:    userID,
				Username:  "dev",
				Scopes:    DefaultScopes,
				TokenType: "dev",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			t, err := ExtractBearerToken(authHeader)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			token = t
		} else if strings.Contains(r.URL.Path, "/stream/") {
			// EventSource and browser WebSocket clients cannot set headers.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected access token", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScopes checks if the user has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	userCtx, err := GetUserContext(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !userCtx.HasScope(required) {
			return fmt.Errorf("%w: %s", ErrForbidden, required)
		}
	}
	return nil
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return userCtx, nil
}
