package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
)

// DefaultScopes are granted to tokens issued without explicit scopes.
var DefaultScopes = []string{ScopeResearchRead, ScopeResearchWrite}

// UserContext is the authenticated caller attached to a request.
type UserContext struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"`
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// JWTManager handles JWT token operations
type JWTManager struct {
	signingKey        []byte
	accessTokenExpiry time.Duration
	issuer            string
	now               func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey string, accessExpiry time.Duration) *JWTManager {
	if accessExpiry <= 0 {
		accessExpiry = time.Hour
	}
	return &JWTManager{
		signingKey:        []byte(signingKey),
		accessTokenExpiry: accessExpiry,
		issuer:            "research-orchestrator",
		now:               time.Now,
	}
}

// CustomClaims represents the custom JWT claims
type CustomClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

// GenerateAccessToken signs an HS256 access token for userID.
func (j *JWTManager) GenerateAccessToken(userID, username string, scopes []string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	now := j.now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Username: username,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &UserContext{
		UserID:    claims.Subject,
		Username:  claims.Username,
		Scopes:    claims.Scopes,
		TokenType: "jwt",
	}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
