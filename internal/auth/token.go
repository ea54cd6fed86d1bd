// Package auth validates the two credential kinds the engine accepts:
// short-lived HMAC-signed access tokens scoped to one runtime
// environment, and long-lived salted API keys for control-plane calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims binds a subject to exactly one runtime environment for a
// bounded time. Validity is stateless: signature plus claim checks,
// with no server-side token record.
type Claims struct {
	EnvironmentID     string   `json:"environment_id"`
	ImpersonateUserID *int     `json:"impersonate_user_id,omitempty"`
	RunID             string   `json:"run_id,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenHandler issues and validates HS256 access tokens with a single
// shared secret. Rotation is out of scope.
type TokenHandler struct {
	secret   []byte
	audience string
}

func NewTokenHandler(secret, audience string) *TokenHandler {
	return &TokenHandler{secret: []byte(secret), audience: audience}
}

// IssueRequest names the variable parts of a new token.
type IssueRequest struct {
	UserID            int
	EnvironmentID     string
	ImpersonateUserID *int
	RunID             string
	Scopes            []string
	TTL               time.Duration
}

func (h *TokenHandler) Issue(req IssueRequest) (string, error) {
	if req.EnvironmentID == "" {
		return "", fmt.Errorf("%w: missing environment id", ErrInvalidToken)
	}
	now := time.Now()
	claims := Claims{
		EnvironmentID:     req.EnvironmentID,
		ImpersonateUserID: req.ImpersonateUserID,
		RunID:             req.RunID,
		Scopes:            req.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", req.UserID),
			Audience:  jwt.ClaimStrings{h.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies the signature and requires iat, exp and a matching
// audience, plus the environment binding. Any missing or invalid claim
// rejects the token.
func (h *TokenHandler) Validate(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return h.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(h.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil || claims.EnvironmentID == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
