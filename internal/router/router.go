// Package router turns validated access tokens into database sessions
// bound to the right runtime environment.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/store"
)

var (
	ErrNotFound = errors.New("environment not found")
	ErrExpired  = errors.New("environment expired")
	ErrNotReady = errors.New("environment not ready")
)

// EnvironmentStore is the registry surface the router needs.
type EnvironmentStore interface {
	GetRuntime(ctx context.Context, id string) (store.RuntimeEnvironment, error)
	Touch(ctx context.Context, id string) error
}

// TokenValidator verifies an access token and returns its claims.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// RevocationChecker rejects revoked token ids. Optional; without one,
// validation is fully stateless.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Router manufactures one independent session per request. It holds no
// session cache and no token-to-connection map.
type Router struct {
	db      *sql.DB
	envs    EnvironmentStore
	tokens  TokenValidator
	revoked RevocationChecker
	now     func() time.Time
}

func New(db *sql.DB, envs EnvironmentStore, tokens TokenValidator) *Router {
	return &Router{db: db, envs: envs, tokens: tokens, now: time.Now}
}

// WithRevocation enables revocation checks against the given store.
func (r *Router) WithRevocation(checker RevocationChecker) *Router {
	r.revoked = checker
	return r
}

// SessionForToken validates the token, applies the environment's
// lifecycle rules, records the access, and returns a session bound to
// the environment's schema. The caller owns the session and must close
// it.
func (r *Router) SessionForToken(ctx context.Context, token string) (*Session, error) {
	claims, err := r.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	if r.revoked != nil {
		revoked, err := r.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return nil, auth.ErrInvalidToken
		}
	}

	env, err := r.envs.GetRuntime(ctx, claims.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, claims.EnvironmentID)
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	if !store.IsUsable(env, now) {
		if env.Status != store.StatusReady {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, env.ID, env.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, env.ID)
	}

	// Best-effort idle tracking; a failed touch never blocks access.
	if err := r.envs.Touch(ctx, env.ID); err != nil {
		log.Printf("touch failed for environment %s: %v", env.ID, err)
	}

	session, err := newSession(ctx, r.db, env.Schema)
	if err != nil {
		return nil, err
	}
	session.EnvironmentID = env.ID
	session.RunID = claims.RunID
	if claims.Subject != "" {
		if userID, err := strconv.Atoi(claims.Subject); err == nil {
			session.UserID = userID
		}
	}
	return session, nil
}
