package app

import (
	"errors"
	"fmt"
	"net/http"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/engine"
	"statehouse/api/internal/provision"
	"statehouse/api/internal/router"
	"statehouse/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var errForbidden = &DomainError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "not allowed for this template"}

// toDomainError maps the engine's error taxonomy onto HTTP responses.
// Anything unmapped is a 500 with no internal detail leaked.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return &DomainError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "invalid credentials"}
	case errors.Is(err, auth.ErrExpiredToken):
		return &DomainError{Status: http.StatusUnauthorized, Code: "TOKEN_EXPIRED", Message: "token expired"}
	case errors.Is(err, auth.ErrInvalidToken):
		return &DomainError{Status: http.StatusUnauthorized, Code: "INVALID_TOKEN", Message: "invalid token"}
	case errors.Is(err, router.ErrExpired):
		return &DomainError{Status: http.StatusGone, Code: "ENVIRONMENT_EXPIRED", Message: "environment expired"}
	case errors.Is(err, router.ErrNotReady):
		return &DomainError{Status: http.StatusConflict, Code: "ENVIRONMENT_NOT_READY", Message: "environment not ready"}
	case errors.Is(err, router.ErrNotFound), errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "not found"}
	case errors.Is(err, provision.ErrConflict):
		return &DomainError{Status: http.StatusConflict, Code: "SCHEMA_CONFLICT", Message: "schema name collision"}
	case errors.Is(err, provision.ErrProvisioning):
		return &DomainError{Status: http.StatusBadGateway, Code: "PROVISIONING_FAILED", Message: "environment provisioning failed"}
	default:
		return &DomainError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
	}
}
