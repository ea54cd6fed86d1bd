package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"statehouse/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Data-plane probe: validates the access token and reports which
	// environment it is bound to. No API key required.
	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "missing bearer token")
			return
		}
		session, err := s.service.SessionForToken(r.Context(), token)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		defer session.Close()
		writeJSON(w, http.StatusOK, map[string]any{
			"environment_id": session.EnvironmentID,
			"schema":         session.Schema(),
			"user_id":        session.UserID,
			"run_id":         session.RunID,
		})
		return
	}

	// Everything below is control plane and needs a valid API key.
	principal, err := s.service.ValidateAPIKey(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/env/init":
		s.handleInitEnv(w, r, principal)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/env/"):
		s.handleGetEnv(w, r, strings.TrimPrefix(r.URL.Path, "/api/env/"))
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/env/"):
		s.handleTeardownEnv(w, r, strings.TrimPrefix(r.URL.Path, "/api/env/"))
	case r.Method == http.MethodPost && r.URL.Path == "/api/sweep":
		s.handleSweep(w, r, principal)
	case r.Method == http.MethodPost && r.URL.Path == "/api/templates":
		s.handleCreateTemplate(w, r, principal)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/templates/"):
		s.handleGetTemplate(w, r, principal, strings.TrimPrefix(r.URL.Path, "/api/templates/"))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/templates/") && strings.HasSuffix(r.URL.Path, "/snapshot"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/templates/"), "/snapshot")
		s.handleSnapshotTemplate(w, r, principal, id)
	case r.Method == http.MethodPost && r.URL.Path == "/api/templates/restore":
		s.handleRestoreTemplate(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/keys":
		s.handleMintKey(w, r, principal)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	}
}

func (s *HTTPServer) handleInitEnv(w http.ResponseWriter, r *http.Request, principal store.Principal) {
	var req InitEnvRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	result, err := s.service.InitEnvironment(r.Context(), principal, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetEnv(w http.ResponseWriter, r *http.Request, id string) {
	env, err := s.service.GetEnvironment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state_id":     env.ID,
		"template_id":  env.TemplateID,
		"schema":       env.Schema,
		"status":       env.Status,
		"permanent":    env.Permanent,
		"expires_at":   env.ExpiresAt,
		"last_used_at": env.LastUsedAt,
	})
}

func (s *HTTPServer) handleTeardownEnv(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.TeardownEnvironment(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state_id": id, "status": store.StatusDeleted})
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request, principal store.Principal) {
	if !principal.IsPlatformAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "platform admin required")
		return
	}
	removed, err := s.service.SweepExpired(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *HTTPServer) handleCreateTemplate(w http.ResponseWriter, r *http.Request, principal store.Principal) {
	if !principal.IsPlatformAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "platform admin required")
		return
	}
	var req CreateTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	tpl, err := s.service.CreateTemplate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": tpl.ID, "location": tpl.Location})
}

func (s *HTTPServer) handleGetTemplate(w http.ResponseWriter, r *http.Request, principal store.Principal, id string) {
	tpl, err := s.service.GetTemplate(r.Context(), principal, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *HTTPServer) handleSnapshotTemplate(w http.ResponseWriter, r *http.Request, principal store.Principal, id string) {
	var req struct {
		Tables []string `json:"tables"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	location, err := s.service.SnapshotTemplate(r.Context(), principal, id, req.Tables)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"location": location})
}

func (s *HTTPServer) handleRestoreTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Object       string `json:"object"`
		TargetSchema string `json:"target_schema"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Object == "" || req.TargetSchema == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "object and target_schema are required")
		return
	}
	if err := s.service.RestoreTemplate(r.Context(), req.Object, req.TargetSchema); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": req.TargetSchema})
}

func (s *HTTPServer) handleMintKey(w http.ResponseWriter, r *http.Request, principal store.Principal) {
	if !principal.IsPlatformAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "platform admin required")
		return
	}
	var req struct {
		UserID    int `json:"user_id"`
		DaysValid int `json:"days_valid"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "user_id is required")
		return
	}
	if req.DaysValid == 0 {
		req.DaysValid = 90
	}
	minted, err := s.service.MintAPIKey(r.Context(), req.UserID, req.DaysValid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      minted.Token,
		"key_id":     minted.KeyID,
		"user_id":    minted.UserID,
		"expires_at": minted.ExpiresAt,
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

func writeDomainError(w http.ResponseWriter, err error) {
	domainErr := toDomainError(err)
	writeError(w, domainErr.Status, domainErr.Code, domainErr.Message)
}
