// Package app exposes the isolation engine's control plane over HTTP.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/config"
	"statehouse/api/internal/engine"
	"statehouse/api/internal/rbac"
	"statehouse/api/internal/router"
	"statehouse/api/internal/store"
	"statehouse/api/internal/util"

	"github.com/google/uuid"
)

// Core is the orchestrator surface the HTTP layer drives.
type Core interface {
	InitEnvironment(ctx context.Context, req engine.InitEnvRequest) (engine.InitEnvResult, error)
	Teardown(ctx context.Context, runtimeID string) error
	SessionForToken(ctx context.Context, token string) (*router.Session, error)
	ValidateAPIKey(ctx context.Context, header string) (store.Principal, error)
	SweepExpired(ctx context.Context) (int, error)
}

// RegistryStore is the registry surface the control plane reads.
type RegistryStore interface {
	Ping(ctx context.Context) error
	GetRuntime(ctx context.Context, id string) (store.RuntimeEnvironment, error)
	CreateTemplate(ctx context.Context, tpl store.TemplateEnvironment) error
	GetTemplate(ctx context.Context, id string) (store.TemplateEnvironment, error)
}

// KeyMinter creates API credentials.
type KeyMinter interface {
	MintAPIKey(ctx context.Context, userID, daysValid int) (auth.MintedKey, error)
}

// Snapshotter archives template schemas to object storage. Optional.
type Snapshotter interface {
	EnsureBucket(ctx context.Context) error
	Export(ctx context.Context, schema string, tables []string, object string) (string, error)
	Restore(ctx context.Context, object, targetSchema string) error
}

// Service wires the orchestrator and registry to the HTTP surface.
type Service struct {
	cfg      config.Config
	db       *sql.DB
	core     Core
	registry RegistryStore
	keys     KeyMinter
	snaps    Snapshotter
}

func NewService(cfg config.Config, db *sql.DB, core Core, registry RegistryStore, keys KeyMinter) *Service {
	return &Service{cfg: cfg, db: db, core: core, registry: registry, keys: keys}
}

// WithSnapshots enables template artifact export/restore.
func (s *Service) WithSnapshots(snaps Snapshotter) *Service {
	s.snaps = snaps
	return s
}

// Bootstrap creates the meta schema and, when snapshots are enabled,
// the artifact bucket.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := store.EnsureMeta(ctx, s.db, s.cfg.MetaSchema); err != nil {
		return err
	}
	if s.snaps != nil {
		if err := s.snaps.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.registry.Ping(ctx)
}

func (s *Service) ValidateAPIKey(ctx context.Context, header string) (store.Principal, error) {
	return s.core.ValidateAPIKey(ctx, header)
}

// InitEnvRequest is the wire form of an environment init call.
type InitEnvRequest struct {
	TemplateID       string   `json:"template_id"`
	TemplateSchema   string   `json:"template_schema"`
	TTLSeconds       int      `json:"ttl_seconds"`
	Permanent        bool     `json:"permanent"`
	MaxIdleSeconds   *int     `json:"max_idle_seconds"`
	ImpersonateID    *int     `json:"impersonate_user_id"`
	ImpersonateEmail string   `json:"impersonate_email"`
	RunID            string   `json:"run_id"`
	Scopes           []string `json:"scopes"`
	TableOrder       []string `json:"table_order"`
}

func (s *Service) InitEnvironment(ctx context.Context, principal store.Principal, req InitEnvRequest) (engine.InitEnvResult, error) {
	if req.TemplateID != "" {
		tpl, err := s.registry.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return engine.InitEnvResult{}, err
		}
		if !rbac.CanUseTemplate(principal, tpl) {
			return engine.InitEnvResult{}, errForbidden
		}
	}
	var imp engine.Impersonation
	switch {
	case req.ImpersonateID != nil:
		imp = engine.ByUserID(*req.ImpersonateID)
	case req.ImpersonateEmail != "":
		imp = engine.ByEmail(req.ImpersonateEmail)
	}
	if req.RunID == "" {
		req.RunID = util.NewID("run")
	}
	return s.core.InitEnvironment(ctx, engine.InitEnvRequest{
		TemplateID:     req.TemplateID,
		TemplateSchema: req.TemplateSchema,
		UserID:         principal.UserID,
		Impersonate:    imp,
		RunID:          req.RunID,
		Scopes:         req.Scopes,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		Permanent:      req.Permanent,
		MaxIdleSeconds: req.MaxIdleSeconds,
		TableOrder:     req.TableOrder,
	})
}

func (s *Service) GetEnvironment(ctx context.Context, id string) (store.RuntimeEnvironment, error) {
	return s.registry.GetRuntime(ctx, id)
}

func (s *Service) TeardownEnvironment(ctx context.Context, id string) error {
	return s.core.Teardown(ctx, id)
}

func (s *Service) SessionForToken(ctx context.Context, token string) (*router.Session, error) {
	return s.core.SessionForToken(ctx, token)
}

func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.core.SweepExpired(ctx)
}

// CreateTemplateRequest registers an existing schema as a template.
type CreateTemplateRequest struct {
	Service     string `json:"service"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	OwnerScope  string `json:"owner_scope"`
	OwnerOrgID  *int   `json:"owner_org_id"`
	OwnerUserID *int   `json:"owner_user_id"`
	Location    string `json:"location"`
}

func (s *Service) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (store.TemplateEnvironment, error) {
	if req.Service == "" || req.Name == "" || req.Location == "" {
		return store.TemplateEnvironment{}, &DomainError{
			Status:  http.StatusBadRequest,
			Code:    "INVALID_BODY",
			Message: "service, name and location are required",
		}
	}
	tpl := store.TemplateEnvironment{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		Service:     req.Service,
		Name:        req.Name,
		Version:     req.Version,
		OwnerScope:  req.OwnerScope,
		OwnerOrgID:  req.OwnerOrgID,
		OwnerUserID: req.OwnerUserID,
		Kind:        "schema",
		Location:    req.Location,
	}
	if tpl.Version == "" {
		tpl.Version = "v1"
	}
	if tpl.OwnerScope == "" {
		tpl.OwnerScope = store.ScopeGlobal
	}
	if err := s.registry.CreateTemplate(ctx, tpl); err != nil {
		return store.TemplateEnvironment{}, err
	}
	return tpl, nil
}

func (s *Service) GetTemplate(ctx context.Context, principal store.Principal, id string) (store.TemplateEnvironment, error) {
	tpl, err := s.registry.GetTemplate(ctx, id)
	if err != nil {
		return store.TemplateEnvironment{}, err
	}
	if !rbac.CanUseTemplate(principal, tpl) {
		return store.TemplateEnvironment{}, errForbidden
	}
	return tpl, nil
}

func (s *Service) MintAPIKey(ctx context.Context, userID, daysValid int) (auth.MintedKey, error) {
	return s.keys.MintAPIKey(ctx, userID, daysValid)
}

// SnapshotTemplate exports a template schema's rows as an artifact.
// The table list must already be in dependency order.
func (s *Service) SnapshotTemplate(ctx context.Context, principal store.Principal, templateID string, tables []string) (string, error) {
	if s.snaps == nil {
		return "", fmt.Errorf("snapshots are not configured")
	}
	tpl, err := s.registry.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	if !rbac.CanManageTemplate(principal, tpl) {
		return "", errForbidden
	}
	object := fmt.Sprintf("%s/%s-%s-%d.json", tpl.Service, tpl.Name, tpl.Version, time.Now().Unix())
	return s.snaps.Export(ctx, tpl.Location, tables, object)
}

func (s *Service) RestoreTemplate(ctx context.Context, object, targetSchema string) error {
	if s.snaps == nil {
		return fmt.Errorf("snapshots are not configured")
	}
	return s.snaps.Restore(ctx, object, targetSchema)
}
