// Package engine sequences environment provisioning, registry
// bookkeeping and token issuance behind one façade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"statehouse/api/internal/auth"
	"statehouse/api/internal/provision"
	"statehouse/api/internal/router"
	"statehouse/api/internal/store"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Provisioner owns the physical schemas backing runtime environments.
type Provisioner interface {
	CreateSchema(ctx context.Context, name string) error
	ReplicateStructure(ctx context.Context, templateSchema, targetSchema string) error
	CloneRows(ctx context.Context, templateSchema, targetSchema string, overrideOrder []string) error
	Teardown(ctx context.Context, name string) error
}

// Registry is the durable record store for templates and runtimes.
type Registry interface {
	GetTemplate(ctx context.Context, id string) (store.TemplateEnvironment, error)
	CreateRuntime(ctx context.Context, env store.RuntimeEnvironment) error
	GetRuntime(ctx context.Context, id string) (store.RuntimeEnvironment, error)
	MarkReady(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time) ([]store.RuntimeEnvironment, error)
	GetUserByID(ctx context.Context, id int) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

// TokenIssuer mints access tokens bound to one runtime environment.
type TokenIssuer interface {
	Issue(req auth.IssueRequest) (string, error)
}

// SessionRouter binds validated tokens to environment-scoped sessions.
type SessionRouter interface {
	SessionForToken(ctx context.Context, token string) (*router.Session, error)
}

// Config carries the engine's tunables explicitly; nothing is read
// from process-wide state after construction.
type Config struct {
	DefaultTTL     time.Duration
	DefaultMaxIdle time.Duration
	TokenTTL       time.Duration
}

type Engine struct {
	cfg         Config
	provisioner Provisioner
	registry    Registry
	tokens      TokenIssuer
	router      SessionRouter
	verifier    *auth.Verifier
	now         func() time.Time
}

func New(cfg Config, provisioner Provisioner, registry Registry, tokens TokenIssuer, sessions SessionRouter, verifier *auth.Verifier) *Engine {
	return &Engine{
		cfg:         cfg,
		provisioner: provisioner,
		registry:    registry,
		tokens:      tokens,
		router:      sessions,
		verifier:    verifier,
		now:         time.Now,
	}
}

// Impersonation selects the user a run acts as, either by id or by
// email. The zero value means no impersonation.
type Impersonation struct {
	userID *int
	email  *string
}

func ByUserID(id int) Impersonation {
	return Impersonation{userID: &id}
}

func ByEmail(email string) Impersonation {
	return Impersonation{email: &email}
}

func (i Impersonation) isZero() bool {
	return i.userID == nil && i.email == nil
}

// resolveImpersonation turns the variant into a verified user id with
// one registry lookup.
func (e *Engine) resolveImpersonation(ctx context.Context, imp Impersonation) (*int, error) {
	switch {
	case imp.isZero():
		return nil, nil
	case imp.userID != nil:
		user, err := e.registry.GetUserByID(ctx, *imp.userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: impersonation user %d", ErrNotFound, *imp.userID)
		}
		if err != nil {
			return nil, err
		}
		return &user.ID, nil
	default:
		user, err := e.registry.GetUserByEmail(ctx, *imp.email)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: impersonation user %s", ErrNotFound, *imp.email)
		}
		if err != nil {
			return nil, err
		}
		return &user.ID, nil
	}
}

// InitEnvRequest describes one new runtime environment. Either
// TemplateID or TemplateSchema must be set; TemplateSchema supports ad
// hoc clones with no registered template.
type InitEnvRequest struct {
	TemplateID     string
	TemplateSchema string

	UserID      int
	Impersonate Impersonation
	RunID       string
	Scopes      []string

	TTL            time.Duration
	Permanent      bool
	MaxIdleSeconds *int
	TableOrder     []string
}

// InitEnvResult is what a caller needs to use the new environment.
type InitEnvResult struct {
	RuntimeID string     `json:"state_id"`
	Schema    string     `json:"schema"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// InitEnvironment provisions a fresh clone of the template, registers
// it, and issues a token bound to it. The registry row exists before
// the schema does, so a crash can orphan a row but never a schema; any
// provisioning error tears the schema down and marks the row deleted
// before surfacing.
func (e *Engine) InitEnvironment(ctx context.Context, req InitEnvRequest) (InitEnvResult, error) {
	templateSchema := req.TemplateSchema
	var templateID *string
	if req.TemplateID != "" {
		tpl, err := e.registry.GetTemplate(ctx, req.TemplateID)
		if errors.Is(err, store.ErrNotFound) {
			return InitEnvResult{}, fmt.Errorf("%w: template %s", ErrNotFound, req.TemplateID)
		}
		if err != nil {
			return InitEnvResult{}, err
		}
		templateID = &tpl.ID
		templateSchema = tpl.Location
	}
	if templateSchema == "" {
		return InitEnvResult{}, errors.New("init environment: no template specified")
	}

	impersonateID, err := e.resolveImpersonation(ctx, req.Impersonate)
	if err != nil {
		return InitEnvResult{}, err
	}

	runtimeID := strings.ReplaceAll(uuid.NewString(), "-", "")
	schema := "state_" + runtimeID

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL
	}
	now := e.now()
	var expiresAt *time.Time
	if !req.Permanent {
		t := now.Add(ttl)
		expiresAt = &t
	}
	maxIdle := req.MaxIdleSeconds
	if maxIdle == nil && !req.Permanent && e.cfg.DefaultMaxIdle > 0 {
		seconds := int(e.cfg.DefaultMaxIdle / time.Second)
		maxIdle = &seconds
	}

	if err := e.registry.CreateRuntime(ctx, store.RuntimeEnvironment{
		ID:             runtimeID,
		TemplateID:     templateID,
		Schema:         schema,
		Status:         store.StatusInitializing,
		Permanent:      req.Permanent,
		ExpiresAt:      expiresAt,
		MaxIdleSeconds: maxIdle,
	}); err != nil {
		return InitEnvResult{}, err
	}

	if err := e.provisioner.CreateSchema(ctx, schema); err != nil {
		// On a name collision the existing schema belongs to someone
		// else; only the registry row is cleaned up.
		e.discardRuntime(ctx, runtimeID, "", err)
		return InitEnvResult{}, err
	}

	if err := e.provisioner.ReplicateStructure(ctx, templateSchema, schema); err != nil {
		e.discardRuntime(ctx, runtimeID, schema, err)
		return InitEnvResult{}, err
	}

	if err := e.provisioner.CloneRows(ctx, templateSchema, schema, req.TableOrder); err != nil {
		e.discardRuntime(ctx, runtimeID, schema, err)
		return InitEnvResult{}, err
	}

	if err := e.registry.MarkReady(ctx, runtimeID); err != nil {
		e.discardRuntime(ctx, runtimeID, schema, err)
		return InitEnvResult{}, err
	}

	tokenTTL := e.cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = ttl
	}
	token, err := e.tokens.Issue(auth.IssueRequest{
		UserID:            req.UserID,
		EnvironmentID:     runtimeID,
		ImpersonateUserID: impersonateID,
		RunID:             req.RunID,
		Scopes:            req.Scopes,
		TTL:               tokenTTL,
	})
	if err != nil {
		e.discardRuntime(ctx, runtimeID, schema, err)
		return InitEnvResult{}, err
	}

	return InitEnvResult{
		RuntimeID: runtimeID,
		Schema:    schema,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// discardRuntime is the mandatory cleanup after a failed init: drop
// the half-built schema (when one was created) and mark the registry
// row deleted. Cleanup failures are logged, never masked over cause.
func (e *Engine) discardRuntime(ctx context.Context, runtimeID, schema string, cause error) {
	log.Printf("discarding environment %s after init failure: %v", runtimeID, cause)
	if schema != "" {
		if err := e.provisioner.Teardown(ctx, schema); err != nil {
			log.Printf("teardown of %s failed: %v", schema, err)
		}
	}
	if err := e.registry.MarkDeleted(ctx, runtimeID); err != nil {
		log.Printf("mark deleted of %s failed: %v", runtimeID, err)
	}
}

// SessionForToken delegates to the session router.
func (e *Engine) SessionForToken(ctx context.Context, token string) (*router.Session, error) {
	return e.router.SessionForToken(ctx, token)
}

// ValidateAPIKey delegates to the credential verifier.
func (e *Engine) ValidateAPIKey(ctx context.Context, header string) (store.Principal, error) {
	return e.verifier.ValidateAPIKey(ctx, header)
}

// Teardown drops the environment's schema and marks its record
// deleted. Idempotent: tearing down an already-deleted environment is
// a no-op.
func (e *Engine) Teardown(ctx context.Context, runtimeID string) error {
	env, err := e.registry.GetRuntime(ctx, runtimeID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: environment %s", ErrNotFound, runtimeID)
	}
	if err != nil {
		return err
	}
	if env.Status == store.StatusDeleted {
		return nil
	}
	if err := e.provisioner.Teardown(ctx, env.Schema); err != nil {
		return fmt.Errorf("%w: %v", provision.ErrProvisioning, err)
	}
	if err := e.registry.MarkDeleted(ctx, runtimeID); err != nil {
		return err
	}
	return nil
}

// SweepExpired tears down every lapsed, non-permanent environment.
// Returns how many were removed. Failures on individual environments
// are logged and do not stop the sweep.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.registry.ListExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, env := range expired {
		if err := e.Teardown(ctx, env.ID); err != nil {
			log.Printf("sweep: teardown of %s failed: %v", env.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}
