package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Registry owns the durable state of templates, runtime environments,
// users and API keys inside the meta schema.
type Registry struct {
	db         *sql.DB
	metaSchema string
}

func NewRegistry(db *sql.DB, metaSchema string) *Registry {
	return &Registry{db: db, metaSchema: metaSchema}
}

func (r *Registry) DB() *sql.DB {
	return r.db
}

func (r *Registry) table(name string) string {
	return fmt.Sprintf("%q.%s", r.metaSchema, name)
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- templates ---

func (r *Registry) CreateTemplate(ctx context.Context, tpl TemplateEnvironment) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, service, name, version, owner_scope, owner_org_id, owner_user_id, kind, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.table("environments"))
	_, err := r.db.ExecContext(ctx, query,
		tpl.ID, tpl.Service, tpl.Name, tpl.Version, tpl.OwnerScope, tpl.OwnerOrgID, tpl.OwnerUserID, tpl.Kind, tpl.Location)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func (r *Registry) GetTemplate(ctx context.Context, id string) (TemplateEnvironment, error) {
	query := fmt.Sprintf(`
		SELECT id, service, name, version, owner_scope, owner_org_id, owner_user_id, kind, location, created_at, updated_at
		FROM %s WHERE id = $1
	`, r.table("environments"))
	var tpl TemplateEnvironment
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Service, &tpl.Name, &tpl.Version, &tpl.OwnerScope,
		&tpl.OwnerOrgID, &tpl.OwnerUserID, &tpl.Kind, &tpl.Location, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TemplateEnvironment{}, ErrNotFound
	}
	if err != nil {
		return TemplateEnvironment{}, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// FindTemplate resolves a template by its full identity.
func (r *Registry) FindTemplate(ctx context.Context, service, ownerScope string, ownerOrgID, ownerUserID *int, name, version string) (TemplateEnvironment, error) {
	query := fmt.Sprintf(`
		SELECT id, service, name, version, owner_scope, owner_org_id, owner_user_id, kind, location, created_at, updated_at
		FROM %s
		WHERE service = $1 AND owner_scope = $2
			AND owner_org_id IS NOT DISTINCT FROM $3
			AND owner_user_id IS NOT DISTINCT FROM $4
			AND name = $5 AND version = $6
	`, r.table("environments"))
	var tpl TemplateEnvironment
	err := r.db.QueryRowContext(ctx, query, service, ownerScope, ownerOrgID, ownerUserID, name, version).Scan(
		&tpl.ID, &tpl.Service, &tpl.Name, &tpl.Version, &tpl.OwnerScope,
		&tpl.OwnerOrgID, &tpl.OwnerUserID, &tpl.Kind, &tpl.Location, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TemplateEnvironment{}, ErrNotFound
	}
	if err != nil {
		return TemplateEnvironment{}, fmt.Errorf("find template: %w", err)
	}
	return tpl, nil
}

// --- runtime environments ---

func (r *Registry) CreateRuntime(ctx context.Context, env RuntimeEnvironment) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, template_id, schema_name, status, permanent, expires_at, max_idle_seconds, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, r.table("runtime_environments"))
	status := env.Status
	if status == "" {
		status = StatusInitializing
	}
	_, err := r.db.ExecContext(ctx, query,
		env.ID, env.TemplateID, env.Schema, status, env.Permanent, env.ExpiresAt, env.MaxIdleSeconds)
	if err != nil {
		return fmt.Errorf("create runtime environment: %w", err)
	}
	return nil
}

func (r *Registry) GetRuntime(ctx context.Context, id string) (RuntimeEnvironment, error) {
	query := fmt.Sprintf(`
		SELECT id, template_id, schema_name, status, permanent, expires_at, max_idle_seconds, last_used_at, created_at, updated_at
		FROM %s WHERE id = $1
	`, r.table("runtime_environments"))
	var env RuntimeEnvironment
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID, &env.TemplateID, &env.Schema, &env.Status, &env.Permanent,
		&env.ExpiresAt, &env.MaxIdleSeconds, &env.LastUsedAt, &env.CreatedAt, &env.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RuntimeEnvironment{}, ErrNotFound
	}
	if err != nil {
		return RuntimeEnvironment{}, fmt.Errorf("get runtime environment: %w", err)
	}
	return env, nil
}

func (r *Registry) MarkReady(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusReady)
}

func (r *Registry) MarkDeleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusDeleted)
}

func (r *Registry) setStatus(ctx context.Context, id, status string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, r.table("runtime_environments"))
	res, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("set runtime status %s: %w", status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch sets last_used_at to now. Deliberately last-write-wins: no row
// lock is taken, and a concurrent touch may silently overwrite this one.
// Idle tracking is best-effort.
func (r *Registry) Touch(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_used_at = NOW() WHERE id = $1`, r.table("runtime_environments"))
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("touch runtime environment: %w", err)
	}
	return nil
}

// IsUsable reports whether the environment can serve a session at the
// given instant: it must be ready and, unless permanent, within both
// its TTL and its idle window.
func IsUsable(env RuntimeEnvironment, now time.Time) bool {
	if env.Status != StatusReady {
		return false
	}
	if env.Permanent {
		return true
	}
	if env.ExpiresAt != nil && now.After(*env.ExpiresAt) {
		return false
	}
	if env.MaxIdleSeconds != nil && now.Sub(env.LastUsedAt) > time.Duration(*env.MaxIdleSeconds)*time.Second {
		return false
	}
	return true
}

// ListExpired returns ready, non-permanent environments whose TTL or
// idle window has lapsed. Used by the reaper.
func (r *Registry) ListExpired(ctx context.Context, now time.Time) ([]RuntimeEnvironment, error) {
	query := fmt.Sprintf(`
		SELECT id, template_id, schema_name, status, permanent, expires_at, max_idle_seconds, last_used_at, created_at, updated_at
		FROM %s
		WHERE status = $1 AND permanent = FALSE
			AND (
				(expires_at IS NOT NULL AND expires_at < $2)
				OR (max_idle_seconds IS NOT NULL AND last_used_at + make_interval(secs => max_idle_seconds) < $2)
			)
	`, r.table("runtime_environments"))
	rows, err := r.db.QueryContext(ctx, query, StatusReady, now)
	if err != nil {
		return nil, fmt.Errorf("list expired environments: %w", err)
	}
	defer rows.Close()

	var out []RuntimeEnvironment
	for rows.Next() {
		var env RuntimeEnvironment
		if err := rows.Scan(
			&env.ID, &env.TemplateID, &env.Schema, &env.Status, &env.Permanent,
			&env.ExpiresAt, &env.MaxIdleSeconds, &env.LastUsedAt, &env.CreatedAt, &env.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan expired environment: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// --- api keys and principals ---

func (r *Registry) CreateAPIKey(ctx context.Context, key APIKey) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, key_hash, key_salt, user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.table("api_keys"))
	if _, err := r.db.ExecContext(ctx, query, key.ID, key.KeyHash, key.KeySalt, key.UserID, key.ExpiresAt); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (r *Registry) GetAPIKey(ctx context.Context, id string) (APIKey, error) {
	query := fmt.Sprintf(`
		SELECT id, key_hash, key_salt, user_id, expires_at, revoked_at, last_used_at, created_at
		FROM %s WHERE id = $1
	`, r.table("api_keys"))
	var key APIKey
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&key.ID, &key.KeyHash, &key.KeySalt, &key.UserID, &key.ExpiresAt, &key.RevokedAt, &key.LastUsedAt, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (r *Registry) TouchAPIKey(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_used_at = NOW() WHERE id = $1`, r.table("api_keys"))
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *Registry) CreateUser(ctx context.Context, user User) (int, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (email, is_platform_admin, is_organization_admin)
		VALUES ($1, $2, $3)
		RETURNING id
	`, r.table("users"))
	var id int
	if err := r.db.QueryRowContext(ctx, query, user.Email, user.IsPlatformAdmin, user.IsOrganizationAdmin).Scan(&id); err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (r *Registry) GetUserByID(ctx context.Context, id int) (User, error) {
	query := fmt.Sprintf(`SELECT id, email, is_platform_admin, is_organization_admin FROM %s WHERE id = $1`, r.table("users"))
	var user User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Email, &user.IsPlatformAdmin, &user.IsOrganizationAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *Registry) GetUserByEmail(ctx context.Context, email string) (User, error) {
	query := fmt.Sprintf(`SELECT id, email, is_platform_admin, is_organization_admin FROM %s WHERE email = $1`, r.table("users"))
	var user User
	err := r.db.QueryRowContext(ctx, query, email).Scan(&user.ID, &user.Email, &user.IsPlatformAdmin, &user.IsOrganizationAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (r *Registry) ListOrgIDs(ctx context.Context, userID int) ([]int, error) {
	query := fmt.Sprintf(`SELECT organization_id FROM %s WHERE user_id = $1 ORDER BY organization_id`, r.table("organization_memberships"))
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list org memberships: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan org membership: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
