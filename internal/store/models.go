package store

import "time"

// Owner scopes for template environments.
const (
	ScopeGlobal = "global"
	ScopeOrg    = "org"
	ScopeUser   = "user"
)

// Runtime environment lifecycle. Deleted is terminal.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusExpired      = "expired"
	StatusDeleted      = "deleted"
)

// TemplateEnvironment is a named, versioned seed dataset definition.
// Identity is (service, owner scope, owner ids, name, version).
type TemplateEnvironment struct {
	ID          string
	Service     string
	Name        string
	Version     string
	OwnerScope  string
	OwnerOrgID  *int
	OwnerUserID *int
	Kind        string
	Location    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuntimeEnvironment is one ephemeral clone of a template, backed by
// exactly one physical schema.
type RuntimeEnvironment struct {
	ID             string
	TemplateID     *string
	Schema         string
	Status         string
	Permanent      bool
	ExpiresAt      *time.Time
	MaxIdleSeconds *int
	LastUsedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIKey is a long-lived control-plane credential. The secret is stored
// only as a salted PBKDF2 hash.
type APIKey struct {
	ID         string
	KeyHash    string
	KeySalt    string
	UserID     int
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// User is a control-plane principal. Business-domain users live in the
// cloned schemas, not here.
type User struct {
	ID                  int
	Email               string
	IsPlatformAdmin     bool
	IsOrganizationAdmin bool
}

// Principal is the identity derived from a validated API key.
type Principal struct {
	UserID              int
	OrgIDs              []int
	IsPlatformAdmin     bool
	IsOrganizationAdmin bool
}
