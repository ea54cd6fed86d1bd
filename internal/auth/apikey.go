package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"statehouse/api/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 work factor. Fixed: changing it invalidates every stored key
// hash, since the iteration count is not recorded per row.
const (
	pbkdf2Iterations = 120000
	saltLength       = 16
	keyPrefix        = "ak"
)

var ErrUnauthorized = errors.New("unauthorized")

// HashSecret derives a salted PBKDF2-HMAC-SHA256 hash of the secret.
// A fresh random salt is generated; both values are base64-encoded.
func HashSecret(secret string) (hash, salt string, err error) {
	saltBytes := make([]byte, saltLength)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), saltBytes, pbkdf2Iterations, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(derived), base64.StdEncoding.EncodeToString(saltBytes), nil
}

// VerifySecret re-derives the hash under the stored salt and compares
// in constant time.
func VerifySecret(secret, storedHash, storedSalt string) bool {
	saltBytes, err := base64.StdEncoding.DecodeString(storedSalt)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(storedHash)
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(secret), saltBytes, pbkdf2Iterations, sha256.Size, sha256.New)
	return hmac.Equal(derived, expected)
}

// ParseAPIKeyHeader accepts `ApiKey ak_<id>_<secret>` or the bare
// `ak_<id>_<secret>` form and returns the id and secret portions.
func ParseAPIKeyHeader(header string) (id, secret string, err error) {
	token := strings.TrimSpace(header)
	if after, ok := strings.CutPrefix(token, "ApiKey "); ok {
		token = strings.TrimSpace(after)
	}
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: malformed api key", ErrUnauthorized)
	}
	return parts[1], parts[2], nil
}

// KeyStore is the registry surface the verifier needs.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	CreateAPIKey(ctx context.Context, key store.APIKey) error
	GetUserByID(ctx context.Context, id int) (store.User, error)
	ListOrgIDs(ctx context.Context, userID int) ([]int, error)
}

// Verifier validates long-lived API credentials against the registry.
type Verifier struct {
	keys KeyStore
}

func NewVerifier(keys KeyStore) *Verifier {
	return &Verifier{keys: keys}
}

// ValidateAPIKey authenticates a credential header and returns the
// owning principal. Rejected keys never reveal which check failed.
func (v *Verifier) ValidateAPIKey(ctx context.Context, header string) (store.Principal, error) {
	id, secret, err := ParseAPIKeyHeader(header)
	if err != nil {
		return store.Principal{}, err
	}

	key, err := v.keys.GetAPIKey(ctx, id)
	if err != nil {
		return store.Principal{}, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	now := time.Now()
	if key.RevokedAt != nil {
		return store.Principal{}, fmt.Errorf("%w: api key revoked", ErrUnauthorized)
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return store.Principal{}, fmt.Errorf("%w: api key expired", ErrUnauthorized)
	}
	if !VerifySecret(secret, key.KeyHash, key.KeySalt) {
		return store.Principal{}, fmt.Errorf("%w: api key mismatch", ErrUnauthorized)
	}

	if err := v.keys.TouchAPIKey(ctx, id); err != nil {
		log.Printf("api key last-used update failed for %s: %v", id, err)
	}

	principal := store.Principal{UserID: key.UserID}
	if user, err := v.keys.GetUserByID(ctx, key.UserID); err == nil {
		principal.IsPlatformAdmin = user.IsPlatformAdmin
		principal.IsOrganizationAdmin = user.IsOrganizationAdmin
	}
	orgIDs, err := v.keys.ListOrgIDs(ctx, key.UserID)
	if err != nil {
		return store.Principal{}, fmt.Errorf("load org memberships: %w", err)
	}
	principal.OrgIDs = orgIDs
	return principal, nil
}

// MintedKey is the one-time result of creating an API key. The token
// is shown once and only its hash is stored.
type MintedKey struct {
	Token     string
	KeyID     string
	UserID    int
	ExpiresAt *time.Time
}

// MintAPIKey creates a new credential for the user, valid for
// daysValid days (non-positive means no expiry).
func (v *Verifier) MintAPIKey(ctx context.Context, userID, daysValid int) (MintedKey, error) {
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return MintedKey{}, fmt.Errorf("generate api key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, salt, err := HashSecret(secret)
	if err != nil {
		return MintedKey{}, err
	}

	var expiresAt *time.Time
	if daysValid > 0 {
		t := time.Now().Add(time.Duration(daysValid) * 24 * time.Hour)
		expiresAt = &t
	}

	if err := v.keys.CreateAPIKey(ctx, store.APIKey{
		ID:        keyID,
		KeyHash:   hash,
		KeySalt:   salt,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return MintedKey{}, err
	}

	return MintedKey{
		Token:     fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret),
		KeyID:     keyID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, nil
}
