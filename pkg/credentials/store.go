// Package credentials provides encrypted storage for liquidity
// provider partner integration credentials (spec.md §4.14): the API
// keys and webhook signing secrets a registered LiquidityProvider
// hands over so marketd can pull its inventory feed or receive
// settlement webhooks. Secrets are never stored in the clear — every
// Store is backed by a pkg/kms.Manager that owns the actual
// encryption key material and its rotation.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swapmesh/marketd/pkg/kms"
)

// CredentialPurpose identifies what a partner credential is used for.
type CredentialPurpose string

const (
	PurposeInventoryFeed      CredentialPurpose = "inventory_feed"
	PurposeSettlementWebhook  CredentialPurpose = "settlement_webhook"
	PurposeKYCProvider        CredentialPurpose = "kyc_provider"
)

// TokenType indicates the credential mechanism.
type TokenType string

const (
	TokenTypeAPIKey      TokenType = "apikey"
	TokenTypeHMACSecret  TokenType = "hmac_secret"
)

// Credential represents one partner credential for a liquidity
// provider. Secret is never exposed outside this package in plaintext
// form — callers get it back only through GetCredential for the
// purpose of presenting it on an outbound partner call.
type Credential struct {
	ID         string            `json:"id"`
	ProviderID string            `json:"provider_id"`
	Purpose    CredentialPurpose `json:"purpose"`
	TokenType  TokenType         `json:"token_type"`
	Secret     string            `json:"-"` // decrypted plaintext, never marshaled
	Scopes     []string          `json:"scopes,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
}

// CredentialStatus is the public-facing status without the secret.
type CredentialStatus struct {
	Purpose    CredentialPurpose `json:"purpose"`
	Connected  bool              `json:"connected"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Scopes     []string          `json:"scopes,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
}

// allPurposes is iterated by GetStatus to report a full picture even
// for purposes the provider hasn't configured yet.
var allPurposes = []CredentialPurpose{PurposeInventoryFeed, PurposeSettlementWebhook, PurposeKYCProvider}

// Store manages encrypted partner-credential storage over Postgres,
// keyed by (provider_id, purpose). Encryption is delegated entirely to
// km: Store never sees a raw encryption key, only ciphertext, mirroring
// the separation between key custody and secret storage a real
// partner-integration vault needs.
type Store struct {
	db *sql.DB
	km kms.Manager
	mu sync.RWMutex
}

// NewStore creates a new partner-credential store.
func NewStore(db *sql.DB, km kms.Manager) (*Store, error) {
	if km == nil {
		return nil, errors.New("credentials: key manager is required")
	}
	return &Store{db: db, km: km}, nil
}

// SaveCredential stores or updates a provider's credential for a
// purpose, encrypting Secret with the store's key manager before it
// ever reaches the database.
func (s *Store) SaveCredential(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encSecret, err := s.km.EncryptScoped(cred.Secret, credentialScope(cred.ProviderID, cred.Purpose))
	if err != nil {
		return fmt.Errorf("credentials: encrypt secret: %w", err)
	}

	scopesJSON, _ := json.Marshal(cred.Scopes)
	now := time.Now().UTC()

	query := `
		INSERT INTO liquidity_provider_credentials (id, provider_id, purpose, token_type, secret, scopes, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (provider_id, purpose) DO UPDATE SET
			token_type = EXCLUDED.token_type,
			secret = EXCLUDED.secret,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		cred.ID, cred.ProviderID, cred.Purpose, cred.TokenType,
		encSecret, string(scopesJSON), cred.ExpiresAt, now,
	)
	return err
}

// GetCredential retrieves and decrypts a provider's credential for a
// purpose. A missing row is not an error; it returns (nil, nil) so
// callers can distinguish "not configured" from a storage failure.
func (s *Store) GetCredential(ctx context.Context, providerID string, purpose CredentialPurpose) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cred Credential
	var encSecret sql.NullString
	var scopesJSON sql.NullString
	var expiresAt, lastUsedAt sql.NullTime

	query := `
		SELECT id, provider_id, purpose, token_type, secret, scopes, expires_at, created_at, updated_at, last_used_at
		FROM liquidity_provider_credentials
		WHERE provider_id = $1 AND purpose = $2
	`
	err := s.db.QueryRowContext(ctx, query, providerID, purpose).Scan(
		&cred.ID, &cred.ProviderID, &cred.Purpose, &cred.TokenType,
		&encSecret, &scopesJSON, &expiresAt, &cred.CreatedAt, &cred.UpdatedAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if encSecret.Valid {
		cred.Secret, err = s.km.DecryptScoped(encSecret.String, credentialScope(providerID, purpose))
		if err != nil {
			return nil, fmt.Errorf("credentials: decrypt secret: %w", err)
		}
	}
	if scopesJSON.Valid {
		_ = json.Unmarshal([]byte(scopesJSON.String), &cred.Scopes)
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		cred.LastUsedAt = &lastUsedAt.Time
	}
	return &cred, nil
}

// GetStatus returns the public credential status across every
// purpose for a provider, the way a partner-integration settings page
// would render connection state without ever handling the secret.
func (s *Store) GetStatus(ctx context.Context, providerID string) ([]CredentialStatus, error) {
	statuses := make([]CredentialStatus, 0, len(allPurposes))
	for _, purpose := range allPurposes {
		cred, err := s.GetCredential(ctx, providerID, purpose)
		if err != nil {
			return nil, err
		}
		status := CredentialStatus{Purpose: purpose, Connected: cred != nil && cred.Secret != ""}
		if cred != nil {
			status.ExpiresAt = cred.ExpiresAt
			status.Scopes = cred.Scopes
			status.LastUsedAt = cred.LastUsedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// DeleteCredential removes a provider's credential for a purpose.
func (s *Store) DeleteCredential(ctx context.Context, providerID string, purpose CredentialPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM liquidity_provider_credentials WHERE provider_id = $1 AND purpose = $2`, providerID, purpose)
	return err
}

// UpdateLastUsed updates the last_used_at timestamp, called after a
// successful partner API round trip using the credential.
func (s *Store) UpdateLastUsed(ctx context.Context, providerID string, purpose CredentialPurpose) error {
	_, err := s.db.ExecContext(ctx, `UPDATE liquidity_provider_credentials SET last_used_at = $1 WHERE provider_id = $2 AND purpose = $3`, time.Now().UTC(), providerID, purpose)
	return err
}

// credentialScope binds a credential's encryption key to its
// (provider, purpose) pair, so a subkey compromised for one provider's
// inventory feed credential reveals nothing about another provider's,
// or the same provider's settlement webhook secret.
func credentialScope(providerID string, purpose CredentialPurpose) string {
	return providerID + ":" + string(purpose)
}

// NeedsRefresh reports whether a credential is within five minutes of
// expiring (or already expired), the threshold a partner sync job
// polls on to trigger rotation.
func (c *Credential) NeedsRefresh() bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return time.Until(*c.ExpiresAt) < 5*time.Minute
}
