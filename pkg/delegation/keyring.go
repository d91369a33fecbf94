package delegation

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/swapmesh/marketd/pkg/credentials"
	"github.com/swapmesh/marketd/pkg/crypto"
)

// ringTenantID/ringService are the fixed (tenant, service) pair under
// which the policy-integrity key set is tracked in the rotation
// manager; there is exactly one such key lineage per running marketd
// instance, not one per delegation or per actor.
const (
	ringTenantID = "platform"
	ringService  = "policy-integrity"

	// ringKeyMaxAge is long enough that policy-integrity keys never
	// expire on their own; rotation is always explicit (Rotate), never
	// time-driven. The ring's own check (keyUsable) looks only at the
	// revoked state, so a key stops verifying only on Revoke.
	ringKeyMaxAge = 10 * 365 * 24 * time.Hour
)

// KeyRing holds the platform's policy-integrity key set: one active
// signing key at a time, plus retired keys kept around only so that
// tokens signed before a rotation still verify until they expire.
// Lifecycle bookkeeping (issue/rotate/revoke, generation counter) is
// delegated to credentials.RotationManager; KeyRing itself only holds
// the Ed25519 key material a ManagedCredential's ID names.
type KeyRing struct {
	mu       sync.Mutex
	signers  map[string]*crypto.Ed25519Signer
	rotation *credentials.RotationManager
	activeID string
}

// NewKeyRing creates an empty ring and issues its first active key.
func NewKeyRing() (*KeyRing, error) {
	r := &KeyRing{
		signers:  make(map[string]*crypto.Ed25519Signer),
		rotation: credentials.NewRotationManager(credentials.RotationPolicy{MaxAge: ringKeyMaxAge}),
	}
	if _, err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the ring's clock for testing.
func (r *KeyRing) WithClock(clock func() time.Time) *KeyRing {
	r.rotation.WithClock(clock)
	return r
}

// Rotate issues a fresh signing key, makes it active, and demotes the
// previous active key to rotated (still valid for Verify, no longer
// used for Sign).
func (r *KeyRing) Rotate() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cred *credentials.ManagedCredential
	if r.activeID == "" {
		cred = r.rotation.Issue(ringTenantID, ringService)
	} else {
		var err error
		cred, err = r.rotation.Rotate(r.activeID)
		if err != nil {
			return "", fmt.Errorf("delegation: rotate policy-integrity key: %w", err)
		}
	}

	signer, err := crypto.NewEd25519Signer(cred.CredentialID)
	if err != nil {
		return "", fmt.Errorf("delegation: generate policy-integrity key: %w", err)
	}
	r.signers[cred.CredentialID] = signer
	r.activeID = cred.CredentialID
	return cred.CredentialID, nil
}

// Revoke marks a key unusable for verification. It does not change the
// active key: if keyID is the active key, ActiveSigner still returns it.
func (r *KeyRing) Revoke(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signers[keyID]; !ok {
		return fmt.Errorf("delegation: key %q not found", keyID)
	}
	return r.rotation.Revoke(keyID)
}

// ActiveSigner returns the current signing key.
func (r *KeyRing) ActiveSigner() crypto.Signer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signers[r.activeID]
}

// Verify checks a signature under keyID, rejecting unknown or revoked
// keys. It implements crypto.Verifier.
func (r *KeyRing) Verify(keyID string, data []byte, sigHex string) (bool, error) {
	r.mu.Lock()
	signer, ok := r.signers[keyID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("delegation: unknown policy-integrity key %q", keyID)
	}
	if !r.keyUsable(keyID) {
		return false, fmt.Errorf("delegation: policy-integrity key %q is revoked", keyID)
	}
	return crypto.VerifyHex(signer.PublicKeyHex(), sigHex, data)
}

// publicKey exposes the raw Ed25519 public key for a keyID, used by the
// JWT bearer-token path which needs ed25519.PublicKey rather than the
// hex form crypto.Verifier deals in.
func (r *KeyRing) publicKey(keyID string) (ed25519.PublicKey, bool) {
	r.mu.Lock()
	signer, ok := r.signers[keyID]
	r.mu.Unlock()
	if !ok || !r.keyUsable(keyID) {
		return nil, false
	}
	return signer.PublicKey(), true
}

// keyUsable reports whether keyID is still usable for verification: a
// key is usable once issued and remains so after a rotation demotes it
// from active, only Revoke takes it out of service.
func (r *KeyRing) keyUsable(keyID string) bool {
	cred, err := r.rotation.Get(keyID)
	if err != nil {
		return false
	}
	return cred.State != credentials.CredentialRevoked
}

func (r *KeyRing) activeKeyID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

func (r *KeyRing) activePrivateKeyAndID() (string, ed25519.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	signer := r.signers[r.activeID]
	return r.activeID, signer.PrivateKey()
}
