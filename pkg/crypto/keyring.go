package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds every key the runtime has ever signed with, keyed by
// key ID, so that signatures minted under a rotated-out key can still be
// verified. Signing always uses the currently active key.
type KeyRing struct {
	mu       sync.RWMutex
	signers  map[string]*Ed25519Signer
	activeID string
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]*Ed25519Signer)}
}

// AddKey registers s and makes it the active signing key, so the most
// recently added key is always the active one.
func (k *KeyRing) AddKey(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
	k.activeID = s.KeyID()
}

// Rotate designates keyID (which must already be registered) as active.
func (k *KeyRing) Rotate(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.signers[keyID]; !ok {
		return fmt.Errorf("crypto: unknown key %q", keyID)
	}
	k.activeID = keyID
	return nil
}

// RevokeKey removes a key from the ring. Signatures minted under it can
// no longer be verified.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
	if k.activeID == keyID {
		k.activeID = k.latestLocked()
	}
}

func (k *KeyRing) latestLocked() string {
	var ids []string
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// Active returns the currently active signer.
func (k *KeyRing) Active() (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[k.activeID]
	if !ok {
		return nil, fmt.Errorf("crypto: keyring has no active key")
	}
	return s, nil
}

func (k *KeyRing) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

func (k *KeyRing) Sign(data []byte) (string, error) {
	k.mu.RLock()
	s, ok := k.signers[k.activeID]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("crypto: keyring has no active key")
	}
	return s.Sign(data)
}

func (k *KeyRing) PublicKeyHex() string {
	k.mu.RLock()
	s, ok := k.signers[k.activeID]
	k.mu.RUnlock()
	if !ok {
		return ""
	}
	return s.PublicKeyHex()
}

// Verify checks data/sigHex against the key registered under keyID,
// whether or not that key is still active.
func (k *KeyRing) Verify(keyID string, data []byte, sigHex string) (bool, error) {
	k.mu.RLock()
	s, ok := k.signers[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("crypto: unknown or revoked key %q", keyID)
	}
	return VerifyHex(s.PublicKeyHex(), sigHex, data)
}

// PublicKeyEntry is one row of the key-set list operation's response: a
// key ID, its hex-encoded Ed25519 public key, and whether it is the
// currently active signing key.
type PublicKeyEntry struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key_hex"`
	Active    bool   `json:"active"`
}

// ListPublicKeys returns every key still registered in the ring (active
// and rotated-out but not yet revoked), sorted by key ID, for the
// key-set list operation in the operation manifest. Verifiers use it to
// check signatures minted under a key that has since been rotated out.
func (k *KeyRing) ListPublicKeys() []PublicKeyEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entries := make([]PublicKeyEntry, 0, len(k.signers))
	for id, s := range k.signers {
		entries = append(entries, PublicKeyEntry{
			KeyID:     id,
			PublicKey: s.PublicKeyHex(),
			Active:    id == k.activeID,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].KeyID < entries[j].KeyID })
	return entries
}
