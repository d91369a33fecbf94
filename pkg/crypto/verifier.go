package crypto

import "fmt"

// SingleKeyVerifier verifies against exactly one known public key,
// regardless of the keyID presented. Used in tests and single-key
// deployments where a KeyRing would be overkill.
type SingleKeyVerifier struct {
	keyID     string
	publicHex string
}

// NewSingleKeyVerifier builds a verifier bound to one signer's public key.
func NewSingleKeyVerifier(s Signer) *SingleKeyVerifier {
	return &SingleKeyVerifier{keyID: s.KeyID(), publicHex: s.PublicKeyHex()}
}

func (v *SingleKeyVerifier) Verify(keyID string, data []byte, sigHex string) (bool, error) {
	if keyID != v.keyID {
		return false, fmt.Errorf("crypto: signature key %q does not match bound key %q", keyID, v.keyID)
	}
	return VerifyHex(v.publicHex, sigHex, data)
}
