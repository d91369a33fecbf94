package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
)

// Algorithm is the fixed signature algorithm tag carried on every
// contracts.Signature this package produces.
const Algorithm = "ed25519"

// Signer produces detached signatures over canonical payload bytes.
type Signer interface {
	KeyID() string
	Sign(data []byte) (string, error)
	PublicKeyHex() string
}

// Verifier checks a detached signature against canonical payload bytes.
type Verifier interface {
	Verify(keyID string, data []byte, sigHex string) (bool, error)
}

// Ed25519Signer is a single Ed25519 keypair bound to a key ID.
type Ed25519Signer struct {
	keyID   string
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair under keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{keyID: keyID, privKey: priv, pubKey: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key under keyID.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		keyID:   keyID,
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pubKey
}

// PrivateKey exposes the raw private key for callers that need to hand
// it to a signing API outside this package's own Sign method (e.g. a
// JWT library's EdDSA signing method).
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.privKey
}

// VerifyHex checks a hex-encoded Ed25519 signature against pubKeyHex.
func VerifyHex(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size")
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// SignReceipt signs r in place, zeroing its Signature field before
// canonicalizing so the signature never covers itself.
func SignReceipt(s Signer, r *contracts.Receipt) error {
	cp := *r
	cp.Signature = contracts.Signature{}
	body, err := canonicalize.CanonicalizeReceipt(cp)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize receipt: %w", err)
	}
	sig, err := s.Sign(body)
	if err != nil {
		return err
	}
	r.Signature = contracts.Signature{KeyID: s.KeyID(), Algorithm: Algorithm, Signature: sig}
	return nil
}

// VerifyReceipt checks r.Signature against the given verifier.
func VerifyReceipt(v Verifier, r contracts.Receipt) (bool, error) {
	if r.Signature.Signature == "" {
		return false, fmt.Errorf("crypto: missing receipt signature")
	}
	cp := r
	cp.Signature = contracts.Signature{}
	body, err := canonicalize.CanonicalizeReceipt(cp)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize receipt: %w", err)
	}
	return v.Verify(r.Signature.KeyID, body, r.Signature.Signature)
}

// SignExport signs an export envelope in place.
func SignExport(s Signer, e *contracts.ExportEnvelope) error {
	cp := *e
	cp.Signature = contracts.Signature{}
	body, err := canonicalize.CanonicalizeExport(cp)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize export: %w", err)
	}
	sig, err := s.Sign(body)
	if err != nil {
		return err
	}
	e.Signature = contracts.Signature{KeyID: s.KeyID(), Algorithm: Algorithm, Signature: sig}
	return nil
}

// VerifyExport checks e.Signature against the given verifier.
func VerifyExport(v Verifier, e contracts.ExportEnvelope) (bool, error) {
	if e.Signature.Signature == "" {
		return false, fmt.Errorf("crypto: missing export signature")
	}
	cp := e
	cp.Signature = contracts.Signature{}
	body, err := canonicalize.CanonicalizeExport(cp)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize export: %w", err)
	}
	return v.Verify(e.Signature.KeyID, body, e.Signature.Signature)
}

// SignDelegationToken signs the Delegation, issue/expiry times and nonce
// of t, excluding only the signature field, and stores the result in
// t.Signature.
func SignDelegationToken(s Signer, t *contracts.DelegationToken) error {
	payload := struct {
		Delegation contracts.Delegation `json:"delegation"`
		IssuedAt   string               `json:"iat"`
		ExpiresAt  string               `json:"exp"`
		Nonce      string               `json:"nonce"`
	}{t.Delegation, t.IssuedAt.UTC().Format("2006-01-02T15:04:05.000Z"), t.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"), t.Nonce}
	body, err := canonicalize.CanonicalizeDelegation(payload)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize delegation token: %w", err)
	}
	sig, err := s.Sign(body)
	if err != nil {
		return err
	}
	t.Signature = s.KeyID() + ":" + sig
	return nil
}

// VerifyDelegationToken checks t.Signature, which is a "<keyID>:<sig>"
// pair, against the given verifier.
func VerifyDelegationToken(v Verifier, t contracts.DelegationToken) (bool, error) {
	keyID, sig, ok := splitKeyedSig(t.Signature)
	if !ok {
		return false, fmt.Errorf("crypto: malformed delegation token signature")
	}
	payload := struct {
		Delegation contracts.Delegation `json:"delegation"`
		IssuedAt   string               `json:"iat"`
		ExpiresAt  string               `json:"exp"`
		Nonce      string               `json:"nonce"`
	}{t.Delegation, t.IssuedAt.UTC().Format("2006-01-02T15:04:05.000Z"), t.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"), t.Nonce}
	body, err := canonicalize.CanonicalizeDelegation(payload)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize delegation token: %w", err)
	}
	return v.Verify(keyID, body, sig)
}

// SignConsentProof signs the bindable fields of p, excluding Signature.
func SignConsentProof(s Signer, p *contracts.ConsentProof) error {
	cp := *p
	cp.Signature = ""
	body, err := canonicalize.CanonicalizeConsentProof(cp)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize consent proof: %w", err)
	}
	sig, err := s.Sign(body)
	if err != nil {
		return err
	}
	p.KeyID = s.KeyID()
	p.Signature = sig
	return nil
}

// VerifyConsentProof checks p.Signature against the given verifier.
func VerifyConsentProof(v Verifier, p contracts.ConsentProof) (bool, error) {
	if p.Signature == "" {
		return false, fmt.Errorf("crypto: missing consent proof signature")
	}
	cp := p
	cp.Signature = ""
	body, err := canonicalize.CanonicalizeConsentProof(cp)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize consent proof: %w", err)
	}
	return v.Verify(p.KeyID, body, p.Signature)
}

func splitKeyedSig(s string) (keyID, sig string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
