package delegation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// bearerClaims is the JWT claim set a minted delegation token carries.
// The Delegation itself travels as a custom claim; iat/exp/jti are the
// registered claims golang-jwt validates for us.
type bearerClaims struct {
	Delegation contracts.Delegation `json:"delegation"`
	jwt.RegisteredClaims
}

// mintBearer signs a compact JWT bearer token for d under the ring's
// active key, per spec.md §4.11's `{delegation, iat, exp, nonce, sig}`.
func mintBearer(ring *KeyRing, d contracts.Delegation, nonce string, now time.Time) (string, error) {
	claims := bearerClaims{
		Delegation: d,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(d.ExpiresAt),
			ID:        nonce,
		},
	}
	keyID, priv := ring.activePrivateKeyAndID()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(priv)
}

// parseBearer verifies raw against the ring's key set and recovers the
// Delegation and nonce it carries. Expired tokens, tokens signed under
// an unknown or revoked key, and tokens with an invalid signature are
// all rejected uniformly, per spec.md §4.11: "Parsing rejects expired,
// unknown-key, or signature-invalid tokens."
func parseBearer(ring *KeyRing, raw string, now time.Time) (contracts.Delegation, string, time.Time, error) {
	var claims bearerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("delegation: unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		pub, ok := ring.publicKey(kid)
		if !ok {
			return nil, fmt.Errorf("delegation: unknown policy-integrity key %q", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return contracts.Delegation{}, "", time.Time{}, err
	}
	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return claims.Delegation, claims.ID, issuedAt, nil
}
