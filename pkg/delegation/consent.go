package delegation

import (
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/store"
)

// bindingInput is the exact tuple spec.md §4.11 step 3 binds a consent
// proof to: `canonical_hash(consent_id, subject_actor, delegation_id,
// intent)`.
type bindingInput struct {
	ConsentID    string              `json:"consent_id"`
	SubjectActor contracts.ActorRef `json:"subject_actor"`
	DelegationID string              `json:"delegation_id"`
	Intent       string              `json:"intent"`
}

func consentBinding(p contracts.ConsentProof) (string, error) {
	b, err := canonicalize.CanonicalizeConsentProof(bindingInput{
		ConsentID: p.ConsentID, SubjectActor: p.SubjectActor,
		DelegationID: p.DelegationID, Intent: p.Intent,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

func challengeBinding(p contracts.ConsentProof, operationID string) (string, error) {
	b, err := canonicalize.CanonicalizeConsentProof(struct {
		ChallengeID string `json:"challenge_id"`
		OperationID string `json:"operation_id"`
	}{p.ChallengeID, operationID})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

// verifyConsent implements spec.md §4.11 step 3 in full: binding,
// optional signature + expiry + nonce-replay, and optional challenge.
// st is mutated to record the consumed nonce on success, so the caller
// must run this inside the same store.WithLock critical section as the
// rest of the operation it gates.
func verifyConsent(st *store.State, verifier crypto.Verifier, d contracts.Delegation, p contracts.ConsentProof, operationID string, now time.Time) error {
	wantBinding, err := consentBinding(p)
	if err != nil {
		return apierr.New(apierr.CodeInternal, "failed to compute consent binding")
	}
	if p.Binding != wantBinding {
		return apierr.New(apierr.CodeValidation, "consent proof binding mismatch").WithReason(contracts.ReasonConsentProofMismatch)
	}

	nonceKey := "consent:" + d.DelegationID + ":" + p.Nonce

	if d.ConsentRequirements.RequireSignature {
		if p.Mode == contracts.ConsentModeSignedRaw && !d.ConsentRequirements.AllowSignedRaw {
			return apierr.New(apierr.CodeValidation, "signed_raw consent mode is not permitted under this delegation").WithReason(contracts.ReasonConsentSignatureInvalid)
		}
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			return apierr.New(apierr.CodeExpired, "consent proof expired").WithReason(contracts.ReasonConsentExpired)
		}
		ok, err := crypto.VerifyConsentProof(verifier, p)
		if err != nil || !ok {
			return apierr.New(apierr.CodeValidation, "consent proof signature invalid").WithReason(contracts.ReasonConsentSignatureInvalid)
		}
		if p.Nonce != "" && st.ConsumedNonces[nonceKey] {
			return apierr.New(apierr.CodeConflict, "consent proof nonce already consumed").WithReason(contracts.ReasonConsentReplay)
		}
	}

	if d.ConsentRequirements.RequireChallenge {
		want, err := challengeBinding(p, operationID)
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to compute challenge binding")
		}
		if p.ChallengeBinding != want {
			return apierr.New(apierr.CodeValidation, "consent proof challenge mismatch").WithReason(contracts.ReasonConsentChallengeMismatch)
		}
	}

	if d.ConsentRequirements.RequireSignature && p.Nonce != "" {
		st.ConsumedNonces[nonceKey] = true
	}

	return nil
}
