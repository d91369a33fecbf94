package contracts

import "time"

// Delegation is the authority an owner actor grants to a subject actor,
// scoped and capped.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Delegation struct {
	DelegationID       string    `json:"delegation_id"`
	OwnerActor         ActorRef  `json:"owner_actor"`
	SubjectActor       ActorRef  `json:"subject_actor"`
	Scopes             []string  `json:"scopes"`
	OperationAllowlist []string  `json:"operation_allowlist"`
	ExpiresAt          time.Time `json:"expires_at"`
	SpendCapPerDayUSD  float64   `json:"spend_cap_per_day_usd,omitempty"`
	ConsentRequirements ConsentRequirements `json:"consent_requirements"`
}

// ConsentRequirements configures how strictly consent proofs are enforced
// for operations run under this delegation.
type ConsentRequirements struct {
	RequireSignature bool `json:"require_signature"`
	RequireChallenge bool `json:"require_challenge"`
	// AllowSignedRaw permits the legacy signed_raw consent-proof mode.
	// See DESIGN.md Open Question (iii) — left configurable, default false.
	AllowSignedRaw bool `json:"allow_signed_raw"`
}

// DelegationToken is the bound, signed, bearer-carried form of a
// Delegation minted by delegations.create.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type DelegationToken struct {
	Delegation Delegation `json:"delegation"`
	IssuedAt   time.Time  `json:"iat"`
	ExpiresAt  time.Time  `json:"exp"`
	Nonce      string     `json:"nonce"`
	Signature  string     `json:"sig"`
}

// ConsentProof binds a specific delegated operation to the subject's
// out-of-band consent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ConsentProof struct {
	ConsentID    string    `json:"consent_id"`
	SubjectActor ActorRef  `json:"subject_actor"`
	DelegationID string    `json:"delegation_id"`
	Intent       string    `json:"intent"` // logical operation_id this proof authorizes
	Binding      string    `json:"binding"` // canonical_hash(consent_id, subject_actor, delegation_id, intent)
	Mode         ConsentMode `json:"mode"`
	Signature    string    `json:"signature,omitempty"`
	KeyID        string    `json:"key_id,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	ChallengeID  string    `json:"challenge_id,omitempty"`
	ChallengeBinding string `json:"challenge_binding,omitempty"` // hash(..., operation_id)
}

// ConsentMode enumerates how a ConsentProof is authenticated.
type ConsentMode string

const (
	// ConsentModeBindingOnly checks only the structural binding hash.
	ConsentModeBindingOnly ConsentMode = "binding_only"
	// ConsentModeSigned requires a valid signature under the active
	// policy-integrity key, in addition to the binding hash.
	ConsentModeSigned ConsentMode = "signed"
	// ConsentModeSignedRaw is a legacy mode (see Open Question iii):
	// a signature over the raw, uncanonicalized intent string. Disabled
	// unless the owning Delegation's ConsentRequirements.AllowSignedRaw
	// is true.
	ConsentModeSignedRaw ConsentMode = "signed_raw"
)

// PolicyDecision enumerates allow/deny for an audited policy evaluation.
type PolicyDecision string

const (
	PolicyAllow PolicyDecision = "allow"
	PolicyDeny  PolicyDecision = "deny"
)

// Reason codes for policy denials, per spec §4.11 and §7.
const (
	ReasonInsufficientScope       = "insufficient_scope"
	ReasonOperationNotPermitted   = "operation_not_permitted"
	ReasonConsentProofMismatch    = "consent_proof_mismatch"
	ReasonConsentSignatureInvalid = "consent_proof_signature_invalid"
	ReasonConsentExpired          = "consent_proof_expired"
	ReasonConsentReplay           = "consent_proof_replay"
	ReasonConsentChallengeMismatch = "consent_proof_challenge_mismatch"
	ReasonSpendCapExceeded        = "policy_spend_cap_exceeded"
)

// PolicyAuditEntry is an append-only record of a policy evaluation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PolicyAuditEntry struct {
	AuditID        string         `json:"audit_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Actor          ActorRef       `json:"actor"`
	OperationID    string         `json:"operation_id"`
	Decision       PolicyDecision `json:"decision"`
	ReasonCode     string         `json:"reason_code,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	SequenceNumber uint64         `json:"sequence_number"`
}
