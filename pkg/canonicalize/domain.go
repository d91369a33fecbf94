package canonicalize

import "fmt"

// Domain tags separate hash namespaces so that a canonical hash computed
// over one payload shape can never collide with a hash computed over a
// structurally identical but semantically different payload.
const (
	DomainIntent        = "swapmesh.intent.v1"
	DomainProposal       = "swapmesh.proposal.v1"
	DomainCommit         = "swapmesh.commit.v1"
	DomainReceipt        = "swapmesh.receipt.v1"
	DomainDelegation     = "swapmesh.delegation.v1"
	DomainConsentProof   = "swapmesh.consent_proof.v1"
	DomainPolicyAudit    = "swapmesh.policy_audit.v1"
	DomainExport         = "swapmesh.export.v1"
	DomainTransparency   = "swapmesh.transparency.v1"
	DomainInventoryLeaf  = "swapmesh.inventory_leaf.v1"
)

// CanonicalizeIntent returns the canonical bytes of a swap intent for
// hashing and signing.
func CanonicalizeIntent(v interface{}) ([]byte, error) {
	return domainJCS(DomainIntent, v)
}

// CanonicalizeProposal returns the canonical bytes of a cycle proposal.
func CanonicalizeProposal(v interface{}) ([]byte, error) {
	return domainJCS(DomainProposal, v)
}

// CanonicalizeCommit returns the canonical bytes of a commit record.
func CanonicalizeCommit(v interface{}) ([]byte, error) {
	return domainJCS(DomainCommit, v)
}

// CanonicalizeReceipt returns the canonical bytes of a settlement receipt.
func CanonicalizeReceipt(v interface{}) ([]byte, error) {
	return domainJCS(DomainReceipt, v)
}

// CanonicalizeDelegation returns the canonical bytes of a delegation
// record, used as the signing payload for delegation tokens.
func CanonicalizeDelegation(v interface{}) ([]byte, error) {
	return domainJCS(DomainDelegation, v)
}

// CanonicalizeConsentProof returns the canonical bytes of a consent
// proof's bindable fields.
func CanonicalizeConsentProof(v interface{}) ([]byte, error) {
	return domainJCS(DomainConsentProof, v)
}

// CanonicalizePolicyAudit returns the canonical bytes of a policy audit
// entry.
func CanonicalizePolicyAudit(v interface{}) ([]byte, error) {
	return domainJCS(DomainPolicyAudit, v)
}

// CanonicalizeExport returns the canonical bytes of a signed export page.
func CanonicalizeExport(v interface{}) ([]byte, error) {
	return domainJCS(DomainExport, v)
}

// CanonicalizeTransparencyBatch returns the canonical bytes of a
// transparency log publication batch.
func CanonicalizeTransparencyBatch(v interface{}) ([]byte, error) {
	return domainJCS(DomainTransparency, v)
}

// domainJCS canonicalizes v and prefixes the result with a domain tag so
// identical JSON shapes hash differently across payload kinds.
func domainJCS(domain string, v interface{}) ([]byte, error) {
	body, err := JCS(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %s: %w", domain, err)
	}
	out := make([]byte, 0, len(domain)+1+len(body))
	out = append(out, domain...)
	out = append(out, '\x00')
	out = append(out, body...)
	return out, nil
}

// HashIntent returns sha256_canonical(intent).
func HashIntent(v interface{}) (string, error) { return hashDomain(CanonicalizeIntent, v) }

// HashProposal returns sha256_canonical(proposal).
func HashProposal(v interface{}) (string, error) { return hashDomain(CanonicalizeProposal, v) }

// HashCommit returns sha256_canonical(commit).
func HashCommit(v interface{}) (string, error) { return hashDomain(CanonicalizeCommit, v) }

// HashReceipt returns sha256_canonical(receipt).
func HashReceipt(v interface{}) (string, error) { return hashDomain(CanonicalizeReceipt, v) }

// HashDelegation returns sha256_canonical(delegation).
func HashDelegation(v interface{}) (string, error) { return hashDomain(CanonicalizeDelegation, v) }

// HashExport returns sha256_canonical(export page).
func HashExport(v interface{}) (string, error) { return hashDomain(CanonicalizeExport, v) }

// HashTransparencyBatch returns sha256_canonical(transparency batch).
func HashTransparencyBatch(v interface{}) (string, error) { return hashDomain(CanonicalizeTransparencyBatch, v) }

func hashDomain(fn func(interface{}) ([]byte, error), v interface{}) (string, error) {
	b, err := fn(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
