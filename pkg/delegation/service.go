// Package delegation implements the delegation tokens, consent proofs,
// spend caps, and policy audit log of spec.md §4.11: an owner actor
// grants a scoped, capped authority to a subject actor, and every
// operation that runs under it is evaluated against scope,
// operation-allowlist, consent, and daily spend-cap gates before being
// allowed, with every evaluation appended to an audit trail.
package delegation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/budget"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/pdp"
	"github.com/swapmesh/marketd/pkg/store"
)

// Service evaluates and mints delegated authority over a store.
type Service struct {
	store store.Store
	ring  *KeyRing
	cel   *allowlistEnv

	// enforcer is an optional additional platform-level spend guardrail
	// layered above the per-delegation spend cap checkAndRecordSpend
	// already enforces. Nil unless WithBudgetEnforcer was passed.
	enforcer budget.Enforcer

	// pdpBackend is an optional external policy engine consulted after
	// the CEL allowlist check, for operators who express org-wide rules
	// in OPA/Cedar rather than per-delegation allowlist entries. Nil
	// unless WithPolicyDecisionPoint was passed.
	pdpBackend pdp.PolicyDecisionPoint
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithBudgetEnforcer layers a tenant-level daily/monthly spend
// guardrail on top of the delegation's own per-day spend cap.
func WithBudgetEnforcer(e budget.Enforcer) ServiceOption {
	return func(s *Service) { s.enforcer = e }
}

// WithPolicyDecisionPoint wires an external policy engine as an
// additional gate evaluated after the CEL allowlist check.
func WithPolicyDecisionPoint(p pdp.PolicyDecisionPoint) ServiceOption {
	return func(s *Service) { s.pdpBackend = p }
}

// NewService builds a delegation Service with its own policy-integrity
// key ring. Pass ServiceOptions to layer an optional budget enforcer
// or external PDP on top of the built-in gates.
func NewService(s store.Store, opts ...ServiceOption) (*Service, error) {
	ring, err := NewKeyRing()
	if err != nil {
		return nil, err
	}
	celEnv, err := newAllowlistEnv()
	if err != nil {
		return nil, err
	}
	svc := &Service{store: s, ring: ring, cel: celEnv}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateParams is the payload for Create.
type CreateParams struct {
	Idempotency         idempotency.Key
	OwnerActor          contracts.ActorRef
	SubjectActor        contracts.ActorRef
	Scopes              []string
	OperationAllowlist  []string
	ExpiresAt           time.Time
	SpendCapPerDayUSD   float64
	ConsentRequirements contracts.ConsentRequirements
	Now                 time.Time
}

type createPayload struct {
	OwnerActorKey   string
	SubjectActorKey string
	Scopes          []string
	Allowlist       []string
	ExpiresAt       time.Time
}

// CreateResult is what Create returns: the stored delegation record and
// the signed bearer token a caller presents on subsequent operations.
type CreateResult struct {
	Delegation contracts.Delegation
	Bearer     string
}

// Create mints a delegation and its signed bearer token.
func (s *Service) Create(p CreateParams) (CreateResult, error) {
	payload := createPayload{
		OwnerActorKey: p.OwnerActor.Key(), SubjectActorKey: p.SubjectActor.Key(),
		Scopes: p.Scopes, Allowlist: p.OperationAllowlist, ExpiresAt: p.ExpiresAt,
	}

	var result CreateResult
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			return json.Unmarshal(res.Body, &result)
		}

		d := contracts.Delegation{
			DelegationID:        uuid.New().String(),
			OwnerActor:          p.OwnerActor,
			SubjectActor:        p.SubjectActor,
			Scopes:              p.Scopes,
			OperationAllowlist:  p.OperationAllowlist,
			ExpiresAt:           p.ExpiresAt,
			SpendCapPerDayUSD:   p.SpendCapPerDayUSD,
			ConsentRequirements: p.ConsentRequirements,
		}
		nonce := uuid.New().String()
		bearer, err := mintBearer(s.ring, d, nonce, p.Now)
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to sign delegation token")
		}

		st.Delegations[d.DelegationID] = d
		result = CreateResult{Delegation: d, Bearer: bearer}
		return idempotency.Commit(st, p.Idempotency, payload, result, true)
	})
	return result, err
}

// AuthorizeParams is the payload for Authorize, spec.md §4.11's
// per-operation evaluation of a delegated action.
type AuthorizeParams struct {
	Bearer         string
	RequiredScopes []string
	OperationID    string
	Actor          contracts.ActorRef
	ConsentProof   *contracts.ConsentProof
	IntentValueUSD float64
	Context        map[string]any
	Now            time.Time
}

// Authorize runs the full spec.md §4.11 gate sequence and records a
// PolicyAuditEntry regardless of outcome. It takes its own store lock;
// callers that need to run this as part of a larger write (e.g. intent
// cancellation) should use evaluate directly inside their own
// WithLock, the way VerifyCancel does.
func (s *Service) Authorize(p AuthorizeParams) (contracts.Delegation, error) {
	var result contracts.Delegation
	err := s.store.WithLock(func(st *store.State) error {
		d, evalErr := s.evaluate(st, p)
		result = d
		return evalErr
	})
	return result, err
}

// evaluate implements the gate sequence from spec.md §4.11 and appends
// the audit entry, all within the caller's existing write critical
// section.
func (s *Service) evaluate(st *store.State, p AuthorizeParams) (contracts.Delegation, error) {
	d, decisionHash, evalErr := s.runGates(st, p)
	s.audit(st, p, d, decisionHash, evalErr)
	return d, evalErr
}

// runGates returns the delegation, the external PDP's decision hash
// (empty unless a PolicyDecisionPoint is configured and reached), and
// any gate failure.
func (s *Service) runGates(st *store.State, p AuthorizeParams) (contracts.Delegation, string, error) {
	d, _, _, err := parseBearer(s.ring, p.Bearer, p.Now)
	if err != nil {
		return contracts.Delegation{}, "", apierr.New(apierr.CodeExpired, "delegation token invalid or expired").WithReason("delegation_token_invalid")
	}
	if p.Actor != d.SubjectActor {
		return d, "", apierr.New(apierr.CodeForbidden, "actor is not the delegation's subject").WithReason("not_subject")
	}
	if p.Now.After(d.ExpiresAt) {
		return d, "", apierr.New(apierr.CodeExpired, "delegation has expired").WithReason("delegation_expired")
	}

	if !scopesSatisfied(p.RequiredScopes, d.Scopes) {
		return d, "", apierr.New(apierr.CodeInsufficientScope, "delegation does not carry a required scope").WithReason(contracts.ReasonInsufficientScope)
	}

	if !allowlisted(s.cel, d.OperationAllowlist, p.OperationID, p.Context) {
		return d, "", apierr.New(apierr.CodeOperationNotPermitted, "operation is not in the delegation's allowlist").WithReason(contracts.ReasonOperationNotPermitted)
	}

	var decisionHash string
	if s.pdpBackend != nil {
		hash, err := s.evaluatePDP(p, d)
		if err != nil {
			return d, "", err
		}
		decisionHash = hash
	}

	if d.ConsentRequirements.RequireSignature || d.ConsentRequirements.RequireChallenge {
		if p.ConsentProof == nil {
			return d, decisionHash, apierr.New(apierr.CodeValidation, "operation requires a consent proof").WithReason(contracts.ReasonConsentProofMismatch)
		}
		verifier := s.ring
		if err := verifyConsent(st, verifier, d, *p.ConsentProof, p.OperationID, p.Now); err != nil {
			return d, decisionHash, err
		}
	}

	if p.IntentValueUSD > 0 {
		if err := checkAndRecordSpend(st, d, p.IntentValueUSD, p.Now); err != nil {
			return d, decisionHash, err
		}
		if s.enforcer != nil {
			if err := s.checkBudget(p, d); err != nil {
				return d, decisionHash, err
			}
		}
	}

	return d, decisionHash, nil
}

// evaluatePDP consults the configured external policy engine after the
// built-in allowlist check; a deny or evaluation error fails closed.
func (s *Service) evaluatePDP(p AuthorizeParams, d contracts.Delegation) (string, error) {
	req := &pdp.DecisionRequest{
		Principal: p.Actor.Key(),
		Action:    p.OperationID,
		Resource:  d.DelegationID,
		Context:   p.Context,
		Timestamp: p.Now,
	}
	resp, err := s.pdpBackend.Evaluate(context.Background(), req)
	if err != nil || resp == nil || !resp.Allow {
		return "", apierr.New(apierr.CodeOperationNotPermitted, "operation denied by policy decision point").WithReason(contracts.ReasonOperationNotPermitted)
	}
	return resp.DecisionHash, nil
}

// checkBudget enforces the optional tenant-level daily/monthly spend
// guardrail on top of the delegation's own per-day spend cap, keying
// the tenant on the delegation's owner actor.
func (s *Service) checkBudget(p AuthorizeParams, d contracts.Delegation) error {
	decision, err := s.enforcer.Check(context.Background(), d.OwnerActor.Key(), budget.Cost{
		Amount:   int64(p.IntentValueUSD * 100),
		Currency: "USD",
		Reason:   p.OperationID,
	})
	if err != nil || decision == nil || !decision.Allowed {
		return apierr.New(apierr.CodeOperationNotPermitted, "tenant spend guardrail exceeded").WithReason(contracts.ReasonOperationNotPermitted)
	}
	return nil
}

func scopesSatisfied(required, granted []string) bool {
	grantedSet := make(map[string]bool, len(granted))
	for _, g := range granted {
		grantedSet[g] = true
	}
	for _, r := range required {
		if !grantedSet[r] {
			return false
		}
	}
	return true
}

func allowlisted(cel *allowlistEnv, allowlist []string, operationID string, context map[string]any) bool {
	for _, entry := range allowlist {
		if cel.allows(entry, operationID, context) {
			return true
		}
	}
	return false
}

func (s *Service) audit(st *store.State, p AuthorizeParams, d contracts.Delegation, decisionHash string, evalErr error) {
	entry := contracts.PolicyAuditEntry{
		AuditID:        uuid.New().String(),
		OccurredAt:     p.Now,
		Actor:          p.Actor,
		OperationID:    p.OperationID,
		SequenceNumber: uint64(len(st.PolicyAudit)) + 1,
	}
	if evalErr == nil {
		entry.Decision = contracts.PolicyAllow
	} else {
		entry.Decision = contracts.PolicyDeny
		if apiErr, ok := evalErr.(*apierr.Error); ok {
			entry.ReasonCode = apiErr.ReasonCode
			if entry.ReasonCode == "" {
				entry.ReasonCode = string(apiErr.Code)
			}
		} else {
			entry.ReasonCode = "internal"
		}
	}
	if d.DelegationID != "" || decisionHash != "" {
		details := map[string]any{}
		if d.DelegationID != "" {
			details["delegation_id"] = d.DelegationID
		}
		if decisionHash != "" {
			details["pdp_decision_hash"] = decisionHash
		}
		entry.Details = details
	}
	st.PolicyAudit = append(st.PolicyAudit, entry)
}

// VerifyCancel implements intent.DelegationVerifier: the narrow
// question the intent service asks before allowing a delegated cancel.
// It evaluates the same gates as Authorize, scoped to the
// "intent.cancel" operation, but skips the spend-cap check since
// cancelling never adds committed spend under the delegation.
func (s *Service) VerifyCancel(st *store.State, delegationToken string, subject contracts.ActorRef, intentID string, now time.Time) error {
	_, err := s.evaluate(st, AuthorizeParams{
		Bearer:         delegationToken,
		RequiredScopes: []string{"intent.cancel"},
		OperationID:    "intent.cancel",
		Actor:          subject,
		Context:        map[string]any{"intent_id": intentID},
		Now:            now,
	})
	return err
}
