// Package tenants enforces spec.md §4.5 partner tenancy: proposals and
// settlement cycles carry an optional partner_id; non-partner actors may
// read only as a participant, and partner actors may read/write only
// within their own partner_id scope. Replays must never rebind a
// resource's scope to a different partner, even when the stored scope
// was cleared out-of-band (Open Question (i): self-heal is restricted to
// restoring the original owning partner).
package tenants

import (
	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
)

// ScopeDecision records the outcome of a partner-scope resolution, the
// same way the teacher's IsolationReceipt records a cross-tenant check,
// generalized to a single resource instead of a batch.
type ScopeDecision struct {
	Allowed            bool
	SelfHealed         bool
	ReasonCode         string
	EffectivePartnerID string
}

// ResolvePartnerScope decides whether requestingPartnerID may write a
// resource whose persisted scope is storedPartnerID (possibly empty, if
// cleared out-of-band), given originalPartnerID recorded at the
// resource's creation. It never mutates anything itself; callers persist
// EffectivePartnerID only when Allowed is true.
func ResolvePartnerScope(storedPartnerID, originalPartnerID, requestingPartnerID string) (ScopeDecision, error) {
	if storedPartnerID != "" {
		if storedPartnerID != requestingPartnerID {
			return ScopeDecision{ReasonCode: "partner_unauthorized"},
				apierr.New(apierr.CodeForbidden, "partner scope mismatch").WithReason("partner_unauthorized")
		}
		return ScopeDecision{Allowed: true, EffectivePartnerID: storedPartnerID}, nil
	}

	// Scope was cleared out-of-band. Self-heal is permitted only for the
	// partner who originally held it; any other partner is rebinding
	// tenancy and must be refused without mutating scope.
	if originalPartnerID != "" && originalPartnerID != requestingPartnerID {
		return ScopeDecision{ReasonCode: "partner_unauthorized"},
			apierr.New(apierr.CodeForbidden, "replay must not rebind tenancy to a different partner").WithReason("partner_unauthorized")
	}

	return ScopeDecision{Allowed: true, SelfHealed: true, EffectivePartnerID: requestingPartnerID}, nil
}

// EnforceParticipantRead allows a non-partner actor to read a resource
// only if it is one of the named participants. Partner-actor reads are
// governed by ResolvePartnerScope instead, since partner scoping doesn't
// depend on individual participant identity.
func EnforceParticipantRead(actor contracts.ActorRef, participants []contracts.ActorRef) error {
	for _, p := range participants {
		if p == actor {
			return nil
		}
	}
	return apierr.New(apierr.CodeForbidden, "actor is not a participant of this resource").WithReason("not_participant")
}
