// Package intent implements the swap intent lifecycle from spec.md
// §4.6: create, update, cancel, list. It adapts the general shape of
// the teacher's Intent Studio -- CRUD plus per-field validation over a
// domain entity, with a validator kept separate from the entity it
// validates -- to swap intents instead of decision-card sessions.
package intent

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/store"
	"github.com/swapmesh/marketd/pkg/tenants"
)

// DelegationVerifier answers the one question the intent service needs
// of a delegation-backed cancellation: does this token carry the
// required scope and satisfy its consent requirements to cancel this
// intent on the subject's behalf. pkg/delegation's VerifyCancel does
// not check spend-cap headroom. It
// is declared here, rather than importing pkg/delegation, so the intent
// service depends only on the narrow question, not on delegation's
// policy-evaluation machinery.
type DelegationVerifier interface {
	VerifyCancel(st *store.State, delegationToken string, subject contracts.ActorRef, intentID string, now time.Time) error
}

// Service implements the intent lifecycle over a single store.
type Service struct {
	store       store.Store
	delegations DelegationVerifier
}

// NewService builds an intent Service. dv may be nil until
// pkg/delegation is wired in; delegated cancels fail closed with
// CodeInternal rather than silently succeeding while it is absent.
func NewService(s store.Store, dv DelegationVerifier) *Service {
	return &Service{store: s, delegations: dv}
}

// authorizeOwner reports whether actor may mutate or view i: either
// actor is the intent's own actor, or actor is a partner acting within
// the partner_id scope the intent carries (spec.md §4.5).
func authorizeOwner(i contracts.SwapIntent, actor contracts.ActorRef) error {
	if actor == i.Actor {
		return nil
	}
	if actor.Type == contracts.ActorPartner && i.PartnerID != "" {
		_, err := tenants.ResolvePartnerScope(i.PartnerID, i.PartnerID, actor.ID)
		return err
	}
	return apierr.New(apierr.CodeForbidden, "actor does not own this intent").WithReason("not_participant")
}

// CreateParams is the payload for Create.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CreateParams struct {
	Idempotency           idempotency.Key
	Actor                 contracts.ActorRef
	PartnerID             string
	Offer                 []contracts.AssetDescriptor
	WantSpec              contracts.WantSpec
	ValueBand             contracts.ValueBand
	TrustConstraints      contracts.TrustConstraints
	TimeConstraints       contracts.TimeConstraints
	SettlementPreferences contracts.SettlementPreferences
	Now                   time.Time
}

// createPayload is the idempotency-hashed subset of CreateParams: it
// excludes the idempotency key itself and Now, since Now varies across
// otherwise-identical retries and must never affect the payload hash.
type createPayload struct {
	PartnerID             string
	Offer                 []contracts.AssetDescriptor
	WantSpec              contracts.WantSpec
	ValueBand             contracts.ValueBand
	TrustConstraints      contracts.TrustConstraints
	TimeConstraints       contracts.TimeConstraints
	SettlementPreferences contracts.SettlementPreferences
}

// Create validates and persists a new swap intent in status active,
// replaying a prior result when Idempotency matches an earlier call
// with an identical payload.
func (s *Service) Create(p CreateParams) (contracts.SwapIntent, bool, error) {
	payload := createPayload{
		PartnerID:             p.PartnerID,
		Offer:                 p.Offer,
		WantSpec:              p.WantSpec,
		ValueBand:             p.ValueBand,
		TrustConstraints:      p.TrustConstraints,
		TimeConstraints:       p.TimeConstraints,
		SettlementPreferences: p.SettlementPreferences,
	}

	var result contracts.SwapIntent
	var replayed bool

	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			replayed = true
			return json.Unmarshal(res.Body, &result)
		}

		if err := validate(fields{
			Offer:           p.Offer,
			WantSpec:        p.WantSpec,
			ValueBand:       p.ValueBand,
			TimeConstraints: p.TimeConstraints,
		}, p.Now); err != nil {
			return err
		}

		result = contracts.SwapIntent{
			ID:                    uuid.New().String(),
			PartnerID:             p.PartnerID,
			Actor:                 p.Actor,
			Offer:                 p.Offer,
			WantSpec:              p.WantSpec,
			ValueBand:             p.ValueBand,
			TrustConstraints:      p.TrustConstraints,
			TimeConstraints:       p.TimeConstraints,
			SettlementPreferences: p.SettlementPreferences,
			Status:                contracts.IntentActive,
			CreatedAt:             p.Now,
			UpdatedAt:             p.Now,
		}
		st.Intents[result.ID] = result
		return idempotency.Commit(st, p.Idempotency, payload, result, true)
	})

	return result, replayed, err
}

// UpdateParams is the payload for Update.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type UpdateParams struct {
	Idempotency           idempotency.Key
	IntentID              string
	Actor                 contracts.ActorRef
	Offer                 []contracts.AssetDescriptor
	WantSpec              contracts.WantSpec
	ValueBand             contracts.ValueBand
	TrustConstraints      contracts.TrustConstraints
	TimeConstraints       contracts.TimeConstraints
	SettlementPreferences contracts.SettlementPreferences
	Now                   time.Time
}

type updatePayload struct {
	IntentID              string
	Offer                 []contracts.AssetDescriptor
	WantSpec              contracts.WantSpec
	ValueBand             contracts.ValueBand
	TrustConstraints      contracts.TrustConstraints
	TimeConstraints       contracts.TimeConstraints
	SettlementPreferences contracts.SettlementPreferences
}

// Update re-validates and replaces the mutable fields of an active
// intent. An intent that is reserved, committed, cancelled, or settled
// may not be updated: its offer has already been matched against, or its
// lifecycle has already ended.
func (s *Service) Update(p UpdateParams) (contracts.SwapIntent, bool, error) {
	payload := updatePayload{
		IntentID:              p.IntentID,
		Offer:                 p.Offer,
		WantSpec:              p.WantSpec,
		ValueBand:             p.ValueBand,
		TrustConstraints:      p.TrustConstraints,
		TimeConstraints:       p.TimeConstraints,
		SettlementPreferences: p.SettlementPreferences,
	}

	var result contracts.SwapIntent
	var replayed bool

	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			replayed = true
			return json.Unmarshal(res.Body, &result)
		}

		existing, ok := st.Intents[p.IntentID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "swap intent not found")
		}
		if err := authorizeOwner(existing, p.Actor); err != nil {
			return err
		}
		if existing.Status != contracts.IntentActive {
			return apierr.New(apierr.CodeConflict, "only an active intent may be updated").WithReason("intent_not_active")
		}
		if err := validate(fields{
			Offer:           p.Offer,
			WantSpec:        p.WantSpec,
			ValueBand:       p.ValueBand,
			TimeConstraints: p.TimeConstraints,
		}, p.Now); err != nil {
			return err
		}

		existing.Offer = p.Offer
		existing.WantSpec = p.WantSpec
		existing.ValueBand = p.ValueBand
		existing.TrustConstraints = p.TrustConstraints
		existing.TimeConstraints = p.TimeConstraints
		existing.SettlementPreferences = p.SettlementPreferences
		existing.UpdatedAt = p.Now

		st.Intents[p.IntentID] = existing
		result = existing
		return idempotency.Commit(st, p.Idempotency, payload, result, true)
	})

	return result, replayed, err
}

// CancelParams is the payload for Cancel. DelegationToken is non-empty
// when an agent actor is cancelling on a subject's behalf; otherwise
// Actor must own the intent directly (or be its scoping partner).
type CancelParams struct {
	Idempotency     idempotency.Key
	IntentID        string
	Actor           contracts.ActorRef
	DelegationToken string
	Now             time.Time
}

type cancelPayload struct {
	IntentID string
}

// Cancel transitions an intent to cancelled. It refuses while the
// intent is reserved for a live proposal (reason_code: intent_reserved)
// and while it is already in a terminal state. A delegated cancel is
// authorized by the injected DelegationVerifier rather than direct
// ownership.
func (s *Service) Cancel(p CancelParams) (contracts.SwapIntent, bool, error) {
	payload := cancelPayload{IntentID: p.IntentID}

	var result contracts.SwapIntent
	var replayed bool

	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			replayed = true
			return json.Unmarshal(res.Body, &result)
		}

		existing, ok := st.Intents[p.IntentID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "swap intent not found")
		}

		if p.DelegationToken != "" {
			if s.delegations == nil {
				return apierr.New(apierr.CodeInternal, "delegated cancellation is not available")
			}
			if err := s.delegations.VerifyCancel(st, p.DelegationToken, existing.Actor, p.IntentID, p.Now); err != nil {
				return err
			}
		} else if err := authorizeOwner(existing, p.Actor); err != nil {
			return err
		}

		if existing.Status == contracts.IntentCancelled || existing.Status == contracts.IntentSettled {
			return apierr.New(apierr.CodeConflict, "intent is already in a terminal state").WithReason("intent_terminal")
		}
		if _, reserved := st.Reservations[p.IntentID]; reserved {
			return apierr.New(apierr.CodeConflict, "intent is reserved for a live proposal and cannot be cancelled").WithReason("intent_reserved")
		}

		existing.Status = contracts.IntentCancelled
		existing.UpdatedAt = p.Now

		st.Intents[p.IntentID] = existing
		result = existing
		return idempotency.Commit(st, p.Idempotency, payload, result, true)
	})

	return result, replayed, err
}

// ListFilter scopes a List call to what Actor is permitted to see:
// its own intents directly, or every intent within its own partner_id
// scope when Actor is a partner.
type ListFilter struct {
	Actor  contracts.ActorRef
	Status contracts.IntentStatus // empty matches any status
}

// List returns every intent visible to f.Actor, ordered by ID for a
// stable, deterministic response across repeated calls.
func (s *Service) List(f ListFilter) []contracts.SwapIntent {
	snap := s.store.Snapshot()

	ids := make([]string, 0, len(snap.Intents))
	for id := range snap.Intents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]contracts.SwapIntent, 0, len(ids))
	for _, id := range ids {
		i := snap.Intents[id]
		if f.Status != "" && i.Status != f.Status {
			continue
		}
		if authorizeOwner(i, f.Actor) != nil {
			continue
		}
		out = append(out, i)
	}
	return out
}
