// Package commit implements the two-phase proposal-acceptance protocol
// (accept / decline / expire) that binds a cycle proposal to intent
// reservations (spec.md §4.8), adapting the shape of the teacher's
// escalation manager (core/pkg/escalation/manager.go): an intent record
// that accumulates decisions until quorum, a deterministic receipt, and
// a timeout sweep over everything still pending.
package commit

import (
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/outbox"
	"github.com/swapmesh/marketd/pkg/store"
	"github.com/swapmesh/marketd/pkg/tenants"
)

// Service runs the commit protocol against a store.
type Service struct {
	store store.Store
}

// NewService builds a commit Service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// DeriveCommitID computes the commit protocol's deterministic id from a
// proposal id, per spec.md §4.8: "Commit id is the deterministic hash of
// the proposal id."
func DeriveCommitID(proposalID string) string {
	return "cmt_" + canonicalize.HashBytes([]byte("commit|"+proposalID))[:32]
}

// AcceptParams is the payload for Accept.
type AcceptParams struct {
	Idempotency idempotency.Key
	ProposalID  string
	Actor       contracts.ActorRef
	Now         time.Time
}

type acceptPayload struct {
	ProposalID string
	ActorKey   string
}

// Accept records actor's acceptance of proposal. Once every participant
// has accepted, the commit transitions to committed, every participant
// intent is reserved, and proposal.committed is emitted.
func (s *Service) Accept(p AcceptParams) (contracts.Commit, error) {
	payload := acceptPayload{ProposalID: p.ProposalID, ActorKey: p.Actor.Key()}

	var result contracts.Commit
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Commits[DeriveCommitID(p.ProposalID)]
			return nil
		}

		proposal, ok := st.Proposals[p.ProposalID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "proposal not found")
		}
		if !proposal.ExpiresAt.After(p.Now) {
			return apierr.New(apierr.CodeExpired, "proposal has expired")
		}
		if err := authorizeParticipant(st, proposal, p.Actor); err != nil {
			return err
		}

		commitID := DeriveCommitID(p.ProposalID)
		c, ok := st.Commits[commitID]
		if !ok {
			c = contracts.Commit{
				ID:          commitID,
				ProposalID:  p.ProposalID,
				PartnerID:   proposal.PartnerID,
				Phase:       contracts.CommitAccepting,
				Acceptances: map[string]bool{},
				CreatedAt:   p.Now,
			}
		}
		if err := requireAccepting(c); err != nil {
			return err
		}

		if c.Acceptances == nil {
			c.Acceptances = map[string]bool{}
		}
		c.Acceptances[p.Actor.Key()] = true
		c.UpdatedAt = p.Now

		required := distinctParticipants(st, proposal)
		if quorumMet(c, required) {
			if err := reserveParticipants(st, proposal, p.Now); err != nil {
				return err
			}
			c.Phase = contracts.CommitCommitted
			env, err := outbox.NewEnvelope(contracts.EventProposalCommitted, p.Actor, p.ProposalID, p.Now, c, commitID, "committed")
			if err != nil {
				return err
			}
			if _, _, err := outbox.Append(st, env); err != nil {
				return err
			}
		}

		st.Commits[commitID] = c
		result = c
		return idempotency.Commit(st, p.Idempotency, payload, c, true)
	})
	return result, err
}

// DeclineParams is the payload for Decline.
type DeclineParams struct {
	Idempotency idempotency.Key
	ProposalID  string
	Actor       contracts.ActorRef
	Now         time.Time
}

type declinePayload struct {
	ProposalID string
}

// Decline terminates the commit for proposal, releasing any partial
// reservations it had already accumulated, and emits proposal.declined.
// Declining an already-committed proposal is a conflict; declining an
// already-declined one is a no-op replay.
func (s *Service) Decline(p DeclineParams) (contracts.Commit, error) {
	payload := declinePayload{ProposalID: p.ProposalID}

	var result contracts.Commit
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Commits[DeriveCommitID(p.ProposalID)]
			return nil
		}

		proposal, ok := st.Proposals[p.ProposalID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "proposal not found")
		}
		if err := authorizeParticipant(st, proposal, p.Actor); err != nil {
			return err
		}

		commitID := DeriveCommitID(p.ProposalID)
		c, ok := st.Commits[commitID]
		if !ok {
			c = contracts.Commit{
				ID:          commitID,
				ProposalID:  p.ProposalID,
				PartnerID:   proposal.PartnerID,
				Acceptances: map[string]bool{},
				CreatedAt:   p.Now,
			}
		}
		switch c.Phase {
		case contracts.CommitCommitted:
			return apierr.New(apierr.CodeConflict, "proposal already committed").WithReason("already_committed")
		case contracts.CommitDeclined:
			result = c
			return idempotency.Commit(st, p.Idempotency, payload, c, true)
		}

		releaseReservations(st, proposal, p.ProposalID, p.Now, p.Actor)
		c.Phase = contracts.CommitDeclined
		c.UpdatedAt = p.Now

		env, err := outbox.NewEnvelope(contracts.EventProposalDeclined, p.Actor, p.ProposalID, p.Now, c, commitID, "declined")
		if err != nil {
			return err
		}
		if _, _, err := outbox.Append(st, env); err != nil {
			return err
		}

		st.Commits[commitID] = c
		result = c
		return idempotency.Commit(st, p.Idempotency, payload, c, true)
	})
	return result, err
}

// ExpireAcceptPhase sweeps every proposal past its expires_at that has
// no committed commit, marking its commit expired (creating an expired
// commit record if none existed yet) and emitting proposal.expired.
// Safe to call repeatedly: outbox event ids are content-derived, so a
// repeat sweep over an already-expired commit is a no-op.
func (s *Service) ExpireAcceptPhase(now time.Time) ([]contracts.Commit, error) {
	var expired []contracts.Commit
	err := s.store.WithLock(func(st *store.State) error {
		for proposalID, proposal := range st.Proposals {
			if proposal.ExpiresAt.After(now) {
				continue
			}
			commitID := DeriveCommitID(proposalID)
			c, ok := st.Commits[commitID]
			if ok && (c.Phase == contracts.CommitCommitted || c.Phase == contracts.CommitExpired) {
				continue
			}
			if !ok {
				c = contracts.Commit{
					ID:          commitID,
					ProposalID:  proposalID,
					PartnerID:   proposal.PartnerID,
					Acceptances: map[string]bool{},
					CreatedAt:   proposal.CreatedAt,
				}
			}
			releaseReservations(st, proposal, proposalID, now, contracts.ActorRef{})
			c.Phase = contracts.CommitExpired
			c.UpdatedAt = now
			st.Commits[commitID] = c
			expired = append(expired, c)

			env, err := outbox.NewEnvelope(contracts.EventProposalExpired, contracts.ActorRef{}, proposalID, now, c, commitID, "expired")
			if err != nil {
				return err
			}
			if _, _, err := outbox.Append(st, env); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}

// authorizeParticipant enforces spec.md §4.8's "verifies partner
// tenancy, ... actor is a participant": a partner actor must match the
// proposal's own partner_id; any other actor must own one of the
// proposal's participating intents.
func authorizeParticipant(st *store.State, proposal contracts.CycleProposal, actor contracts.ActorRef) error {
	if actor.Type == contracts.ActorPartner && proposal.PartnerID != "" {
		if _, err := tenants.ResolvePartnerScope(proposal.PartnerID, proposal.PartnerID, actor.ID); err != nil {
			return err
		}
		return nil
	}
	for _, leg := range proposal.Participants {
		if i, ok := st.Intents[leg.IntentID]; ok && i.Actor == actor {
			return nil
		}
	}
	return apierr.New(apierr.CodeForbidden, "actor is not a participant of this proposal").WithReason("not_participant")
}

func requireAccepting(c contracts.Commit) error {
	switch c.Phase {
	case contracts.CommitCommitted:
		return apierr.New(apierr.CodeConflict, "proposal already committed").WithReason("already_committed")
	case contracts.CommitDeclined:
		return apierr.New(apierr.CodeConflict, "proposal already declined").WithReason("already_declined")
	case contracts.CommitExpired:
		return apierr.New(apierr.CodeExpired, "commit acceptance window has expired")
	}
	return nil
}

// distinctParticipants returns the distinct set of actor keys that must
// accept for quorum: one per distinct intent owner among the proposal's
// legs.
func distinctParticipants(st *store.State, proposal contracts.CycleProposal) map[string]bool {
	required := make(map[string]bool)
	for _, leg := range proposal.Participants {
		if i, ok := st.Intents[leg.IntentID]; ok {
			required[i.Actor.Key()] = true
		}
	}
	return required
}

func quorumMet(c contracts.Commit, required map[string]bool) bool {
	for actorKey := range required {
		if !c.Acceptances[actorKey] {
			return false
		}
	}
	return len(required) > 0
}

// reserveParticipants reserves every participating intent, failing
// closed on any concurrent reservation or cancellation (spec.md §4.8
// invariant ii / failure mode CONFLICT).
func reserveParticipants(st *store.State, proposal contracts.CycleProposal, now time.Time) error {
	for _, leg := range proposal.Participants {
		i, ok := st.Intents[leg.IntentID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "participating intent not found").WithDetails(map[string]interface{}{"intent_id": leg.IntentID})
		}
		if i.Status == contracts.IntentCancelled {
			return apierr.New(apierr.CodeConflict, "participating intent was cancelled").WithReason("intent_cancelled")
		}
		if existing, reserved := st.Reservations[leg.IntentID]; reserved && existing != proposal.ID {
			return apierr.New(apierr.CodeConflict, "participating intent is reserved by another proposal").WithReason("intent_reserved")
		}
		if i.Status != contracts.IntentActive && i.Status != contracts.IntentReserved {
			return apierr.New(apierr.CodeConflict, "participating intent is no longer active").WithReason("intent_not_active")
		}
	}

	for _, leg := range proposal.Participants {
		i := st.Intents[leg.IntentID]
		i.Status = contracts.IntentReserved
		i.UpdatedAt = now
		st.Intents[leg.IntentID] = i
		st.Reservations[leg.IntentID] = proposal.ID

		env, err := outbox.NewEnvelope(contracts.EventIntentReserved, i.Actor, leg.IntentID, now, i, leg.IntentID, proposal.ID)
		if err != nil {
			return err
		}
		if _, _, err := outbox.Append(st, env); err != nil {
			return err
		}
	}
	return nil
}

// releaseReservations releases any reservation this proposal holds over
// its participating intents, restoring them to active and emitting
// intent.unreserved for each.
func releaseReservations(st *store.State, proposal contracts.CycleProposal, proposalID string, now time.Time, actor contracts.ActorRef) {
	for _, leg := range proposal.Participants {
		if st.Reservations[leg.IntentID] != proposalID {
			continue
		}
		delete(st.Reservations, leg.IntentID)

		i, ok := st.Intents[leg.IntentID]
		if !ok {
			continue
		}
		if i.Status == contracts.IntentReserved {
			i.Status = contracts.IntentActive
			i.UpdatedAt = now
			st.Intents[leg.IntentID] = i
		}

		env, err := outbox.NewEnvelope(contracts.EventIntentUnreserved, actor, leg.IntentID, now, i, leg.IntentID, proposalID)
		if err == nil {
			_, _, _ = outbox.Append(st, env)
		}
	}
}
