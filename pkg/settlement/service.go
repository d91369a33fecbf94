// Package settlement implements the per-cycle settlement timeline state
// machine (spec.md §4.9), adapting the teacher's gated executor
// (core/pkg/executor/executor.go): an idempotency check first, then
// gating validation, then dispatch, then a fail-closed signed receipt on
// completion.
package settlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/outbox"
	"github.com/swapmesh/marketd/pkg/store"
	"github.com/swapmesh/marketd/pkg/tenants"
)

// Service runs the settlement state machine against a store.
type Service struct {
	store  store.Store
	signer crypto.Signer
}

// NewService builds a settlement Service. A nil signer is accepted for
// tests that never reach Complete/ExpireDepositWindow, both of which
// require one; any other use fails closed at the signing step.
func NewService(s store.Store, signer crypto.Signer) *Service {
	return &Service{store: s, signer: signer}
}

// StartParams is the payload for Start.
type StartParams struct {
	Idempotency       idempotency.Key
	CycleID           string
	PartnerID         string
	Actor             contracts.ActorRef
	Participants      []contracts.ParticipantLeg
	DepositDeadlineAt time.Time
	Now               time.Time
}

type startPayload struct {
	CycleID           string
	PartnerID         string
	DepositDeadlineAt time.Time
}

// Start transitions a cycle from accepted into escrow.pending, creating
// one leg per participant. Replay is safe: calling Start again with an
// unchanged payload reconstructs tenancy scope if the stored timeline's
// partner_id was cleared out-of-band, but never rebinds it to a
// different partner (spec.md §4.9).
func (s *Service) Start(p StartParams) (contracts.SettlementTimeline, error) {
	payload := startPayload{CycleID: p.CycleID, PartnerID: p.PartnerID, DepositDeadlineAt: p.DepositDeadlineAt}

	var result contracts.SettlementTimeline
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Timelines[p.CycleID]
			return nil
		}

		existing, ok := st.Timelines[p.CycleID]
		effectivePartner := p.PartnerID
		if ok {
			decision, err := tenants.ResolvePartnerScope(existing.PartnerID, existing.PartnerID, p.PartnerID)
			if err != nil {
				return err
			}
			effectivePartner = decision.EffectivePartnerID
		}

		legs := make([]contracts.SettlementLeg, len(p.Participants))
		for i, leg := range p.Participants {
			legs[i] = contracts.SettlementLeg{
				IntentID:          leg.IntentID,
				FromActor:         leg.From,
				ToActor:           leg.To,
				Status:            contracts.LegPending,
				DepositMode:       contracts.DepositModeDeposit,
				DepositDeadlineAt: p.DepositDeadlineAt,
			}
		}

		timeline := contracts.SettlementTimeline{
			CycleID:           p.CycleID,
			PartnerID:         effectivePartner,
			State:             contracts.TimelineEscrowPending,
			Legs:              legs,
			UpdatedAt:         p.Now,
			DepositDeadlineAt: p.DepositDeadlineAt,
		}
		if err := transition(existing, timeline, ok); err != nil {
			return err
		}

		st.Timelines[p.CycleID] = timeline
		result = timeline

		env, err := outbox.NewEnvelope(contracts.EventSettlementDepositReq, p.Actor, p.CycleID, p.Now, timeline, p.CycleID, "deposit_required")
		if err != nil {
			return err
		}
		if _, _, err := outbox.Append(st, env); err != nil {
			return err
		}

		return idempotency.Commit(st, p.Idempotency, payload, timeline, true)
	})
	return result, err
}

// ConfirmDepositParams is the payload for ConfirmDeposit.
type ConfirmDepositParams struct {
	Idempotency idempotency.Key
	CycleID     string
	Actor       contracts.ActorRef
	DepositRef  string
	Now         time.Time
}

type confirmDepositPayload struct {
	CycleID    string
	ActorKey   string
	DepositRef string
}

// ConfirmDeposit marks the leg whose from_actor matches actor as
// deposited. Once every leg is deposited, the timeline transitions to
// escrow.ready and settlement.deposit_confirmed is emitted.
func (s *Service) ConfirmDeposit(p ConfirmDepositParams) (contracts.SettlementTimeline, error) {
	payload := confirmDepositPayload{CycleID: p.CycleID, ActorKey: p.Actor.Key(), DepositRef: p.DepositRef}

	var result contracts.SettlementTimeline
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Timelines[p.CycleID]
			return nil
		}

		timeline, ok := st.Timelines[p.CycleID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "settlement timeline not found")
		}
		if timeline.State != contracts.TimelineEscrowPending {
			return apierr.New(apierr.CodeConflict, "timeline is not awaiting deposits").WithReason("timeline_not_escrow_pending")
		}

		found := false
		for i, leg := range timeline.Legs {
			if leg.FromActor != p.Actor {
				continue
			}
			found = true
			if leg.Status == contracts.LegPending {
				timeline.Legs[i].Status = contracts.LegDeposited
				timeline.Legs[i].DepositRef = p.DepositRef
			}
		}
		if !found {
			return apierr.New(apierr.CodeForbidden, "actor has no leg in this cycle").WithReason("not_participant")
		}
		timeline.UpdatedAt = p.Now

		allDeposited := true
		for _, leg := range timeline.Legs {
			if leg.Status != contracts.LegDeposited {
				allDeposited = false
				break
			}
		}

		if allDeposited {
			next := timeline
			next.State = contracts.TimelineEscrowReady
			if err := transition(timeline, next, true); err != nil {
				return err
			}
			timeline = next

			env, err := outbox.NewEnvelope(contracts.EventSettlementDepositOK, p.Actor, p.CycleID, p.Now, timeline, p.CycleID, "deposit_confirmed")
			if err != nil {
				return err
			}
			if _, _, err := outbox.Append(st, env); err != nil {
				return err
			}
		}

		st.Timelines[p.CycleID] = timeline
		result = timeline
		return idempotency.Commit(st, p.Idempotency, payload, timeline, true)
	})
	return result, err
}

// BeginExecutionParams is the payload for BeginExecution.
type BeginExecutionParams struct {
	Idempotency idempotency.Key
	CycleID     string
	PartnerID   string
	Actor       contracts.ActorRef
	Now         time.Time
}

type beginExecutionPayload struct {
	CycleID   string
	PartnerID string
}

// BeginExecution transitions escrow.ready to executing, enforcing
// partner scope.
func (s *Service) BeginExecution(p BeginExecutionParams) (contracts.SettlementTimeline, error) {
	payload := beginExecutionPayload{CycleID: p.CycleID, PartnerID: p.PartnerID}

	var result contracts.SettlementTimeline
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Timelines[p.CycleID]
			return nil
		}

		timeline, ok := st.Timelines[p.CycleID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "settlement timeline not found")
		}
		if _, err := tenants.ResolvePartnerScope(timeline.PartnerID, timeline.PartnerID, p.PartnerID); err != nil {
			return err
		}
		if timeline.State != contracts.TimelineEscrowReady {
			return apierr.New(apierr.CodeConflict, "timeline is not escrow-ready").WithReason("timeline_not_escrow_ready")
		}

		next := timeline
		next.State = contracts.TimelineExecuting
		if err := transition(timeline, next, true); err != nil {
			return err
		}
		next.UpdatedAt = p.Now

		env, err := outbox.NewEnvelope(contracts.EventSettlementExecuting, p.Actor, p.CycleID, p.Now, next, p.CycleID, "executing")
		if err != nil {
			return err
		}
		if _, _, err := outbox.Append(st, env); err != nil {
			return err
		}

		st.Timelines[p.CycleID] = next
		result = next
		return idempotency.Commit(st, p.Idempotency, payload, next, true)
	})
	return result, err
}

// CompleteParams is the payload for Complete.
type CompleteParams struct {
	Idempotency idempotency.Key
	CycleID     string
	Actor       contracts.ActorRef
	Now         time.Time
}

type completePayload struct {
	CycleID string
}

// Complete transitions executing to completed, releasing every leg and
// emitting a signed receipt. Signing is fail-closed: a signer error
// aborts the whole transition, leaving the timeline in executing.
func (s *Service) Complete(p CompleteParams) (contracts.SettlementTimeline, contracts.Receipt, error) {
	payload := completePayload{CycleID: p.CycleID}

	var resultTimeline contracts.SettlementTimeline
	var resultReceipt contracts.Receipt
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			resultTimeline = st.Timelines[p.CycleID]
			resultReceipt = st.Receipts[p.CycleID]
			return nil
		}

		timeline, ok := st.Timelines[p.CycleID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "settlement timeline not found")
		}
		if timeline.State != contracts.TimelineExecuting {
			return apierr.New(apierr.CodeConflict, "timeline is not executing").WithReason("timeline_not_executing")
		}

		next := timeline
		for i := range next.Legs {
			next.Legs[i].Status = contracts.LegReleased
		}
		next.State = contracts.TimelineCompleted
		next.UpdatedAt = p.Now
		if err := transition(timeline, next, true); err != nil {
			return err
		}

		receipt, err := s.buildReceipt(next, contracts.ReceiptCompleted, "", p.Now)
		if err != nil {
			return err
		}

		st.Timelines[p.CycleID] = next
		st.Receipts[p.CycleID] = receipt
		resultTimeline = next
		resultReceipt = receipt

		env, err := outbox.NewEnvelope(contracts.EventReceiptCreated, p.Actor, p.CycleID, p.Now, receipt, p.CycleID, "completed")
		if err != nil {
			return err
		}
		if _, _, err := outbox.Append(st, env); err != nil {
			return err
		}

		return idempotency.Commit(st, p.Idempotency, payload, next, true)
	})
	return resultTimeline, resultReceipt, err
}

// ExpireDepositWindow sweeps every timeline still in escrow.pending past
// its deposit_deadline_at, failing the cycle and refunding any deposited
// legs. No-op for timelines that are not in escrow.pending (already
// terminal or already progressed past the deposit window).
func (s *Service) ExpireDepositWindow(now time.Time) ([]contracts.Receipt, error) {
	var receipts []contracts.Receipt
	err := s.store.WithLock(func(st *store.State) error {
		for cycleID, timeline := range st.Timelines {
			if timeline.State != contracts.TimelineEscrowPending {
				continue
			}
			if !now.After(timeline.DepositDeadlineAt) {
				continue
			}

			next := timeline
			for i := range next.Legs {
				if next.Legs[i].Status == contracts.LegDeposited {
					next.Legs[i].Status = contracts.LegRefunded
				}
			}
			next.State = contracts.TimelineFailed
			next.UpdatedAt = now
			if err := transition(timeline, next, true); err != nil {
				return err
			}

			receipt, err := s.buildReceipt(next, contracts.ReceiptFailed, contracts.ReasonDepositTimeout, now)
			if err != nil {
				return err
			}

			st.Timelines[cycleID] = next
			st.Receipts[cycleID] = receipt
			receipts = append(receipts, receipt)

			env, err := outbox.NewEnvelope(contracts.EventReceiptCreated, contracts.ActorRef{}, cycleID, now, receipt, cycleID, "failed", contracts.ReasonDepositTimeout)
			if err != nil {
				return err
			}
			if _, _, err := outbox.Append(st, env); err != nil {
				return err
			}
		}
		return nil
	})
	return receipts, err
}

// buildReceipt assembles and signs the terminal receipt for a timeline.
// Signing is fail-closed: SignReceipt's error aborts the whole caller
// transaction, per the teacher's "unsigned receipts are never emitted."
func (s *Service) buildReceipt(timeline contracts.SettlementTimeline, final contracts.ReceiptFinalState, reasonCode string, now time.Time) (contracts.Receipt, error) {
	intentIDs := make([]string, len(timeline.Legs))
	var assetIDs []string
	for i, leg := range timeline.Legs {
		intentIDs[i] = leg.IntentID
		for _, a := range leg.Assets {
			assetIDs = append(assetIDs, a.Key())
		}
	}

	receipt := contracts.Receipt{
		ID:           uuid.New().String(),
		CycleID:      timeline.CycleID,
		FinalState:   final,
		IntentIDs:    intentIDs,
		AssetIDs:     assetIDs,
		Transparency: contracts.ReceiptTransparency{ReasonCode: reasonCode},
		CreatedAt:    now,
	}

	if s.signer == nil {
		return contracts.Receipt{}, apierr.New(apierr.CodeInternal, "settlement: no signer configured")
	}
	if err := crypto.SignReceipt(s.signer, &receipt); err != nil {
		return contracts.Receipt{}, apierr.New(apierr.CodeInternal, "settlement: receipt signing failed")
	}
	return receipt, nil
}

// transition enforces spec.md §4.9 invariant iii: a timeline can never
// regress. existed distinguishes "first write" (no prior state to
// compare) from a genuine transition.
func transition(prior, next contracts.SettlementTimeline, existed bool) error {
	if !existed {
		return nil
	}
	if contracts.Regresses(prior.State, next.State) {
		return apierr.New(apierr.CodeConflict, "settlement timeline cannot regress").WithReason("timeline_regression")
	}
	return nil
}
