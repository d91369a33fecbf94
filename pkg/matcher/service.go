// Package matcher implements cycle discovery and canary-routed proposal
// generation (spec.md §4.7). Cycle enumeration has no teacher analogue
// and is written fresh in the teacher's idiom (bounded enumeration over
// dense index arrays, spec.md §9); canary routing is grounded on the
// teacher's dual-backend PDP pattern (pkg/pdp/opa.go + cedar.go: two
// engines behind one interface, metrics-driven routing, fail-closed
// fallback).
package matcher

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/outbox"
	"github.com/swapmesh/marketd/pkg/store"
)

// Config bounds a Service's behavior; a typed struct passed in at
// construction rather than a process-global (spec.md §9).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	MaxProposals           int
	MaxCycleLengthCeiling  int
	ProposalTTL            time.Duration
	CanaryMinEngineVersion string
	CanarySampleEveryN     int // route every Nth run to v2; 0 disables canary entirely
	CanaryDeltaEpsilon     float64
	Rollback               RollbackThresholds
}

// Service runs the matcher against a store.
type Service struct {
	store store.Store
	cfg   Config
	v1    matchEngine
	v2    matchEngine // nil disables canary routing regardless of CanarySampleEveryN
}

// NewService builds a matcher Service. v2 may be nil: the matcher then
// always uses v1 and never evaluates canary eligibility.
func NewService(s store.Store, cfg Config, v2 *v2Engine) *Service {
	svc := &Service{store: s, cfg: cfg, v1: v1Engine{}}
	if v2 != nil {
		svc.v2 = *v2
	}
	return svc
}

// RunParams is the payload for Run.
type RunParams struct {
	Idempotency     idempotency.Key
	Actor           contracts.ActorRef
	PartnerID       string // empty selects the public (non-partner) scope
	ReplaceExisting bool
	Now             time.Time
}

type runPayload struct {
	PartnerID       string
	ReplaceExisting bool
}

// RunResult is Run's return value: the persisted run record plus the
// proposals it produced (if any).
type RunResult struct {
	Run       contracts.MatchingRun
	Proposals []contracts.CycleProposal
}

// Run discovers cycles among live, scope-matching active intents,
// produces at most cfg.MaxProposals proposals ranked by spec.md §4.7's
// tuple, and records a MatchingRun. When ReplaceExisting, prior live
// non-committed proposals in the same scope are expired first.
func (s *Service) Run(ctx context.Context, p RunParams) (RunResult, bool, error) {
	payload := runPayload{PartnerID: p.PartnerID, ReplaceExisting: p.ReplaceExisting}

	var result RunResult
	var replayed bool

	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			replayed = true
			var run contracts.MatchingRun
			if err := json.Unmarshal(res.Body, &run); err != nil {
				return err
			}
			result = RunResult{Run: run, Proposals: proposalsByID(st, run.ProposalIDs)}
			return nil
		}

		expiredPrior := 0
		if p.ReplaceExisting {
			expiredPrior = s.expireLiveProposals(st, p.PartnerID, p.Now)
		}

		candidates := scopedActiveIntents(st, p.PartnerID, p.Now)

		runSeq := uint64(len(st.MatchingRuns) + 1)
		routedToV2, fallback := s.routeDecision(st.Canary, runSeq)

		var outcome engineOutcome
		engineUsed := s.v1
		if routedToV2 {
			outcome = s.v2.run(ctx, candidates, s.cfg.MaxCycleLengthCeiling, s.cfg.CanaryDeltaEpsilon)
			st.Canary = recordSample(st.Canary, outcome, s.cfg.Rollback)
			if outcome.errored || outcome.timedOut {
				fallback = true
				engineUsed = s.v1
				outcome = s.v1.run(ctx, candidates, s.cfg.MaxCycleLengthCeiling, s.cfg.CanaryDeltaEpsilon)
			}
		} else {
			outcome = engineUsed.run(ctx, candidates, s.cfg.MaxCycleLengthCeiling, s.cfg.CanaryDeltaEpsilon)
		}

		adj := buildAdjacency(candidates, nil)
		selected := rankAndSelect(candidates, adj, outcome.cycles, s.cfg.MaxProposals)

		proposals := make([]contracts.CycleProposal, 0, len(selected))
		proposalIDs := make([]string, 0, len(selected))
		for _, sc := range selected {
			proposal := contracts.CycleProposal{
				ID:                uuid.New().String(),
				PartnerID:         p.PartnerID,
				Participants:      sc.legs,
				ValueClosureDelta: sc.absValueDelta,
				CreatedAt:         p.Now,
				ExpiresAt:         p.Now.Add(s.cfg.ProposalTTL),
			}
			st.Proposals[proposal.ID] = proposal
			proposals = append(proposals, proposal)
			proposalIDs = append(proposalIDs, proposal.ID)

			env, err := outbox.NewEnvelope(contracts.EventProposalCreated, p.Actor, proposal.ID, p.Now, proposal, proposal.ID)
			if err != nil {
				return err
			}
			if _, _, err := outbox.Append(st, env); err != nil {
				return err
			}
		}

		run := contracts.MatchingRun{
			RunID:     uuid.New().String(),
			PartnerID: p.PartnerID,
			SelectedProposalsCount: len(proposals),
			Stats: contracts.MatchingStats{
				CandidateIntents: len(candidates),
				CyclesFound:      len(outcome.cycles),
				ProposalsEmitted: len(proposals),
				ExpiredPrior:     expiredPrior,
			},
			ProposalIDs:  proposalIDs,
			RoutedToV2:   routedToV2,
			FallbackToV1: fallback,
			Rollback: contracts.RollbackState{
				Active:          st.Canary.Rollback.Active && !routedToV2, // pre-run state when we didn't attempt v2 at all this run
				ReasonCode:      st.Canary.Rollback.ReasonCode,
				ActiveAfter:     st.Canary.Rollback.Active,
				ReasonCodeAfter: st.Canary.Rollback.ReasonCode,
			},
			CreatedAt: p.Now,
		}
		_ = engineUsed
		st.MatchingRuns[run.RunID] = run
		result = RunResult{Run: run, Proposals: proposals}

		return idempotency.Commit(st, p.Idempotency, payload, run, true)
	})

	return result, replayed, err
}

// routeDecision decides whether this run attempts v2: rollback must not
// be active, a v2 engine must be configured, its version must satisfy
// the configured minimum, and the run's sequence number must land on
// the configured sample cadence.
func (s *Service) routeDecision(canary contracts.CanaryState, runSeq uint64) (routed, fallback bool) {
	if canary.Rollback.Active {
		return false, true
	}
	if s.v2 == nil || s.cfg.CanarySampleEveryN <= 0 {
		return false, false
	}
	if !engineVersionEligible(s.v2.version(), s.cfg.CanaryMinEngineVersion) {
		return false, false
	}
	if runSeq%uint64(s.cfg.CanarySampleEveryN) != 0 {
		return false, false
	}
	return true, false
}

// scopedActiveIntents returns every active, unexpired intent within
// partnerID's scope (empty partnerID selects the public scope),
// ordered by ID for a deterministic dense index array.
func scopedActiveIntents(st *store.State, partnerID string, now time.Time) []contracts.SwapIntent {
	ids := make([]string, 0, len(st.Intents))
	for id := range st.Intents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]contracts.SwapIntent, 0, len(ids))
	for _, id := range ids {
		i := st.Intents[id]
		if i.Status != contracts.IntentActive {
			continue
		}
		if i.PartnerID != partnerID {
			continue
		}
		if !i.TimeConstraints.ExpiresAt.After(now) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// rankAndSelect filters enumerated cycles to those whose length
// respects every participant's own trust constraint, ranks the
// survivors, and takes at most max.
func rankAndSelect(intents []contracts.SwapIntent, adj [][]edge, cycles [][]int, max int) []scoredCycle {
	scored := make([]scoredCycle, 0, len(cycles))
	for _, c := range cycles {
		if len(c) > maxCycleLengthFor(intents, c) {
			continue
		}
		scored = append(scored, buildLegs(intents, adj, c))
	}
	rankCycles(scored)
	if max > 0 && len(scored) > max {
		scored = scored[:max]
	}
	return scored
}

// expireLiveProposals expires every proposal in partnerID's scope that
// is still live and not committed, emitting proposal.expired for each.
func (s *Service) expireLiveProposals(st *store.State, partnerID string, now time.Time) int {
	committed := committedProposalIDs(st)

	expired := 0
	ids := make([]string, 0, len(st.Proposals))
	for id := range st.Proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := st.Proposals[id]
		if p.PartnerID != partnerID || committed[id] || !p.ExpiresAt.After(now) {
			continue
		}
		p.ExpiresAt = now
		st.Proposals[id] = p
		expired++

		env, err := outbox.NewEnvelope(contracts.EventProposalExpired, contracts.ActorRef{}, id, now, p, id)
		if err == nil {
			_, _, _ = outbox.Append(st, env)
		}
	}
	return expired
}

func committedProposalIDs(st *store.State) map[string]bool {
	out := make(map[string]bool, len(st.Commits))
	for _, c := range st.Commits {
		if c.Phase == contracts.CommitCommitted {
			out[c.ProposalID] = true
		}
	}
	return out
}

func proposalsByID(st *store.State, ids []string) []contracts.CycleProposal {
	out := make([]contracts.CycleProposal, 0, len(ids))
	for _, id := range ids {
		if p, ok := st.Proposals[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
