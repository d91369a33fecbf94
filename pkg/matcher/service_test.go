package matcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/store"
)

func newMatcherStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func seedSwapPair(t *testing.T, s store.Store, partnerID string) (string, string) {
	t.Helper()
	a := testAsset("steam", "tf2", "hat-a", 100)
	b := testAsset("steam", "tf2", "hat-b", 100)
	i1 := testIntent("i1", "alice", a, "hat-b", testBand(50, 150))
	i2 := testIntent("i2", "bob", b, "hat-a", testBand(50, 150))
	i1.PartnerID = partnerID
	i2.PartnerID = partnerID

	err := s.WithLock(func(st *store.State) error {
		st.Intents[i1.ID] = i1
		st.Intents[i2.ID] = i2
		return nil
	})
	require.NoError(t, err)
	return i1.ID, i2.ID
}

func defaultConfig() Config {
	return Config{
		MaxProposals:          10,
		MaxCycleLengthCeiling: 6,
		ProposalTTL:           time.Hour,
		CanaryDeltaEpsilon:    1000,
	}
}

func TestRun_ProducesProposalFromTwoPartyCycle(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")

	svc := NewService(s, defaultConfig(), nil)
	now := time.Now()

	result, replayed, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ActorKey: "system", ClientKey: "k1"},
		Actor:       contracts.ActorRef{Type: contracts.ActorAgent, ID: "scheduler"},
		Now:         now,
	})

	require.NoError(t, err)
	assert.False(t, replayed)
	require.Len(t, result.Proposals, 1)
	assert.Len(t, result.Proposals[0].Participants, 2)
	assert.False(t, result.Run.RoutedToV2)
	assert.Equal(t, 2, result.Run.Stats.CandidateIntents)
	assert.Equal(t, 1, result.Run.Stats.ProposalsEmitted)
}

func TestRun_ReplaysIdenticalRunUnderSameKey(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")

	svc := NewService(s, defaultConfig(), nil)
	key := idempotency.Key{OperationID: "matcher.run", ActorKey: "system", ClientKey: "k1"}

	first, _, err := svc.Run(context.Background(), RunParams{Idempotency: key, Now: time.Now()})
	require.NoError(t, err)

	second, replayed, err := svc.Run(context.Background(), RunParams{Idempotency: key, Now: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	assert.True(t, replayed)
	assert.Equal(t, first.Run.RunID, second.Run.RunID)
	assert.Equal(t, first.Proposals[0].ID, second.Proposals[0].ID)
}

func TestRun_ReplaceExistingExpiresPriorLiveProposals(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")
	svc := NewService(s, defaultConfig(), nil)

	now := time.Now()
	first, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "run1"},
		Now:         now,
	})
	require.NoError(t, err)
	require.Len(t, first.Proposals, 1)

	second, _, err := svc.Run(context.Background(), RunParams{
		Idempotency:     idempotency.Key{OperationID: "matcher.run", ClientKey: "run2"},
		ReplaceExisting: true,
		Now:             now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Run.Stats.ExpiredPrior)

	snap := s.Snapshot()
	prior := snap.Proposals[first.Proposals[0].ID]
	assert.False(t, prior.ExpiresAt.After(now.Add(time.Minute)))
}

func TestRun_ReplaceExistingDoesNotExpireCommittedProposal(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")
	svc := NewService(s, defaultConfig(), nil)

	now := time.Now()
	first, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "run1"},
		Now:         now,
	})
	require.NoError(t, err)
	proposalID := first.Proposals[0].ID

	err = s.WithLock(func(st *store.State) error {
		st.Commits["c1"] = contracts.Commit{ID: "c1", ProposalID: proposalID, Phase: contracts.CommitCommitted}
		return nil
	})
	require.NoError(t, err)

	_, _, err = svc.Run(context.Background(), RunParams{
		Idempotency:     idempotency.Key{OperationID: "matcher.run", ClientKey: "run2"},
		ReplaceExisting: true,
		Now:             now.Add(time.Minute),
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	committed := snap.Proposals[proposalID]
	assert.True(t, committed.ExpiresAt.After(now.Add(time.Minute)))
}

func TestRun_ScopesCandidatesToPartner(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "partner-a")

	svc := NewService(s, defaultConfig(), nil)
	result, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "public"},
		PartnerID:   "", // public scope; seeded intents belong to partner-a
		Now:         time.Now(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Proposals)
	assert.Equal(t, 0, result.Run.Stats.CandidateIntents)
}

func TestRun_SkipsV2WhenRollbackActive(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")

	err := s.WithLock(func(st *store.State) error {
		st.Canary.Rollback.Active = true
		st.Canary.Rollback.ReasonCode = "v2_error_rate_exceeded"
		return nil
	})
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.CanarySampleEveryN = 1
	v2 := &v2Engine{version_: "2.0.0"}
	svc := NewService(s, cfg, v2)

	result, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "k1"},
		Now:         time.Now(),
	})
	require.NoError(t, err)

	assert.False(t, result.Run.RoutedToV2)
	assert.True(t, result.Run.FallbackToV1)
	assert.True(t, result.Run.Rollback.ActiveAfter)
	assert.Equal(t, "v2_error_rate_exceeded", result.Run.Rollback.ReasonCodeAfter)
}

func TestRun_RoutesToV2OnSampleCadenceWhenEligible(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")

	cfg := defaultConfig()
	cfg.CanarySampleEveryN = 1
	cfg.CanaryMinEngineVersion = ">=2.0.0"
	v2 := &v2Engine{version_: "2.0.0"}
	svc := NewService(s, cfg, v2)

	result, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "k1"},
		Now:         time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, result.Run.RoutedToV2)
	assert.False(t, result.Run.FallbackToV1)
}

func TestRun_IneligibleEngineVersionStaysOnV1(t *testing.T) {
	s := newMatcherStore(t)
	seedSwapPair(t, s, "")

	cfg := defaultConfig()
	cfg.CanarySampleEveryN = 1
	cfg.CanaryMinEngineVersion = ">=3.0.0"
	v2 := &v2Engine{version_: "2.0.0"}
	svc := NewService(s, cfg, v2)

	result, _, err := svc.Run(context.Background(), RunParams{
		Idempotency: idempotency.Key{OperationID: "matcher.run", ClientKey: "k1"},
		Now:         time.Now(),
	})
	require.NoError(t, err)

	assert.False(t, result.Run.RoutedToV2)
}
