package intent_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/intent"
	"github.com/swapmesh/marketd/pkg/store"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func validOffer() []contracts.AssetDescriptor {
	return []contracts.AssetDescriptor{{Platform: "steam", AppID: "730", ContextID: "2", AssetID: "asset-a"}}
}

func validWantSpec() contracts.WantSpec {
	return contracts.WantSpec{Any: []contracts.WantAlternative{{Platform: "steam", AssetID: "asset-b"}}}
}

func createParams(now time.Time) intent.CreateParams {
	return intent.CreateParams{
		Idempotency: idempotency.Key{OperationID: "swapIntents.create", ActorKey: "user:u1", ClientKey: "k1"},
		Actor:       contracts.ActorRef{Type: contracts.ActorUser, ID: "u1"},
		Offer:       validOffer(),
		WantSpec:    validWantSpec(),
		ValueBand:   contracts.ValueBand{MinUSD: 100, MaxUSD: 150, PricingSource: "steam_market"},
		TimeConstraints: contracts.TimeConstraints{
			ExpiresAt: now.Add(time.Hour),
		},
		Now: now,
	}
}

func TestCreate_PersistsActiveIntent(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	got, replayed, err := svc.Create(createParams(now))
	require.NoError(t, err)
	require.False(t, replayed)
	require.NotEmpty(t, got.ID)
	require.Equal(t, contracts.IntentActive, got.Status)
	require.Equal(t, now, got.CreatedAt)
}

func TestCreate_RejectsExpiredExpiry(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	p := createParams(now)
	p.TimeConstraints.ExpiresAt = now.Add(-time.Minute)

	_, _, err := svc.Create(p)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeValidation, apiErr.Code)
	require.Equal(t, "time_constraints_expired", apiErr.ReasonCode)
}

func TestCreate_RejectsNonMonotoneValueBand(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	p := createParams(now)
	p.ValueBand = contracts.ValueBand{MinUSD: 200, MaxUSD: 100}

	_, _, err := svc.Create(p)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, "value_band_non_monotone", apiErr.ReasonCode)
}

func TestCreate_RejectsEmptyOffer(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	p := createParams(now)
	p.Offer = nil

	_, _, err := svc.Create(p)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, "offer_empty", apiErr.ReasonCode)
}

func TestCreate_RejectsEmptyWantSpec(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	p := createParams(now)
	p.WantSpec = contracts.WantSpec{}

	_, _, err := svc.Create(p)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, "want_spec_empty", apiErr.ReasonCode)
}

func TestCreate_ReplaysIdenticalPayloadUnderSameKey(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)
	p := createParams(now)

	first, replayed, err := svc.Create(p)
	require.NoError(t, err)
	require.False(t, replayed)

	p.Now = now.Add(time.Minute) // a later retry's clock must not affect the replay
	second, replayed, err := svc.Create(p)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, second)
}

func TestCreate_DifferentPayloadUnderSameKeyConflicts(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)
	p := createParams(now)

	_, _, err := svc.Create(p)
	require.NoError(t, err)

	p.ValueBand.MaxUSD = 999
	_, _, err = svc.Create(p)
	require.ErrorIs(t, err, idempotency.ErrConflict)
}

func TestUpdate_ForbiddenForNonOwner(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	svc := intent.NewService(s, nil)

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	_, _, err = svc.Update(intent.UpdateParams{
		Idempotency:     idempotency.Key{OperationID: "swapIntents.update", ActorKey: "user:stranger", ClientKey: "k2"},
		IntentID:        created.ID,
		Actor:           contracts.ActorRef{Type: contracts.ActorUser, ID: "stranger"},
		Offer:           validOffer(),
		WantSpec:        validWantSpec(),
		ValueBand:       created.ValueBand,
		TimeConstraints: created.TimeConstraints,
		Now:             now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestUpdate_ForbiddenWhenNotActive(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	svc := intent.NewService(s, nil)

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	err = s.WithLock(func(st *store.State) error {
		i := st.Intents[created.ID]
		i.Status = contracts.IntentReserved
		st.Intents[created.ID] = i
		st.Reservations[created.ID] = "proposal-1"
		return nil
	})
	require.NoError(t, err)

	_, _, err = svc.Update(intent.UpdateParams{
		Idempotency:     idempotency.Key{OperationID: "swapIntents.update", ActorKey: "user:u1", ClientKey: "k2"},
		IntentID:        created.ID,
		Actor:           created.Actor,
		Offer:           validOffer(),
		WantSpec:        validWantSpec(),
		ValueBand:       created.ValueBand,
		TimeConstraints: created.TimeConstraints,
		Now:             now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeConflict, apiErr.Code)
	require.Equal(t, "intent_not_active", apiErr.ReasonCode)
}

func TestCancel_ForbiddenWhileReserved(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	svc := intent.NewService(s, nil)

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	err = s.WithLock(func(st *store.State) error {
		st.Reservations[created.ID] = "proposal-1"
		return nil
	})
	require.NoError(t, err)

	_, _, err = svc.Cancel(intent.CancelParams{
		Idempotency: idempotency.Key{OperationID: "swapIntents.cancel", ActorKey: "user:u1", ClientKey: "k3"},
		IntentID:    created.ID,
		Actor:       created.Actor,
		Now:         now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeConflict, apiErr.Code)
	require.Equal(t, "intent_reserved", apiErr.ReasonCode)
}

func TestCancel_SucceedsForOwner(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	cancelled, replayed, err := svc.Cancel(intent.CancelParams{
		Idempotency: idempotency.Key{OperationID: "swapIntents.cancel", ActorKey: "user:u1", ClientKey: "k3"},
		IntentID:    created.ID,
		Actor:       created.Actor,
		Now:         now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, contracts.IntentCancelled, cancelled.Status)
}

type fakeDelegationVerifier struct {
	err error
}

func (f fakeDelegationVerifier) VerifyCancel(_ *store.State, _ string, _ contracts.ActorRef, _ string, _ time.Time) error {
	return f.err
}

func TestCancel_ViaDelegation_DeniedByVerifier(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	denyErr := apierr.New(apierr.CodeOperationNotPermitted, "delegation scope does not permit cancel").WithReason("delegation_scope_missing")
	svc := intent.NewService(s, fakeDelegationVerifier{err: denyErr})

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	_, _, err = svc.Cancel(intent.CancelParams{
		Idempotency:     idempotency.Key{OperationID: "swapIntents.cancel", ActorKey: "agent:a1", ClientKey: "k4"},
		IntentID:        created.ID,
		Actor:           contracts.ActorRef{Type: contracts.ActorAgent, ID: "a1"},
		DelegationToken: "deleg-token",
		Now:             now,
	})
	require.ErrorIs(t, err, denyErr)
}

func TestCancel_ViaDelegation_AllowedByVerifier(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	svc := intent.NewService(s, fakeDelegationVerifier{})

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	cancelled, _, err := svc.Cancel(intent.CancelParams{
		Idempotency:     idempotency.Key{OperationID: "swapIntents.cancel", ActorKey: "agent:a1", ClientKey: "k4"},
		IntentID:        created.ID,
		Actor:           contracts.ActorRef{Type: contracts.ActorAgent, ID: "a1"},
		DelegationToken: "deleg-token",
		Now:             now,
	})
	require.NoError(t, err)
	require.Equal(t, contracts.IntentCancelled, cancelled.Status)
}

func TestCancel_WithoutVerifierWired_FailsClosed(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := intent.NewService(newStore(t), nil)

	created, _, err := svc.Create(createParams(now))
	require.NoError(t, err)

	_, _, err = svc.Cancel(intent.CancelParams{
		Idempotency:     idempotency.Key{OperationID: "swapIntents.cancel", ActorKey: "agent:a1", ClientKey: "k4"},
		IntentID:        created.ID,
		Actor:           contracts.ActorRef{Type: contracts.ActorAgent, ID: "a1"},
		DelegationToken: "deleg-token",
		Now:             now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeInternal, apiErr.Code)
}

func TestList_ScopesToOwnerAndPartner(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := newStore(t)
	svc := intent.NewService(s, nil)

	p1 := createParams(now)
	p1.Actor = contracts.ActorRef{Type: contracts.ActorUser, ID: "u1"}
	p1.PartnerID = "partner-x"
	p1.Idempotency = idempotency.Key{OperationID: "swapIntents.create", ActorKey: "user:u1", ClientKey: "k1"}
	i1, _, err := svc.Create(p1)
	require.NoError(t, err)

	p2 := createParams(now)
	p2.Actor = contracts.ActorRef{Type: contracts.ActorUser, ID: "u2"}
	p2.PartnerID = "partner-y"
	p2.Idempotency = idempotency.Key{OperationID: "swapIntents.create", ActorKey: "user:u2", ClientKey: "k2"}
	_, _, err = svc.Create(p2)
	require.NoError(t, err)

	byOwner := svc.List(intent.ListFilter{Actor: contracts.ActorRef{Type: contracts.ActorUser, ID: "u1"}})
	require.Len(t, byOwner, 1)
	require.Equal(t, i1.ID, byOwner[0].ID)

	byPartner := svc.List(intent.ListFilter{Actor: contracts.ActorRef{Type: contracts.ActorPartner, ID: "partner-x"}})
	require.Len(t, byPartner, 1)
	require.Equal(t, i1.ID, byPartner[0].ID)

	noneVisible := svc.List(intent.ListFilter{Actor: contracts.ActorRef{Type: contracts.ActorPartner, ID: "partner-z"}})
	require.Empty(t, noneVisible)
}
