package liquidity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/store"
)

func newLiquidityStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func registerProvider(t *testing.T, svc *Service, name string) contracts.LiquidityProvider {
	t.Helper()
	provider, err := svc.RegisterProvider(RegisterProviderParams{Name: name, Now: time.Now()})
	require.NoError(t, err)
	return provider
}

func TestRegisterProvider_NewProviderStartsAtVersionOne(t *testing.T) {
	svc := NewService(newLiquidityStore(t))
	provider := registerProvider(t, svc, "Acme Market Makers")
	assert.Equal(t, 1, provider.Version)
	assert.Equal(t, "active", provider.Status)
	assert.NotEmpty(t, provider.ProviderID)
}

func TestRegisterProvider_UpdateBumpsVersion(t *testing.T) {
	svc := NewService(newLiquidityStore(t))
	provider := registerProvider(t, svc, "Acme Market Makers")

	updated, err := svc.RegisterProvider(RegisterProviderParams{
		ProviderID: provider.ProviderID, Name: "Acme MM", Now: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Acme MM", updated.Name)
}

func TestRegisterProvider_UnknownIDErrors(t *testing.T) {
	svc := NewService(newLiquidityStore(t))
	_, err := svc.RegisterProvider(RegisterProviderParams{ProviderID: "missing", Now: time.Now()})
	assert.Error(t, err)
}

func TestRegisterPersona_AppendsThenReplacesByID(t *testing.T) {
	svc := NewService(newLiquidityStore(t))
	provider := registerProvider(t, svc, "Acme Market Makers")

	withPersona, err := svc.RegisterPersona(RegisterPersonaParams{
		ProviderID: provider.ProviderID, PersonaID: "p1", Name: "Conservative",
		Categories: []string{"collectible"}, MaxValueUSD: 500, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, withPersona.Personas, 1)
	assert.Equal(t, 2, withPersona.Version)

	replaced, err := svc.RegisterPersona(RegisterPersonaParams{
		ProviderID: provider.ProviderID, PersonaID: "p1", Name: "Aggressive",
		Categories: []string{"collectible", "game_item"}, MaxValueUSD: 2000, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, replaced.Personas, 1)
	assert.Equal(t, "Aggressive", replaced.Personas[0].Name)
	assert.Equal(t, 3, replaced.Version)
}

func TestSnapshotInventory_RootHashCoversOnlyProvidersHoldings(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	providerA := registerProvider(t, svc, "Provider A")
	providerB := registerProvider(t, svc, "Provider B")

	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: providerA.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)
	_, err = svc.SeedHolding(SeedHoldingParams{ProviderID: providerA.ProviderID, HoldingID: "h2", Category: "skin", ValueUSD: 75, Now: time.Now()})
	require.NoError(t, err)
	_, err = svc.SeedHolding(SeedHoldingParams{ProviderID: providerB.ProviderID, HoldingID: "h3", Category: "skin", ValueUSD: 90, Now: time.Now()})
	require.NoError(t, err)

	snapshot, err := svc.SnapshotInventory(providerA.ProviderID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, providerA.ProviderID, snapshot.ProviderID)
	assert.Len(t, snapshot.Leaves, 2)
	assert.NotEmpty(t, snapshot.RootHash)
}

func TestVerifyHolding_ProvesInclusionAgainstRootHash(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")

	for _, h := range []string{"h1", "h2", "h3"} {
		_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: h, Category: "skin", ValueUSD: 50, Now: time.Now()})
		require.NoError(t, err)
	}

	snapshot, err := svc.SnapshotInventory(provider.ProviderID, time.Now())
	require.NoError(t, err)

	proof, ok, err := VerifyHolding(snapshot, "h2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, proof.Siblings)
}

func TestVerifyHolding_RejectsUnknownHolding(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")
	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)

	snapshot, err := svc.SnapshotInventory(provider.ProviderID, time.Now())
	require.NoError(t, err)

	_, _, err = VerifyHolding(snapshot, "ghost")
	assert.Error(t, err)
}

func TestReserveBatch_SuccessThenConflictOnDoubleReserve(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")
	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)

	first, err := svc.ReserveBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, first[0].Outcome)

	second, err := svc.ReserveBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeConflict, second[0].Outcome)
}

func TestReserveBatch_MixedOutcomesInOneBatch(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")
	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)
	_, err = svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h2", Category: "currency", ValueUSD: 10, Now: time.Now()})
	require.NoError(t, err)

	results, err := svc.ReserveBatch([]ReservationRequest{
		{HoldingID: "h1", ProviderID: provider.ProviderID, Category: "skin"},
		{HoldingID: "h2", ProviderID: provider.ProviderID, Category: "skin"}, // category mismatch
		{HoldingID: "missing", ProviderID: provider.ProviderID},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, contracts.OutcomeContextMismatch, results[1].Outcome)
	assert.Equal(t, contracts.OutcomeAssetNotFound, results[2].Outcome)
}

func TestReleaseBatch_ReleasesReservedHoldingBackToAvailable(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")
	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)

	_, err = svc.ReserveBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)

	results, err := svc.ReleaseBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, results[0].Outcome)

	again, err := svc.ReserveBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeSuccess, again[0].Outcome, "released holding should be reservable again")
}

func TestReleaseBatch_NotAvailableWhenNotReserved(t *testing.T) {
	s := newLiquidityStore(t)
	svc := NewService(s)
	provider := registerProvider(t, svc, "Provider A")
	_, err := svc.SeedHolding(SeedHoldingParams{ProviderID: provider.ProviderID, HoldingID: "h1", Category: "skin", ValueUSD: 50, Now: time.Now()})
	require.NoError(t, err)

	results, err := svc.ReleaseBatch([]ReservationRequest{{HoldingID: "h1", ProviderID: provider.ProviderID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNotAvailable, results[0].Outcome)
}
