package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/store"
)

func newVaultStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

var owner = contracts.ActorRef{Type: contracts.ActorUser, ID: "owner-1"}

func testAsset() contracts.AssetDescriptor {
	return contracts.AssetDescriptor{Platform: "p", AppID: "a", ContextID: "c", AssetID: "skin-1"}
}

func TestDeposit_CreatesAvailableHolding(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingAvailable, h.Status)
	assert.NotEmpty(t, h.HoldingID)
}

func TestDeposit_ReplaysUnderSameKey(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	key := idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"}
	first, err := svc.Deposit(DepositParams{Idempotency: key, OwnerActor: owner, Asset: testAsset(), Now: now})
	require.NoError(t, err)

	second, err := svc.Deposit(DepositParams{Idempotency: key, OwnerActor: owner, Asset: testAsset(), Now: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, first.HoldingID, second.HoldingID)
}

func TestReserve_ExclusiveAcrossDifferentReservations(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r1"},
		HoldingID:   h.HoldingID, ReservationID: "res-a", Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r2"},
		HoldingID:   h.HoldingID, ReservationID: "res-b", Now: now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflict, apiErr.Code)
	assert.Equal(t, "holding_reserved", apiErr.ReasonCode)
}

func TestReserve_SameReservationIDIsIdempotent(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r1"},
		HoldingID:   h.HoldingID, ReservationID: "res-a", Now: now,
	})
	require.NoError(t, err)

	h2, err := svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r2"},
		HoldingID:   h.HoldingID, ReservationID: "res-a", Now: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingReserved, h2.Status)
}

func TestBeginSettlement_RequiresReservedFirst(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	_, err = svc.BeginSettlement(BeginSettlementParams{
		Idempotency: idempotency.Key{OperationID: "vault.begin_settlement", ClientKey: "e1"},
		HoldingID:   h.HoldingID, CycleID: "cycle-1", Now: now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflict, apiErr.Code)
}

func TestReserveThenBeginSettlementThenRelease_FullLifecycle(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r1"},
		HoldingID:   h.HoldingID, ReservationID: "res-a", Now: now,
	})
	require.NoError(t, err)

	h, err = svc.BeginSettlement(BeginSettlementParams{
		Idempotency: idempotency.Key{OperationID: "vault.begin_settlement", ClientKey: "e1"},
		HoldingID:   h.HoldingID, CycleID: "cycle-1", Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingInSettlement, h.Status)
	assert.Equal(t, "cycle-1", h.SettlementCycleID)

	h, err = svc.Release(ReleaseParams{
		Idempotency: idempotency.Key{OperationID: "vault.release", ClientKey: "f1"},
		HoldingID:   h.HoldingID, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingAvailable, h.Status)
	assert.Empty(t, h.ReservationID)
	assert.Empty(t, h.SettlementCycleID)
}

func TestRelease_IsIdempotentOnAlreadyAvailableHolding(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	h, err = svc.Release(ReleaseParams{
		Idempotency: idempotency.Key{OperationID: "vault.release", ClientKey: "f1"},
		HoldingID:   h.HoldingID, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingAvailable, h.Status)

	h, err = svc.Release(ReleaseParams{
		Idempotency: idempotency.Key{OperationID: "vault.release", ClientKey: "f2"},
		HoldingID:   h.HoldingID, Now: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingAvailable, h.Status)
}

func TestWithdraw_RejectsNonOwner(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	stranger := contracts.ActorRef{Type: contracts.ActorUser, ID: "mallory"}
	_, err = svc.Withdraw(WithdrawParams{
		Idempotency: idempotency.Key{OperationID: "vault.withdraw", ActorKey: stranger.Key(), ClientKey: "w1"},
		HoldingID:   h.HoldingID, OwnerActor: stranger, Now: now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestWithdraw_RejectsWhileReserved(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ReserveParams{
		Idempotency: idempotency.Key{OperationID: "vault.reserve", ClientKey: "r1"},
		HoldingID:   h.HoldingID, ReservationID: "res-a", Now: now,
	})
	require.NoError(t, err)

	_, err = svc.Withdraw(WithdrawParams{
		Idempotency: idempotency.Key{OperationID: "vault.withdraw", ActorKey: owner.Key(), ClientKey: "w1"},
		HoldingID:   h.HoldingID, OwnerActor: owner, Now: now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeConflict, apiErr.Code)
}

func TestWithdraw_IsIdempotentOnceWithdrawn(t *testing.T) {
	s := newVaultStore(t)
	svc := NewService(s)
	now := time.Now()

	h, err := svc.Deposit(DepositParams{
		Idempotency: idempotency.Key{OperationID: "vault.deposit", ActorKey: owner.Key(), ClientKey: "d1"},
		OwnerActor:  owner, Asset: testAsset(), Now: now,
	})
	require.NoError(t, err)

	h, err = svc.Withdraw(WithdrawParams{
		Idempotency: idempotency.Key{OperationID: "vault.withdraw", ActorKey: owner.Key(), ClientKey: "w1"},
		HoldingID:   h.HoldingID, OwnerActor: owner, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingWithdrawn, h.Status)

	h, err = svc.Withdraw(WithdrawParams{
		Idempotency: idempotency.Key{OperationID: "vault.withdraw", ActorKey: owner.Key(), ClientKey: "w2"},
		HoldingID:   h.HoldingID, OwnerActor: owner, Now: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.HoldingWithdrawn, h.Status)
}
