// Package vault implements holding deposit/reserve/release/withdraw
// (spec.md §4.10), adapting the teacher's file-ledger lease pattern
// (core/pkg/store/ledger/file_ledger.go): an exclusive lease-like
// reservation over a keyed record, plus a state transition step applied
// once the lease is held.
package vault

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/store"
)

// Service runs vault holding lifecycle operations against a store.
type Service struct {
	store store.Store
}

// NewService builds a vault Service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// DepositParams is the payload for Deposit.
type DepositParams struct {
	Idempotency idempotency.Key
	OwnerActor  contracts.ActorRef
	Asset       contracts.AssetDescriptor
	Now         time.Time
}

type depositPayload struct {
	OwnerActorKey string
	AssetKey      string
}

// Deposit registers a new available holding for actor's custody of
// asset.
func (s *Service) Deposit(p DepositParams) (contracts.Holding, error) {
	payload := depositPayload{OwnerActorKey: p.OwnerActor.Key(), AssetKey: p.Asset.Key()}

	var result contracts.Holding
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			var h contracts.Holding
			if err := json.Unmarshal(res.Body, &h); err != nil {
				return err
			}
			result = h
			return nil
		}

		holding := contracts.Holding{
			HoldingID:  uuid.New().String(),
			OwnerActor: p.OwnerActor,
			Asset:      p.Asset,
			Status:     contracts.HoldingAvailable,
			CreatedAt:  p.Now,
			UpdatedAt:  p.Now,
		}
		st.Holdings[holding.HoldingID] = holding
		result = holding
		return idempotency.Commit(st, p.Idempotency, payload, holding, true)
	})
	return result, err
}

// ReserveParams is the payload for Reserve.
type ReserveParams struct {
	Idempotency   idempotency.Key
	HoldingID     string
	ReservationID string
	Now           time.Time
}

type reservePayload struct {
	HoldingID     string
	ReservationID string
}

// Reserve exclusively reserves holding for reservationID, the same
// "locked by another worker unless it's mine" exclusivity the teacher's
// AcquireLease enforces: a holding already reserved under a different
// reservation id is a conflict, but re-reserving under the same id is
// idempotent.
func (s *Service) Reserve(p ReserveParams) (contracts.Holding, error) {
	payload := reservePayload{HoldingID: p.HoldingID, ReservationID: p.ReservationID}

	var result contracts.Holding
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Holdings[p.HoldingID]
			return nil
		}

		h, ok := st.Holdings[p.HoldingID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "holding not found")
		}
		if h.Status == contracts.HoldingReserved && h.ReservationID != p.ReservationID {
			return apierr.New(apierr.CodeConflict, "holding is reserved by another reservation").WithReason("holding_reserved")
		}
		if h.Status != contracts.HoldingAvailable && h.Status != contracts.HoldingReserved {
			return apierr.New(apierr.CodeConflict, "holding is not available to reserve").WithReason("holding_not_available")
		}

		h.Status = contracts.HoldingReserved
		h.ReservationID = p.ReservationID
		h.UpdatedAt = p.Now
		st.Holdings[p.HoldingID] = h
		result = h
		return idempotency.Commit(st, p.Idempotency, payload, h, true)
	})
	return result, err
}

// ReleaseParams is the payload for Release.
type ReleaseParams struct {
	Idempotency idempotency.Key
	HoldingID   string
	Now         time.Time
}

type releasePayload struct {
	HoldingID string
}

// Release returns a reserved or in-settlement holding to available,
// clearing its reservation and settlement linkage. Idempotent: releasing
// an already-available holding is a no-op success, per spec.md §4.10
// "releases are idempotent".
func (s *Service) Release(p ReleaseParams) (contracts.Holding, error) {
	payload := releasePayload{HoldingID: p.HoldingID}

	var result contracts.Holding
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Holdings[p.HoldingID]
			return nil
		}

		h, ok := st.Holdings[p.HoldingID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "holding not found")
		}
		if h.Status == contracts.HoldingReserved || h.Status == contracts.HoldingInSettlement {
			h.Status = contracts.HoldingAvailable
			h.ReservationID = ""
			h.SettlementCycleID = ""
			h.UpdatedAt = p.Now
			st.Holdings[p.HoldingID] = h
		}
		result = st.Holdings[p.HoldingID]
		return idempotency.Commit(st, p.Idempotency, payload, result, true)
	})
	return result, err
}

// BeginSettlementParams is the payload for BeginSettlement.
type BeginSettlementParams struct {
	Idempotency idempotency.Key
	HoldingID   string
	CycleID     string
	Now         time.Time
}

type beginSettlementPayload struct {
	HoldingID string
	CycleID   string
}

// BeginSettlement transitions a reserved holding into in_settlement,
// binding it to the settlement cycle driving it — the vault-mode
// counterpart of a settlement leg's pending -> deposited transition,
// except the "deposit" is the owner's standing custody rather than a
// fresh action.
func (s *Service) BeginSettlement(p BeginSettlementParams) (contracts.Holding, error) {
	payload := beginSettlementPayload{HoldingID: p.HoldingID, CycleID: p.CycleID}

	var result contracts.Holding
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Holdings[p.HoldingID]
			return nil
		}

		h, ok := st.Holdings[p.HoldingID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "holding not found")
		}
		if h.Status != contracts.HoldingReserved {
			return apierr.New(apierr.CodeConflict, "holding is not reserved").WithReason("holding_not_reserved")
		}

		h.Status = contracts.HoldingInSettlement
		h.SettlementCycleID = p.CycleID
		h.UpdatedAt = p.Now
		st.Holdings[p.HoldingID] = h
		result = h
		return idempotency.Commit(st, p.Idempotency, payload, h, true)
	})
	return result, err
}

// WithdrawParams is the payload for Withdraw.
type WithdrawParams struct {
	Idempotency idempotency.Key
	HoldingID   string
	OwnerActor  contracts.ActorRef
	Now         time.Time
}

type withdrawPayload struct {
	HoldingID     string
	OwnerActorKey string
}

// Withdraw removes an available holding from vault custody permanently.
// A reserved or in-settlement holding cannot be withdrawn out from under
// a live reservation.
func (s *Service) Withdraw(p WithdrawParams) (contracts.Holding, error) {
	payload := withdrawPayload{HoldingID: p.HoldingID, OwnerActorKey: p.OwnerActor.Key()}

	var result contracts.Holding
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			result = st.Holdings[p.HoldingID]
			return nil
		}

		h, ok := st.Holdings[p.HoldingID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "holding not found")
		}
		if h.OwnerActor != p.OwnerActor {
			return apierr.New(apierr.CodeForbidden, "actor does not own this holding").WithReason("not_owner")
		}
		if h.Status == contracts.HoldingWithdrawn {
			result = h
			return idempotency.Commit(st, p.Idempotency, payload, h, true)
		}
		if h.Status != contracts.HoldingAvailable {
			return apierr.New(apierr.CodeConflict, "holding is not available to withdraw").WithReason("holding_not_available")
		}

		h.Status = contracts.HoldingWithdrawn
		h.UpdatedAt = p.Now
		st.Holdings[p.HoldingID] = h
		result = h
		return idempotency.Commit(st, p.Idempotency, payload, h, true)
	})
	return result, err
}
