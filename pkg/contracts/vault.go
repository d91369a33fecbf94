package contracts

import "time"

// HoldingStatus enumerates the lifecycle of a vault-held asset.
type HoldingStatus string

const (
	HoldingAvailable   HoldingStatus = "available"
	HoldingReserved    HoldingStatus = "reserved"
	HoldingInSettlement HoldingStatus = "in_settlement"
	HoldingWithdrawn   HoldingStatus = "withdrawn"
	HoldingNotAvailable HoldingStatus = "not_available"
)

// Holding is a vault-custodied asset available to back a vault-mode
// settlement leg without requiring the owner to deposit it directly.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Holding struct {
	HoldingID         string          `json:"holding_id"`
	OwnerActor        ActorRef        `json:"owner_actor"`
	Asset             AssetDescriptor `json:"asset"`
	Status            HoldingStatus   `json:"status"`
	ReservationID     string          `json:"reservation_id,omitempty"`
	SettlementCycleID string          `json:"settlement_cycle_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
