// Package contracts defines the shared domain entities for the swap
// marketplace runtime: intents, cycle proposals, commits, settlement
// timelines, receipts, and the envelopes that travel between components.
package contracts

import (
	"encoding/json"
	"time"
)

// ActorType enumerates the kinds of actors that can hold a swap intent or
// act on a cycle.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorPartner ActorType = "partner"
	ActorAgent   ActorType = "agent"
)

// ActorRef identifies a participant without implying ownership of anything
// beyond its own identity.
type ActorRef struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Key returns a stable string form used for map keys and hashing.
func (a ActorRef) Key() string {
	return string(a.Type) + ":" + a.ID
}

// AssetMetadata carries the pricing and provenance context for an asset.
type AssetMetadata struct {
	ValueUSD float64 `json:"value_usd"`
}

// AssetDescriptor references a platform-native asset by its identifiers;
// the runtime never takes physical custody.
type AssetDescriptor struct {
	Platform  string          `json:"platform"`
	AppID     string          `json:"app_id"`
	ContextID string          `json:"context_id"`
	AssetID   string          `json:"asset_id"`
	Metadata  AssetMetadata   `json:"metadata"`
	Proof     json.RawMessage `json:"proof,omitempty"`
}

// Key returns a stable identifier for an asset, used to match offers
// against want specs.
func (a AssetDescriptor) Key() string {
	return a.Platform + "/" + a.AppID + "/" + a.ContextID + "/" + a.AssetID
}

// WantAlternative is one disjunct of a want specification: either a
// specific asset or a category predicate evaluated against an offer.
type WantAlternative struct {
	Platform string `json:"platform,omitempty"`
	AppID    string `json:"app_id,omitempty"`
	AssetID  string `json:"asset_id,omitempty"` // empty means "any asset_id" within platform/app/category
	Category string `json:"category,omitempty"`
}

// Satisfies reports whether the given asset matches this alternative's
// Platform, AppID and AssetID; Category is not consulted.
func (w WantAlternative) Satisfies(a AssetDescriptor) bool {
	if w.Platform != "" && w.Platform != a.Platform {
		return false
	}
	if w.AppID != "" && w.AppID != a.AppID {
		return false
	}
	if w.AssetID != "" && w.AssetID != a.AssetID {
		return false
	}
	return true
}

// WantSpec is a disjunction of acceptable assets.
type WantSpec struct {
	Any []WantAlternative `json:"any"`
}

// SatisfiedBy reports whether any offered asset in offer satisfies this
// want spec, returning the first matching asset.
func (w WantSpec) SatisfiedBy(offer []AssetDescriptor) (AssetDescriptor, bool) {
	for _, alt := range w.Any {
		for _, a := range offer {
			if alt.Satisfies(a) {
				return a, true
			}
		}
	}
	return AssetDescriptor{}, false
}

// ValueBand bounds the acceptable total USD value of an intent's offer.
type ValueBand struct {
	MinUSD        float64 `json:"min_usd"`
	MaxUSD        float64 `json:"max_usd"`
	PricingSource string  `json:"pricing_source"`
}

// Valid reports whether the band is monotone (min <= max, both non-negative).
func (v ValueBand) Valid() bool {
	return v.MinUSD >= 0 && v.MaxUSD >= v.MinUSD
}

// TrustConstraints bounds cycle participation.
type TrustConstraints struct {
	MaxCycleLength          int     `json:"max_cycle_length"`
	MinCounterpartyReliability float64 `json:"min_counterparty_reliability"`
}

// TimeConstraints bounds the intent's lifetime.
type TimeConstraints struct {
	ExpiresAt time.Time `json:"expires_at"`
	Urgency   string    `json:"urgency,omitempty"`
}

// SettlementPreferences carries settlement-mode preferences.
type SettlementPreferences struct {
	RequireEscrow bool `json:"require_escrow"`
}

// IntentStatus enumerates the lifecycle states of a SwapIntent.
type IntentStatus string

const (
	IntentActive    IntentStatus = "active"
	IntentReserved  IntentStatus = "reserved"
	IntentCommitted IntentStatus = "committed"
	IntentCancelled IntentStatus = "cancelled"
	IntentSettled   IntentStatus = "settled"
)

// SwapIntent is a user's declared willingness to trade offered assets for
// assets matching a want specification within a value band.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type SwapIntent struct {
	ID                    string                `json:"id"`
	PartnerID             string                `json:"partner_id,omitempty"`
	Actor                 ActorRef              `json:"actor"`
	Offer                 []AssetDescriptor     `json:"offer"`
	WantSpec              WantSpec              `json:"want_spec"`
	ValueBand             ValueBand             `json:"value_band"`
	TrustConstraints      TrustConstraints      `json:"trust_constraints"`
	TimeConstraints       TimeConstraints       `json:"time_constraints"`
	SettlementPreferences SettlementPreferences `json:"settlement_preferences"`
	Status                IntentStatus          `json:"status"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// ParticipantLeg is one edge of a cycle: the intent that contributes it,
// who it moves from and to, and the asset and value involved.
type ParticipantLeg struct {
	IntentID string  `json:"intent_id"`
	From     ActorRef `json:"from"`
	To       ActorRef `json:"to"`
	AssetKey string  `json:"asset_key"`
	ValueUSD float64 `json:"value_usd"`
}

// CycleProposal is a closed chain of intents proposed by the matcher.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CycleProposal struct {
	ID                string            `json:"id"`
	PartnerID         string            `json:"partner_id,omitempty"`
	Participants      []ParticipantLeg  `json:"participants"`
	ValueClosureDelta float64           `json:"value_closure_delta"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// IntentIDs returns the ordered list of intent IDs participating in the
// proposal.
func (p CycleProposal) IntentIDs() []string {
	ids := make([]string, len(p.Participants))
	for i, leg := range p.Participants {
		ids[i] = leg.IntentID
	}
	return ids
}

// CommitPhase enumerates the lifecycle of a Commit.
type CommitPhase string

const (
	CommitAccepting CommitPhase = "accepting"
	CommitCommitted CommitPhase = "committed"
	CommitDeclined  CommitPhase = "declined"
	CommitExpired   CommitPhase = "expired"
)

// Commit is the two-phase acceptance object binding a proposal to
// reservations.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Commit struct {
	ID          string            `json:"id"`
	ProposalID  string            `json:"proposal_id"`
	PartnerID   string            `json:"partner_id,omitempty"`
	Phase       CommitPhase       `json:"phase"`
	Acceptances map[string]bool   `json:"acceptances"` // actor key -> accepted
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// LegStatus enumerates the lifecycle of a settlement leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegRefunded  LegStatus = "refunded"
)

// DepositMode distinguishes whether a leg is settled via user deposit or
// via vault-held inventory.
type DepositMode string

const (
	DepositModeDeposit DepositMode = "deposit"
	DepositModeVault   DepositMode = "vault"
)

// SettlementLeg tracks one participant's obligation within a timeline.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type SettlementLeg struct {
	IntentID         string            `json:"intent_id"`
	FromActor        ActorRef          `json:"from_actor"`
	ToActor          ActorRef          `json:"to_actor"`
	Assets           []AssetDescriptor `json:"assets"`
	Status           LegStatus         `json:"status"`
	DepositMode      DepositMode       `json:"deposit_mode"`
	DepositDeadlineAt time.Time        `json:"deposit_deadline_at"`
	DepositRef       string            `json:"deposit_ref,omitempty"`
}

// TimelineState enumerates the settlement state machine's states.
type TimelineState string

const (
	TimelineAccepted      TimelineState = "accepted"
	TimelineEscrowPending TimelineState = "escrow.pending"
	TimelineEscrowReady   TimelineState = "escrow.ready"
	TimelineExecuting     TimelineState = "executing"
	TimelineCompleted     TimelineState = "completed"
	TimelineFailed        TimelineState = "failed"
)

// timelineOrder gives each state its position for the no-regression
// invariant; terminal states (completed/failed) are reachable from any
// non-terminal predecessor and are not compared positionally to each other.
var timelineOrder = map[TimelineState]int{
	TimelineAccepted:      0,
	TimelineEscrowPending: 1,
	TimelineEscrowReady:   2,
	TimelineExecuting:     3,
	TimelineCompleted:     4,
	TimelineFailed:        4,
}

// Regresses reports whether moving from `from` to `to` would violate the
// ordered state list (spec invariant iii), except for the deposit-timeout
// path escrow.pending -> failed and the execution-error path
// executing -> failed, both of which are explicit forward transitions to
// a terminal state.
func Regresses(from, to TimelineState) bool {
	if to == TimelineFailed || to == TimelineCompleted {
		return false
	}
	return timelineOrder[to] < timelineOrder[from]
}

// SettlementTimeline is the per-cycle settlement state machine.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type SettlementTimeline struct {
	CycleID   string          `json:"cycle_id"`
	PartnerID string          `json:"partner_id,omitempty"`
	State     TimelineState   `json:"state"`
	Legs      []SettlementLeg `json:"legs"`
	UpdatedAt time.Time       `json:"updated_at"`

	DepositDeadlineAt time.Time `json:"deposit_deadline_at,omitempty"`
}

// ReceiptFinalState enumerates the terminal outcomes recorded on a Receipt.
type ReceiptFinalState string

const (
	ReceiptCompleted ReceiptFinalState = "completed"
	ReceiptFailed    ReceiptFinalState = "failed"
)

// Reason codes for settlement failure / transparency annotations.
const (
	ReasonDepositTimeout      = "deposit_timeout"
	ReasonExecutionError      = "execution_error"
	ReasonPartnerUnauthorized = "partner_unauthorized"
	ReasonCycleUnwound        = "cycle_unwound"
)

// Fee records a single fee line item charged against a cycle.
type Fee struct {
	Kind     string  `json:"kind"`
	AmountUSD float64 `json:"amount_usd"`
}

// ReceiptTransparency carries the optional reason code surfaced to
// auditors and participants.
type ReceiptTransparency struct {
	ReasonCode string `json:"reason_code,omitempty"`
}

// Signature is a detached signature over canonical bytes.
type Signature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

// Receipt is the terminal, signed record of a cycle's outcome.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Receipt struct {
	ID            string              `json:"id"`
	CycleID       string              `json:"cycle_id"`
	FinalState    ReceiptFinalState   `json:"final_state"`
	IntentIDs     []string            `json:"intent_ids"`
	AssetIDs      []string            `json:"asset_ids"`
	Fees          []Fee               `json:"fees,omitempty"`
	Transparency  ReceiptTransparency `json:"transparency,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	Signature     Signature           `json:"signature"`
}

// EventEnvelope is the outbox's unit of append; payload schema is selected
// by Type.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Actor         ActorRef        `json:"actor"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Event type constants, enumerated in spec §6.
const (
	EventProposalCreated      = "proposal.created"
	EventProposalCommitted    = "proposal.committed"
	EventProposalDeclined     = "proposal.declined"
	EventProposalExpired      = "proposal.expired"
	EventIntentReserved       = "intent.reserved"
	EventIntentUnreserved     = "intent.unreserved"
	EventCycleStateChanged    = "cycle.state_changed"
	EventSettlementDepositReq = "settlement.deposit_required"
	EventSettlementDepositOK  = "settlement.deposit_confirmed"
	EventSettlementExecuting  = "settlement.executing"
	EventReceiptCreated       = "receipt.created"
)
