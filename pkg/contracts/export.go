package contracts

import (
	"encoding/json"
	"time"
)

// ExportCheckpoint is the retained continuation token for a paginated
// signed export stream.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ExportCheckpoint struct {
	StreamID           string    `json:"stream_id"`
	CheckpointHash     string    `json:"checkpoint_hash"`
	NextCursor         string    `json:"next_cursor"`
	AttestationChainHash string  `json:"attestation_chain_hash"`
	ExportedAt         time.Time `json:"exported_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Attestation chains one export page to the prior page's export hash.
type Attestation struct {
	AttestationAfter string `json:"attestation_after"`
	ChainHash        string `json:"chain_hash"`
}

// Checkpoint describes the pagination continuation for an export page.
type Checkpoint struct {
	CheckpointAfter string `json:"checkpoint_after"`
	CheckpointHash  string `json:"checkpoint_hash"`
	NextCursor      string `json:"next_cursor,omitempty"`
}

// ExportEnvelope is the canonical JSON shape returned by every signed
// export endpoint (spec §4.12 / §6).
type ExportEnvelope struct {
	Entries        []json.RawMessage `json:"entries"`
	TotalFiltered  int               `json:"total_filtered"`
	NextCursor     string            `json:"next_cursor,omitempty"`
	ExportHash     string            `json:"export_hash"`
	Attestation    *Attestation      `json:"attestation,omitempty"`
	Checkpoint     *Checkpoint       `json:"checkpoint,omitempty"`
	Signature      Signature         `json:"signature"`
}

// LiquidityProvider is a registered market maker that can act as a
// counterparty of last resort within cycles.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LiquidityProvider struct {
	ProviderID string    `json:"provider_id"`
	PartnerID  string    `json:"partner_id,omitempty"`
	Name       string    `json:"name"`
	Status     string    `json:"status"` // active, suspended
	Version    int       `json:"version"`
	Personas   []LiquidityPersona `json:"personas,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LiquidityPersona is a scoped execution profile under a provider (e.g.
// distinct risk appetite or asset-category specialization).
type LiquidityPersona struct {
	PersonaID   string   `json:"persona_id"`
	Name        string   `json:"name"`
	Categories  []string `json:"categories,omitempty"`
	MaxValueUSD float64  `json:"max_value_usd,omitempty"`
}

// HoldingLeaf is one entry in an inventory snapshot's merkle tree.
type HoldingLeaf struct {
	HoldingID string `json:"holding_id"`
	LeafHash  string `json:"leaf_hash"`
}

// LiquidityHolding is one unit of a provider's live inventory: the
// mutable record reserve/release batches act on, distinct from the
// point-in-time HoldingLeaf an InventorySnapshot merkle-roots.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LiquidityHolding struct {
	HoldingID     string    `json:"holding_id"`
	ProviderID    string    `json:"provider_id"`
	Category      string    `json:"category"`
	ValueUSD      float64   `json:"value_usd"`
	Status        string    `json:"status"` // available, reserved
	ReservationID string    `json:"reservation_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InventorySnapshot records a liquidity provider's point-in-time holdings.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type InventorySnapshot struct {
	SnapshotID string        `json:"snapshot_id"`
	ProviderID string        `json:"provider_id"`
	TakenAt    time.Time     `json:"taken_at"`
	Leaves     []HoldingLeaf `json:"leaves"`
	RootHash   string        `json:"root_hash"`
}

// InclusionProof proves a holding's membership in an inventory snapshot's
// merkle tree.
type InclusionProof struct {
	LeafIndex int               `json:"leaf_index"`
	Siblings  []ProofSibling    `json:"siblings"`
}

// ProofSibling is one step of a merkle inclusion proof.
type ProofSibling struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" or "right"
}

// ReservationOutcome enumerates per-entry outcomes of a liquidity
// reserve/release batch.
type ReservationOutcome string

const (
	OutcomeSuccess        ReservationOutcome = "success"
	OutcomeConflict       ReservationOutcome = "conflict"
	OutcomeNotAvailable   ReservationOutcome = "not_available"
	OutcomeContextMismatch ReservationOutcome = "context_mismatch"
	OutcomeAssetNotFound  ReservationOutcome = "asset_not_found"
)

// TransparencyPublication is one append-only batch in the transparency
// log.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TransparencyPublication struct {
	PublicationID      string          `json:"publication_id"`
	PublicationIndex   uint64          `json:"publication_index"`
	SourceType         string          `json:"source_type"`
	Entries            []json.RawMessage `json:"entries"`
	RootHash           string          `json:"root_hash"`
	PreviousRootHash   string          `json:"previous_root_hash"`
	ChainHash          string          `json:"chain_hash"`
	CreatedAt          time.Time       `json:"created_at"`
}

// MatchingRun records one invocation of the matcher.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type MatchingRun struct {
	RunID                  string         `json:"run_id"`
	PartnerID              string         `json:"partner_id,omitempty"`
	SelectedProposalsCount int            `json:"selected_proposals_count"`
	Stats                  MatchingStats  `json:"stats"`
	ProposalIDs            []string       `json:"proposal_ids"`
	RoutedToV2             bool           `json:"routed_to_v2"`
	FallbackToV1           bool           `json:"fallback_to_v1"`
	Rollback               RollbackState  `json:"rollback"`
	CreatedAt              time.Time      `json:"created_at"`
}

// MatchingStats carries summary counters from a matching run.
type MatchingStats struct {
	CandidateIntents int `json:"candidate_intents"`
	CyclesFound      int `json:"cycles_found"`
	ProposalsEmitted int `json:"proposals_emitted"`
	ExpiredPrior     int `json:"expired_prior"`
}

// RollbackState captures the canary engine's rollback status as of a run.
type RollbackState struct {
	Active        bool   `json:"active"`
	ActiveAfter   bool   `json:"active_after"`
	ReasonCode    string `json:"reason_code,omitempty"`
	ReasonCodeAfter string `json:"reason_code_after,omitempty"`
}
