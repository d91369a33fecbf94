// Package store implements the marketplace's single-writer state store:
// a structured document of named collections persisted either as a JSON
// file (temp-write + atomic rename) or a SQLite WAL-backed table, with
// identical canonical-form semantics across both backends.
package store

import (
	"encoding/json"
	"errors"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// Sentinel errors shared by every component that calls into the store.
var (
	ErrNotFound = errors.New("NOT_FOUND")
	ErrConflict = errors.New("CONFLICT")
)

// IdempotencyRecord is the stored result of a prior write keyed by
// (operation_id, actor_key, client_key), per spec.md §4.3.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type IdempotencyRecord struct {
	PayloadHash string          `json:"payload_hash"`
	ResultBody  json.RawMessage `json:"result_body"`
	ResultOK    bool            `json:"result_ok"`
}

// State is the full structured document the store persists: every named
// collection from spec.md §3, plus the domain additions from
// SPEC_FULL.md §3.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type State struct {
	Version uint64 `json:"version"`

	Intents      map[string]contracts.SwapIntent      `json:"intents"`
	Proposals    map[string]contracts.CycleProposal    `json:"proposals"`
	Commits      map[string]contracts.Commit           `json:"commits"`
	Reservations map[string]string                     `json:"reservations"` // intent_id -> proposal_id
	Timelines    map[string]contracts.SettlementTimeline `json:"timelines"`
	Receipts     map[string]contracts.Receipt          `json:"receipts"`
	Events       []contracts.EventEnvelope              `json:"events"`
	Idempotency  map[string]IdempotencyRecord           `json:"idempotency"`

	Holdings     map[string]contracts.Holding     `json:"holdings"`
	Delegations  map[string]contracts.Delegation  `json:"delegations"`
	ConsumedNonces map[string]bool                `json:"consumed_nonces"`
	PolicyAudit  []contracts.PolicyAuditEntry      `json:"policy_audit"`
	SpendByDelegationDay map[string]float64        `json:"spend_by_delegation_day"` // "delegation_id|2026-07-31" -> usd

	LiquidityProviders map[string]contracts.LiquidityProvider    `json:"liquidity_providers"`
	LiquidityHoldings  map[string]contracts.LiquidityHolding     `json:"liquidity_holdings"`
	InventorySnapshots map[string]contracts.InventorySnapshot    `json:"inventory_snapshots"`
	TransparencyPublications []contracts.TransparencyPublication `json:"transparency_publications"`
	MatchingRuns       map[string]contracts.MatchingRun          `json:"matching_runs"`
	Canary             contracts.CanaryState                     `json:"canary"`

	ExportCheckpoints map[string]contracts.ExportCheckpoint `json:"export_checkpoints"`
}

// NewState returns an empty, fully-initialized State.
func NewState() *State {
	return &State{
		Intents:              make(map[string]contracts.SwapIntent),
		Proposals:             make(map[string]contracts.CycleProposal),
		Commits:               make(map[string]contracts.Commit),
		Reservations:          make(map[string]string),
		Timelines:             make(map[string]contracts.SettlementTimeline),
		Receipts:              make(map[string]contracts.Receipt),
		Events:                make([]contracts.EventEnvelope, 0),
		Idempotency:           make(map[string]IdempotencyRecord),
		Holdings:              make(map[string]contracts.Holding),
		Delegations:           make(map[string]contracts.Delegation),
		ConsumedNonces:        make(map[string]bool),
		PolicyAudit:           make([]contracts.PolicyAuditEntry, 0),
		SpendByDelegationDay:  make(map[string]float64),
		LiquidityProviders:    make(map[string]contracts.LiquidityProvider),
		LiquidityHoldings:     make(map[string]contracts.LiquidityHolding),
		InventorySnapshots:    make(map[string]contracts.InventorySnapshot),
		TransparencyPublications: make([]contracts.TransparencyPublication, 0),
		MatchingRuns:          make(map[string]contracts.MatchingRun),
		ExportCheckpoints:     make(map[string]contracts.ExportCheckpoint),
	}
}

// Counts summarizes collection sizes, returned by Migrate per spec.md §4.2.
type Counts struct {
	Intents      int `json:"intents"`
	Proposals    int `json:"proposals"`
	Commits      int `json:"commits"`
	Timelines    int `json:"timelines"`
	Receipts     int `json:"receipts"`
	Events       int `json:"events"`
}

func countOf(s *State) Counts {
	return Counts{
		Intents:   len(s.Intents),
		Proposals: len(s.Proposals),
		Commits:   len(s.Commits),
		Timelines: len(s.Timelines),
		Receipts:  len(s.Receipts),
		Events:    len(s.Events),
	}
}

// Store is the public contract every backend satisfies: load-or-init on
// construction, and a serialized write critical section via WithLock.
// A writer path is a single conceptual critical section: load-or-retain,
// validate, mutate, persist, release (spec.md §5).
type Store interface {
	// WithLock runs fn holding the single writer lock, passing the live
	// state for in-place mutation. If fn returns a non-nil error, the
	// mutation is discarded and not persisted. On success, the state is
	// persisted durably before WithLock returns.
	WithLock(fn func(*State) error) error

	// Snapshot returns a deep-enough copy of the current state for
	// consistent reads (exports must never observe a partial write).
	Snapshot() *State

	// Backend identifies the persistence mode for /healthz.
	Backend() string
}
