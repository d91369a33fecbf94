// Package liquidity implements the registration, inventory, and
// reserve/release lifecycle of spec.md §4.14. Provider and persona
// registration generalizes the teacher's
// pkg/tenants/provisioner.go (create-and-version a long-lived
// resource record under a write lock, returning the updated record
// rather than a separate credential); inventory snapshots and their
// inclusion proofs reuse pkg/merkle.
package liquidity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/coldstore"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/credentials"
	"github.com/swapmesh/marketd/pkg/merkle"
	"github.com/swapmesh/marketd/pkg/store"
)

// Service manages liquidity providers, personas, inventory, and
// reservations over a store.
type Service struct {
	store store.Store

	// credentials holds partner integration secrets (inventory feed
	// API keys, settlement webhook signing secrets) for registered
	// providers. Nil unless a Postgres credential store was wired in
	// by the caller — marketd runs perfectly well without it, it just
	// can't take partner credential submissions.
	credentials *credentials.Store

	// archiver uploads inventory snapshots to cold storage (a
	// GCSArchiver in production). Nil unless wired in, in which case
	// SnapshotInventory skips the upload — the store-held snapshot
	// remains the canonical record either way.
	archiver coldstore.Archiver
}

// NewService builds a liquidity Service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// WithCredentialStore enables partner credential submission and
// retrieval on this Service.
func (s *Service) WithCredentialStore(cs *credentials.Store) *Service {
	s.credentials = cs
	return s
}

// WithArchiver attaches a cold-storage archiver for inventory snapshots
// and returns s for chaining.
func (s *Service) WithArchiver(archiver coldstore.Archiver) *Service {
	s.archiver = archiver
	return s
}

// SaveProviderCredential stores an encrypted partner credential for an
// already-registered provider.
func (s *Service) SaveProviderCredential(ctx context.Context, providerID string, cred *credentials.Credential) error {
	if s.credentials == nil {
		return apierr.New(apierr.CodeInternal, "credential storage is not configured on this deployment")
	}
	if _, ok := s.store.Snapshot().LiquidityProviders[providerID]; !ok {
		return apierr.New(apierr.CodeNotFound, "liquidity provider not found")
	}
	cred.ProviderID = providerID
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	return s.credentials.SaveCredential(ctx, cred)
}

// ProviderCredentialStatus reports which partner credentials a
// provider has configured, without exposing the secrets themselves.
func (s *Service) ProviderCredentialStatus(ctx context.Context, providerID string) ([]credentials.CredentialStatus, error) {
	if s.credentials == nil {
		return nil, apierr.New(apierr.CodeInternal, "credential storage is not configured on this deployment")
	}
	return s.credentials.GetStatus(ctx, providerID)
}

// RegisterProviderParams creates or updates a provider. An empty
// ProviderID registers a new provider; a populated one re-registers
// an existing provider and bumps its Version, the way
// PostgresProvisioner.Create seeds a fresh tenant record but under a
// single mutable row instead of an insert-only one.
type RegisterProviderParams struct {
	ProviderID string
	PartnerID  string
	Name       string
	Now        time.Time
}

// RegisterProvider inserts a new provider (Version 1) or updates an
// existing one (Version+1, Status preserved, PartnerID immutable once
// set).
func (s *Service) RegisterProvider(p RegisterProviderParams) (contracts.LiquidityProvider, error) {
	var result contracts.LiquidityProvider
	err := s.store.WithLock(func(st *store.State) error {
		if p.ProviderID == "" {
			provider := contracts.LiquidityProvider{
				ProviderID: uuid.New().String(),
				PartnerID:  p.PartnerID,
				Name:       p.Name,
				Status:     "active",
				Version:    1,
				CreatedAt:  p.Now,
				UpdatedAt:  p.Now,
			}
			st.LiquidityProviders[provider.ProviderID] = provider
			result = provider
			return nil
		}

		existing, ok := st.LiquidityProviders[p.ProviderID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "liquidity provider not found")
		}
		existing.Name = p.Name
		existing.Version++
		existing.UpdatedAt = p.Now
		st.LiquidityProviders[p.ProviderID] = existing
		result = existing
		return nil
	})
	return result, err
}

// GetProvider returns a registered provider by id.
func (s *Service) GetProvider(providerID string) (contracts.LiquidityProvider, error) {
	snap := s.store.Snapshot()
	provider, ok := snap.LiquidityProviders[providerID]
	if !ok {
		return contracts.LiquidityProvider{}, apierr.New(apierr.CodeNotFound, "liquidity provider not found")
	}
	return provider, nil
}

// RegisterPersonaParams adds or replaces a persona under a provider.
type RegisterPersonaParams struct {
	ProviderID  string
	PersonaID   string
	Name        string
	Categories  []string
	MaxValueUSD float64
	Now         time.Time
}

// RegisterPersona upserts a persona scoped under ProviderID and bumps
// the provider's Version, since a persona change is a change to the
// provider's registered configuration.
func (s *Service) RegisterPersona(p RegisterPersonaParams) (contracts.LiquidityProvider, error) {
	var result contracts.LiquidityProvider
	err := s.store.WithLock(func(st *store.State) error {
		provider, ok := st.LiquidityProviders[p.ProviderID]
		if !ok {
			return apierr.New(apierr.CodeNotFound, "liquidity provider not found")
		}

		personaID := p.PersonaID
		if personaID == "" {
			personaID = uuid.New().String()
		}
		persona := contracts.LiquidityPersona{
			PersonaID:   personaID,
			Name:        p.Name,
			Categories:  p.Categories,
			MaxValueUSD: p.MaxValueUSD,
		}

		replaced := false
		for i, existing := range provider.Personas {
			if existing.PersonaID == personaID {
				provider.Personas[i] = persona
				replaced = true
				break
			}
		}
		if !replaced {
			provider.Personas = append(provider.Personas, persona)
		}
		provider.Version++
		provider.UpdatedAt = p.Now
		st.LiquidityProviders[p.ProviderID] = provider
		result = provider
		return nil
	})
	return result, err
}

// SeedHoldingParams registers one unit of a provider's inventory as
// available. Real deployments would sync this from the provider's own
// ledger; tests and administrative tooling call it directly.
type SeedHoldingParams struct {
	ProviderID string
	HoldingID  string
	Category   string
	ValueUSD   float64
	Now        time.Time
}

// SeedHolding registers an available holding under a provider.
func (s *Service) SeedHolding(p SeedHoldingParams) (contracts.LiquidityHolding, error) {
	var result contracts.LiquidityHolding
	err := s.store.WithLock(func(st *store.State) error {
		if _, ok := st.LiquidityProviders[p.ProviderID]; !ok {
			return apierr.New(apierr.CodeNotFound, "liquidity provider not found")
		}
		holding := contracts.LiquidityHolding{
			HoldingID:  p.HoldingID,
			ProviderID: p.ProviderID,
			Category:   p.Category,
			ValueUSD:   p.ValueUSD,
			Status:     "available",
			UpdatedAt:  p.Now,
		}
		st.LiquidityHoldings[p.HoldingID] = holding
		result = holding
		return nil
	})
	return result, err
}

// SnapshotInventory merkle-roots a provider's current holdings into an
// InventorySnapshot via pkg/merkle.BuildMerkleTree, keyed here by
// holding id instead of a JSON path.
func (s *Service) SnapshotInventory(providerID string, now time.Time) (contracts.InventorySnapshot, error) {
	var result contracts.InventorySnapshot
	err := s.store.WithLock(func(st *store.State) error {
		if _, ok := st.LiquidityProviders[providerID]; !ok {
			return apierr.New(apierr.CodeNotFound, "liquidity provider not found")
		}

		leaves := make(map[string]interface{})
		for id, holding := range st.LiquidityHoldings {
			if holding.ProviderID != providerID {
				continue
			}
			leaves[id] = holding
		}

		tree, err := merkle.BuildMerkleTree(leaves)
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to build inventory merkle tree")
		}

		holdingLeaves := make([]contracts.HoldingLeaf, len(tree.Leaves))
		for i, leaf := range tree.Leaves {
			holdingLeaves[i] = contracts.HoldingLeaf{HoldingID: leaf.Path, LeafHash: leaf.LeafHash}
		}

		snapshot := contracts.InventorySnapshot{
			SnapshotID: uuid.New().String(),
			ProviderID: providerID,
			TakenAt:    now,
			Leaves:     holdingLeaves,
			RootHash:   tree.Root,
		}
		st.InventorySnapshots[snapshot.SnapshotID] = snapshot
		result = snapshot
		return nil
	})
	if err == nil && s.archiver != nil {
		if body, marshalErr := json.Marshal(result); marshalErr == nil {
			key := fmt.Sprintf("inventory/%s/%s.json", providerID, result.SnapshotID)
			_, _ = s.archiver.Archive(context.Background(), key, body) // best-effort: store remains authoritative
		}
	}
	return result, err
}

// VerifyHolding proves holdingID's membership in snapshot via a fresh
// inclusion proof recomputed from the snapshot's recorded leaves, then
// checks it against RootHash.
func VerifyHolding(snapshot contracts.InventorySnapshot, holdingID string) (contracts.InclusionProof, bool, error) {
	leafIndex := -1
	for i, leaf := range snapshot.Leaves {
		if leaf.HoldingID == holdingID {
			leafIndex = i
			break
		}
	}
	if leafIndex < 0 {
		return contracts.InclusionProof{}, false, fmt.Errorf("liquidity: holding %q not present in snapshot %q", holdingID, snapshot.SnapshotID)
	}

	hashes := make([]string, len(snapshot.Leaves))
	for i, leaf := range snapshot.Leaves {
		hashes[i] = leaf.LeafHash
	}
	tree := merkle.RebuildFromLeafHashes(hashes)

	proof, err := merkle.GenerateInclusionProof(tree, leafIndex)
	if err != nil {
		return contracts.InclusionProof{}, false, err
	}
	ok := merkle.VerifyInclusionProof(proof, tree.Leaves[leafIndex].LeafHash, snapshot.RootHash)
	return proof, ok, nil
}

// ReservationRequest is one entry of a reserve or release batch.
type ReservationRequest struct {
	HoldingID     string
	ProviderID    string
	Category      string // optional for reserve; when set, must match the holding's registered category
	MaxValueUSD   float64 // optional for reserve; when above zero, the holding must not exceed this
	ReservationID string  // optional for release; when set, must match the holding's current reservation
}

// ReservationResult is the per-entry outcome of a reserve or release
// batch entry.
type ReservationResult struct {
	HoldingID string
	Outcome   contracts.ReservationOutcome
}

// ReserveBatch attempts to reserve every entry in one write critical
// section, so a batch observes a single consistent view of inventory
// and partial-batch interleaving with another batch is impossible.
// Per-entry failures do not abort the batch; spec.md §4.14 returns
// per-entry outcomes rather than an all-or-nothing transaction.
func (s *Service) ReserveBatch(requests []ReservationRequest, now time.Time) ([]ReservationResult, error) {
	results := make([]ReservationResult, len(requests))
	err := s.store.WithLock(func(st *store.State) error {
		for i, req := range requests {
			results[i] = reserveOne(st, req, now)
		}
		return nil
	})
	return results, err
}

func reserveOne(st *store.State, req ReservationRequest, now time.Time) ReservationResult {
	holding, ok := st.LiquidityHoldings[req.HoldingID]
	if !ok {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeAssetNotFound}
	}
	if holding.ProviderID != req.ProviderID {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeAssetNotFound}
	}
	if req.Category != "" && holding.Category != req.Category {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeContextMismatch}
	}
	if req.MaxValueUSD > 0 && holding.ValueUSD > req.MaxValueUSD {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeContextMismatch}
	}
	if holding.Status == "reserved" {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeConflict}
	}

	holding.Status = "reserved"
	holding.ReservationID = uuid.New().String()
	holding.UpdatedAt = now
	st.LiquidityHoldings[req.HoldingID] = holding
	return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeSuccess}
}

// ReleaseBatch releases every entry in one write critical section,
// mirroring ReserveBatch's isolation and per-entry outcome contract.
func (s *Service) ReleaseBatch(requests []ReservationRequest, now time.Time) ([]ReservationResult, error) {
	results := make([]ReservationResult, len(requests))
	err := s.store.WithLock(func(st *store.State) error {
		for i, req := range requests {
			results[i] = releaseOne(st, req, now)
		}
		return nil
	})
	return results, err
}

func releaseOne(st *store.State, req ReservationRequest, now time.Time) ReservationResult {
	holding, ok := st.LiquidityHoldings[req.HoldingID]
	if !ok {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeAssetNotFound}
	}
	if holding.ProviderID != req.ProviderID {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeAssetNotFound}
	}
	if holding.Status != "reserved" {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeNotAvailable}
	}
	if req.ReservationID != "" && holding.ReservationID != req.ReservationID {
		return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeConflict}
	}

	holding.Status = "available"
	holding.ReservationID = ""
	holding.UpdatedAt = now
	st.LiquidityHoldings[req.HoldingID] = holding
	return ReservationResult{HoldingID: req.HoldingID, Outcome: contracts.OutcomeSuccess}
}
