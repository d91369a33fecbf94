// Package transparency implements the append-only transparency log of
// spec.md §4.13: batches of entries are published under a source type,
// each batch merkle-rooted over its own entries and hash-chained to the
// previous batch published under that same source type, the same
// append-only, hash-chained idiom as pkg/ledger.Ledger.Append/Verify,
// generalized from a single flat per-type ledger to merkle-rooted
// batches. The store-backed ChainHash is canonical; each Service also
// keeps a pkg/ledger.Ledger per source type as a secondary, process-
// local tamper-evidence index that can be spot-checked with Verify
// without touching the store lock.
package transparency

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/idempotency"
	"github.com/swapmesh/marketd/pkg/ledger"
	"github.com/swapmesh/marketd/pkg/merkle"
	"github.com/swapmesh/marketd/pkg/store"
)

// Service publishes and verifies transparency log batches over a store.
type Service struct {
	store store.Store

	chainsMu sync.Mutex
	chains   map[string]*ledger.Ledger // source type -> secondary hash chain
}

// NewService builds a transparency Service.
func NewService(s store.Store) *Service {
	return &Service{store: s, chains: make(map[string]*ledger.Ledger)}
}

// chainFor returns the secondary ledger for sourceType, creating it on
// first use.
func (s *Service) chainFor(sourceType string) *ledger.Ledger {
	s.chainsMu.Lock()
	defer s.chainsMu.Unlock()
	l, ok := s.chains[sourceType]
	if !ok {
		l = ledger.NewLedger(ledger.LedgerType(sourceType))
		s.chains[sourceType] = l
	}
	return l
}

// LedgerHead returns the secondary ledger's current head hash for
// sourceType, "genesis" if nothing has published under it yet in this
// process.
func (s *Service) LedgerHead(sourceType string) string {
	return s.chainFor(sourceType).Head()
}

// VerifyLedger recomputes the secondary ledger's hash chain for
// sourceType and reports whether it's intact. This only covers
// publications made since the process started; it is not a substitute
// for VerifyChain, which recomputes the canonical store-backed chain.
func (s *Service) VerifyLedger(sourceType string) (bool, string) {
	return s.chainFor(sourceType).Verify()
}

// PublishParams is the payload for Publish.
type PublishParams struct {
	Idempotency idempotency.Key
	SourceType  string
	Entries     []interface{}
	Now         time.Time
}

type publishPayload struct {
	SourceType string        `json:"source_type"`
	Entries    []interface{} `json:"entries"`
}

// Publish merkle-roots entries and appends them as the next batch in
// SourceType's chain. A replay under the same idempotency key and
// identical content is a no-op returning the original publication,
// per spec.md §4.13.
func (s *Service) Publish(p PublishParams) (contracts.TransparencyPublication, error) {
	payload := publishPayload{SourceType: p.SourceType, Entries: p.Entries}

	var result contracts.TransparencyPublication
	var replayed bool
	err := s.store.WithLock(func(st *store.State) error {
		res, err := idempotency.Begin(st, p.Idempotency, payload)
		if err != nil {
			return err
		}
		if res.Replayed {
			replayed = true
			return json.Unmarshal(res.Body, &result)
		}

		leaves := make(map[string]interface{}, len(p.Entries))
		for i, e := range p.Entries {
			leaves[fmt.Sprintf("%d", i)] = e
		}
		tree, err := merkle.BuildMerkleTree(leaves)
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to build batch merkle tree")
		}

		prevRootHash, prevChainHash := previousBatch(st, p.SourceType)
		chainHash, err := batchChainHash(prevChainHash, tree.Root)
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to compute chain hash")
		}

		entriesRaw := make([]json.RawMessage, len(p.Entries))
		for i, e := range p.Entries {
			b, err := json.Marshal(e)
			if err != nil {
				return apierr.New(apierr.CodeValidation, "failed to serialize batch entries")
			}
			entriesRaw[i] = b
		}

		pub := contracts.TransparencyPublication{
			PublicationID:    uuid.New().String(),
			PublicationIndex: uint64(len(st.TransparencyPublications)) + 1,
			SourceType:       p.SourceType,
			Entries:          entriesRaw,
			RootHash:         tree.Root,
			PreviousRootHash: prevRootHash,
			ChainHash:        chainHash,
			CreatedAt:        p.Now,
		}
		st.TransparencyPublications = append(st.TransparencyPublications, pub)
		result = pub
		return idempotency.Commit(st, p.Idempotency, payload, pub, true)
	})
	if err == nil && !replayed {
		s.chainFor(p.SourceType).Append("publication", "", map[string]interface{}{
			"publication_id": result.PublicationID,
			"root_hash":      result.RootHash,
			"chain_hash":     result.ChainHash,
		})
	}
	return result, err
}

// previousBatch returns the root hash and chain hash of the most recent
// publication under sourceType, or empty strings if none exists yet.
func previousBatch(st *store.State, sourceType string) (rootHash, chainHash string) {
	for i := len(st.TransparencyPublications) - 1; i >= 0; i-- {
		pub := st.TransparencyPublications[i]
		if pub.SourceType == sourceType {
			return pub.RootHash, pub.ChainHash
		}
	}
	return "", ""
}

type chainHashInput struct {
	PreviousChainHash string `json:"previous_chain_hash"`
	RootHash          string `json:"root_hash"`
}

func batchChainHash(previousChainHash, rootHash string) (string, error) {
	return canonicalize.HashTransparencyBatch(chainHashInput{PreviousChainHash: previousChainHash, RootHash: rootHash})
}

// VerifyChain recomputes every batch's chain hash under sourceType and
// reports whether the stored chain is intact, the way the teacher's
// Ledger.Verify recomputes every entry's content hash.
func VerifyChain(publications []contracts.TransparencyPublication, sourceType string) error {
	prevRoot, prevChain := "", ""
	for _, pub := range publications {
		if pub.SourceType != sourceType {
			continue
		}
		if pub.PreviousRootHash != prevRoot {
			return fmt.Errorf("transparency: chain broken at publication %s: expected previous_root_hash %q, got %q", pub.PublicationID, prevRoot, pub.PreviousRootHash)
		}
		want, err := batchChainHash(prevChain, pub.RootHash)
		if err != nil {
			return fmt.Errorf("transparency: failed to recompute chain hash for %s: %w", pub.PublicationID, err)
		}
		if want != pub.ChainHash {
			return fmt.Errorf("transparency: chain hash mismatch at publication %s", pub.PublicationID)
		}
		prevRoot, prevChain = pub.RootHash, pub.ChainHash
	}
	return nil
}
