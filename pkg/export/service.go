// Package export implements the signed, chained, checkpointed export
// framework of spec.md §4.12. It generalizes the teacher's
// pkg/audit/export.go (GeneratePack, single-shot evidence bundle) and
// pkg/store/audit_store.go's ExportBundle/VerifyBundle hash-chain scheme
// into a paginated stream: every page carries its own export hash, a
// chain-hash linking it to the prior page, a checkpoint continuation
// token with a retention TTL, and a detached signature over the whole
// envelope.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/coldstore"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/store"
)

// CheckpointTTL is how long a page's continuation token remains
// resolvable before EXPORT_CHECKPOINT_EXPIRED (spec.md §4.12).
const CheckpointTTL = 24 * time.Hour

// SortedEntry is one item of a stream's filtered, ordered result set.
// SortKey is the stable cursor value used both to slice pages and as
// cursor_after/attestation_after/checkpoint_after once this entry is
// the terminal entry of a page.
type SortedEntry struct {
	SortKey string
	Body    interface{}
}

// PageParams requests one page of a stream's export. Entries is the
// caller's full, already-filtered, already-ordered result set for the
// query (the export framework itself only paginates, hashes, chains,
// and signs — it does not know how to query any particular stream).
type PageParams struct {
	StreamID         string
	Entries          []SortedEntry
	Filters          map[string]string
	Cursor           string // the previous page's terminal sort key; "" for the first page
	AttestationAfter string // must equal the previous page's Attestation.AttestationAfter; "" for the first page
	CheckpointAfter  string // must equal the previous page's Checkpoint.CheckpointAfter; "" for the first page
	PageSize         int
	Now              time.Time
}

// Service produces signed export pages over a store's checkpoint table.
// One Service instance is shared by every stream (policy audit,
// transparency, liquidity reconciliation); streams are distinguished by
// StreamID.
type Service struct {
	store    store.Store
	signer   crypto.Signer
	cache    *CheckpointCache    // optional; nil disables the Redis fast path entirely
	archiver coldstore.Archiver // optional; nil skips cold-storage upload entirely
}

// NewService builds an export Service signing pages under signer.
func NewService(s store.Store, signer crypto.Signer) *Service {
	return &Service{store: s, signer: signer}
}

// WithCheckpointCache attaches a Redis-backed CheckpointCache and
// returns s for chaining. Optional: Page writes each new checkpoint to
// the cache but never reads from it, so Page and Verify behave
// identically without one.
func (s *Service) WithCheckpointCache(cache *CheckpointCache) *Service {
	s.cache = cache
	return s
}

// WithArchiver attaches a cold-storage archiver (an S3Archiver in
// production) and returns s for chaining. Optional: Page behaves
// identically without one, just without the cold-storage upload.
func (s *Service) WithArchiver(archiver coldstore.Archiver) *Service {
	s.archiver = archiver
	return s
}

type exportHashInput struct {
	Entries       []interface{}     `json:"entries"`
	Filters       map[string]string `json:"filters"`
	TotalFiltered int               `json:"total_filtered"`
}

type chainHashInput struct {
	PrevChainHash string `json:"prev_chain_hash"`
	ExportHash    string `json:"export_hash"`
}

type checkpointHashInput struct {
	StreamID      string `json:"stream_id"`
	NextCursor    string `json:"next_cursor"`
	ChainHash     string `json:"chain_hash"`
}

// Page slices, hashes, chains, checkpoints, and signs the next page of
// p.StreamID. The whole operation runs inside the store's write lock so
// the checkpoint update is atomic with the page it describes.
func (s *Service) Page(p PageParams) (contracts.ExportEnvelope, error) {
	var result contracts.ExportEnvelope
	err := s.store.WithLock(func(st *store.State) error {
		sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].SortKey < p.Entries[j].SortKey })

		isFirstPage := p.Cursor == "" && p.AttestationAfter == "" && p.CheckpointAfter == ""
		prevChainHash := ""
		existing, hasCheckpoint := st.ExportCheckpoints[p.StreamID]

		if !isFirstPage {
			if !hasCheckpoint {
				return apierr.New(apierr.CodeExportChainBroken, "no checkpoint exists for this stream").WithReason("export_chain_broken")
			}
			if p.Now.After(existing.ExpiresAt) {
				return apierr.New(apierr.CodeExportCheckpointExpired, "export checkpoint has expired").WithReason("export_checkpoint_expired")
			}
			if existing.NextCursor != p.Cursor || existing.NextCursor != p.AttestationAfter || existing.NextCursor != p.CheckpointAfter {
				return apierr.New(apierr.CodeExportChainBroken, "continuation does not match the prior page").WithReason("export_chain_broken")
			}
			prevChainHash = existing.AttestationChainHash
		}

		startIdx := 0
		if p.Cursor != "" {
			startIdx = sort.Search(len(p.Entries), func(i int) bool { return p.Entries[i].SortKey > p.Cursor })
		}
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = len(p.Entries)
		}
		endIdx := startIdx + pageSize
		if endIdx > len(p.Entries) {
			endIdx = len(p.Entries)
		}
		page := p.Entries[startIdx:endIdx]

		rawBodies := make([]json.RawMessage, len(page))
		genericBodies := make([]interface{}, len(page))
		for i, e := range page {
			b, err := json.Marshal(e.Body)
			if err != nil {
				return apierr.New(apierr.CodeInternal, "failed to marshal export entry")
			}
			rawBodies[i] = b
			genericBodies[i] = e.Body
		}

		exportHash, err := canonicalize.HashExport(exportHashInput{
			Entries: genericBodies, Filters: p.Filters, TotalFiltered: len(p.Entries),
		})
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to compute export hash")
		}

		chainHash, err := canonicalize.HashExport(chainHashInput{PrevChainHash: prevChainHash, ExportHash: exportHash})
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to compute chain hash")
		}

		nextCursor := ""
		if len(page) > 0 {
			nextCursor = page[len(page)-1].SortKey
		}

		checkpointHash, err := canonicalize.HashExport(checkpointHashInput{StreamID: p.StreamID, NextCursor: nextCursor, ChainHash: chainHash})
		if err != nil {
			return apierr.New(apierr.CodeInternal, "failed to compute checkpoint hash")
		}

		envelope := contracts.ExportEnvelope{
			Entries:       rawBodies,
			TotalFiltered: len(p.Entries),
			NextCursor:    nextCursor,
			ExportHash:    exportHash,
			Attestation:   &contracts.Attestation{AttestationAfter: nextCursor, ChainHash: chainHash},
			Checkpoint:    &contracts.Checkpoint{CheckpointAfter: nextCursor, CheckpointHash: checkpointHash, NextCursor: nextCursor},
		}
		if err := crypto.SignExport(s.signer, &envelope); err != nil {
			return apierr.New(apierr.CodeInternal, "failed to sign export envelope")
		}

		checkpoint := contracts.ExportCheckpoint{
			StreamID:             p.StreamID,
			CheckpointHash:       checkpointHash,
			NextCursor:           nextCursor,
			AttestationChainHash: chainHash,
			ExportedAt:           p.Now,
			ExpiresAt:            p.Now.Add(CheckpointTTL),
		}
		st.ExportCheckpoints[p.StreamID] = checkpoint
		if s.cache != nil {
			_ = s.cache.Put(context.Background(), checkpoint) // best-effort: store remains authoritative
		}

		result = envelope
		return nil
	})
	if err == nil && s.archiver != nil {
		if body, marshalErr := json.Marshal(result); marshalErr == nil {
			key := fmt.Sprintf("exports/%s/%s.json", p.StreamID, result.ExportHash)
			_, _ = s.archiver.Archive(context.Background(), key, body) // best-effort: checkpoint remains authoritative
		}
	}
	return result, err
}

// Verify checks a previously issued envelope's signature and export hash
// against tampering, the way VerifyBundle checks the teacher's
// AuditEvidenceBundle.
func Verify(verifier crypto.Verifier, env contracts.ExportEnvelope) (bool, error) {
	return crypto.VerifyExport(verifier, env)
}
