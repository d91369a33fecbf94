package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/crypto"
	"github.com/swapmesh/marketd/pkg/store"
)

func newExportStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func newSigner(t *testing.T) crypto.Signer {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("key-1")
	require.NoError(t, err)
	return signer
}

func fiveEntries() []SortedEntry {
	return []SortedEntry{
		{SortKey: "001", Body: map[string]string{"id": "001"}},
		{SortKey: "002", Body: map[string]string{"id": "002"}},
		{SortKey: "003", Body: map[string]string{"id": "003"}},
		{SortKey: "004", Body: map[string]string{"id": "004"}},
		{SortKey: "005", Body: map[string]string{"id": "005"}},
	}
}

func TestPage_FirstPageReturnsSignedEnvelope(t *testing.T) {
	s := newExportStore(t)
	svc := NewService(s, newSigner(t))
	now := time.Now()

	env, err := svc.Page(PageParams{
		StreamID: "policy_audit", Entries: fiveEntries(), PageSize: 2, Now: now,
	})
	require.NoError(t, err)
	assert.Len(t, env.Entries, 2)
	assert.Equal(t, 5, env.TotalFiltered)
	assert.Equal(t, "002", env.NextCursor)
	assert.NotEmpty(t, env.ExportHash)
	assert.NotEmpty(t, env.Attestation.ChainHash)
	assert.NotEmpty(t, env.Signature.Signature)
}

func TestPage_ContinuationAdvancesThroughPages(t *testing.T) {
	s := newExportStore(t)
	svc := NewService(s, newSigner(t))
	now := time.Now()
	entries := fiveEntries()

	first, err := svc.Page(PageParams{StreamID: "policy_audit", Entries: entries, PageSize: 2, Now: now})
	require.NoError(t, err)

	second, err := svc.Page(PageParams{
		StreamID: "policy_audit", Entries: entries, PageSize: 2,
		Cursor: first.NextCursor, AttestationAfter: first.Attestation.AttestationAfter, CheckpointAfter: first.Checkpoint.CheckpointAfter,
		Now: now,
	})
	require.NoError(t, err)
	assert.Len(t, second.Entries, 2)
	assert.Equal(t, "004", second.NextCursor)
	assert.NotEqual(t, first.Attestation.ChainHash, second.Attestation.ChainHash)

	third, err := svc.Page(PageParams{
		StreamID: "policy_audit", Entries: entries, PageSize: 2,
		Cursor: second.NextCursor, AttestationAfter: second.Attestation.AttestationAfter, CheckpointAfter: second.Checkpoint.CheckpointAfter,
		Now: now,
	})
	require.NoError(t, err)
	assert.Len(t, third.Entries, 1)
	assert.Equal(t, "005", third.NextCursor)
}

func TestPage_RejectsMismatchedContinuation(t *testing.T) {
	s := newExportStore(t)
	svc := NewService(s, newSigner(t))
	now := time.Now()
	entries := fiveEntries()

	_, err := svc.Page(PageParams{StreamID: "policy_audit", Entries: entries, PageSize: 2, Now: now})
	require.NoError(t, err)

	_, err = svc.Page(PageParams{
		StreamID: "policy_audit", Entries: entries, PageSize: 2,
		Cursor: "999", AttestationAfter: "999", CheckpointAfter: "999", Now: now,
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeExportChainBroken, apiErr.Code)
}

func TestPage_RejectsExpiredCheckpoint(t *testing.T) {
	s := newExportStore(t)
	svc := NewService(s, newSigner(t))
	now := time.Now()
	entries := fiveEntries()

	first, err := svc.Page(PageParams{StreamID: "policy_audit", Entries: entries, PageSize: 2, Now: now})
	require.NoError(t, err)

	_, err = svc.Page(PageParams{
		StreamID: "policy_audit", Entries: entries, PageSize: 2,
		Cursor: first.NextCursor, AttestationAfter: first.Attestation.AttestationAfter, CheckpointAfter: first.Checkpoint.CheckpointAfter,
		Now: now.Add(CheckpointTTL + time.Hour),
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeExportCheckpointExpired, apiErr.Code)
}

func TestVerify_DetectsTamperedEnvelope(t *testing.T) {
	s := newExportStore(t)
	signer := newSigner(t)
	svc := NewService(s, signer)
	now := time.Now()

	env, err := svc.Page(PageParams{StreamID: "policy_audit", Entries: fiveEntries(), PageSize: 5, Now: now})
	require.NoError(t, err)

	verifier := crypto.NewSingleKeyVerifier(signer)
	ok, err := Verify(verifier, env)
	require.NoError(t, err)
	assert.True(t, ok)

	env.TotalFiltered = 9999
	ok, err = Verify(verifier, env)
	require.NoError(t, err)
	assert.False(t, ok)
}
