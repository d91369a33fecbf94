// Package idempotency implements the (operation_id, actor_key,
// client_key) -> prior-result ledger from spec.md §4.3, persisted
// through pkg/store rather than an in-memory TTL cache.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/store"
)

// ErrConflict is returned when a replayed key carries a different
// payload than the one originally recorded.
var ErrConflict = errors.New("IDEMPOTENCY_CONFLICT")

// Key identifies one idempotent write.
type Key struct {
	OperationID string
	ActorKey    string
	ClientKey   string
}

func (k Key) scopeKey() string {
	return k.OperationID + "|" + k.ActorKey + "|" + k.ClientKey
}

// Result is the outcome of a call to Begin: either a previously stored
// result to replay, or permission for the caller to proceed and later
// call Commit.
type Result struct {
	Replayed bool
	Body     json.RawMessage
}

// Begin consults the idempotency ledger before any validation side
// effect, per spec.md §4.3: "Idempotency is consulted before validation
// side effects." It must be called within the same store.WithLock
// critical section that will perform the write.
func Begin(s *store.State, key Key, payload interface{}) (Result, error) {
	payloadBytes, err := canonicalize.JCS(payload)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}
	payloadHash := canonicalize.HashBytes(payloadBytes)

	rec, ok := s.Idempotency[key.scopeKey()]
	if !ok {
		return Result{}, nil
	}
	if rec.PayloadHash != payloadHash {
		return Result{}, ErrConflict
	}
	return Result{Replayed: true, Body: rec.ResultBody}, nil
}

// Commit records the result of a first-time write under key, so a
// future Begin with the same key and payload replays it.
func Commit(s *store.State, key Key, payload interface{}, resultBody interface{}, ok bool) error {
	payloadBytes, err := canonicalize.JCS(payload)
	if err != nil {
		return fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}
	body, err := json.Marshal(resultBody)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	s.Idempotency[key.scopeKey()] = store.IdempotencyRecord{
		PayloadHash: canonicalize.HashBytes(payloadBytes),
		ResultBody:  body,
		ResultOK:    ok,
	}
	return nil
}

// ActorKey derives the actor_key component of a Key from an ActorRef.
func ActorKey(a contracts.ActorRef) string { return a.Key() }
