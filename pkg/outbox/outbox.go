// Package outbox appends event envelopes to the store's event
// collection with deterministic, content-derived event IDs so that
// replaying the same logical effect twice never produces a duplicate
// event (spec.md §4.4).
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/swapmesh/marketd/pkg/canonicalize"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/store"
)

// DeriveEventID computes a deterministic event_id from the logical
// effect the event records, so that replaying the same write never
// mints a second ID for the same occurrence.
func DeriveEventID(eventType string, effectParts ...string) string {
	parts := append([]string{eventType}, effectParts...)
	h := canonicalize.HashBytes([]byte(fmt.Sprintf("%q", parts)))
	return "evt_" + h[:32]
}

// Append appends envelope to s.Events, returning an error if its EventID
// is unset and skipping the append entirely if an event with that ID is already
// present (spec invariant v: unique(events) == events by event_id).
func Append(s *store.State, envelope contracts.EventEnvelope) (contracts.EventEnvelope, bool, error) {
	if envelope.EventID == "" {
		return envelope, false, fmt.Errorf("outbox: envelope missing event_id")
	}
	if active != nil {
		if err := active.Validate(envelope); err != nil {
			return envelope, false, err
		}
	}
	for _, e := range s.Events {
		if e.EventID == envelope.EventID {
			return e, false, nil // already appended; not a duplicate append
		}
	}
	s.Events = append(s.Events, envelope)
	return envelope, true, nil
}

// NewEnvelope builds an EventEnvelope with a deterministically derived
// EventID, marshaling payload to JSON.
func NewEnvelope(eventType string, actor contracts.ActorRef, correlationID string, occurredAt time.Time, payload interface{}, effectParts ...string) (contracts.EventEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return contracts.EventEnvelope{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	return contracts.EventEnvelope{
		EventID:       DeriveEventID(eventType, effectParts...),
		Type:          eventType,
		OccurredAt:    occurredAt,
		Actor:         actor,
		CorrelationID: correlationID,
		Payload:       body,
	}, nil
}

// Since returns every event strictly after the event with id
// lastEventID (or from the start, if lastEventID is empty or unknown).
// Used both for consumer replay and for verifying the fold identity
// apply(before) ∪ apply(after) == apply(full).
func Since(events []contracts.EventEnvelope, lastEventID string) []contracts.EventEnvelope {
	if lastEventID == "" {
		out := make([]contracts.EventEnvelope, len(events))
		copy(out, events)
		return out
	}
	for i, e := range events {
		if e.EventID == lastEventID {
			out := make([]contracts.EventEnvelope, len(events)-i-1)
			copy(out, events[i+1:])
			return out
		}
	}
	out := make([]contracts.EventEnvelope, len(events))
	copy(out, events)
	return out
}
