//go:build property
// +build property

package outbox

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// buildEnvelopes derives a sequence of uniquely-IDed event envelopes
// from a list of generated type suffixes. EventID derivation is
// content-based (DeriveEventID), so distinct suffixes are needed to
// avoid accidental collisions collapsing the sequence.
func buildEnvelopes(suffixes []string) []contracts.EventEnvelope {
	out := make([]contracts.EventEnvelope, 0, len(suffixes))
	seen := make(map[string]bool, len(suffixes))
	for i, s := range suffixes {
		id := DeriveEventID("property.test", s, string(rune('a'+i%26)))
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, contracts.EventEnvelope{
			EventID:    id,
			Type:       "property.test",
			OccurredAt: time.Unix(int64(i), 0).UTC(),
		})
	}
	return out
}

// TestSince_ReplayEqualsFullProperty checks spec §8's replay==full
// universal: apply(L[0..C]) followed by apply(L[C+1..]) covers exactly
// the same events as apply(L), for any checkpoint C within the log.
func TestSince_ReplayEqualsFullProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("splitting a log at any checkpoint and replaying both halves covers the same events as replaying the whole log", prop.ForAll(
		func(suffixes []string, splitAt int) bool {
			log := buildEnvelopes(suffixes)
			if len(log) == 0 {
				return true
			}
			if splitAt < 0 {
				splitAt = -splitAt
			}
			splitAt = splitAt % len(log)

			checkpointID := log[splitAt].EventID
			before := Since(log, "")
			// "before" here represents everything the consumer has
			// already applied up to and including the checkpoint.
			before = before[:splitAt+1]
			after := Since(log, checkpointID)

			if len(before)+len(after) != len(log) {
				return false
			}
			for i, e := range append(append([]contracts.EventEnvelope{}, before...), after...) {
				if e.EventID != log[i].EventID {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.AlphaString()),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
