package matcher

import (
	"context"

	"github.com/Masterminds/semver/v3"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// engineOutcome carries both the cycles an engine found and the health
// signals the canary tracker samples from the run (spec.md §4.7).
type engineOutcome struct {
	cycles           [][]int
	errored          bool
	timedOut         bool
	limited          bool
	nonNegativeDelta bool
}

// matchEngine runs cycle discovery over a candidate set. v1 is the
// always-on baseline; v2 is the canary-routed alternative.
type matchEngine interface {
	version() string
	run(ctx context.Context, intents []contracts.SwapIntent, maxLen int, deltaEpsilon float64) engineOutcome
}

// v1Engine is the baseline engine: built-in platform/app/asset_id
// alternative matching only, no category-predicate extension.
type v1Engine struct{}

func (v1Engine) version() string { return "1.0.0" }

func (v1Engine) run(_ context.Context, intents []contracts.SwapIntent, maxLen int, deltaEpsilon float64) engineOutcome {
	adj := buildAdjacency(intents, nil)
	cycles := enumerateCycles(adj, maxLen)
	return engineOutcome{
		cycles:           cycles,
		nonNegativeDelta: topCycleExceedsEpsilon(intents, adj, cycles, deltaEpsilon),
	}
}

// v2Engine additionally resolves category-only want-spec alternatives
// through a sandboxed WASM predicate (pkg/matcher/predicate.go), and
// reports a degraded candidateLimit as "limited" for the canary sample.
type v2Engine struct {
	version_       string
	sandbox        *CategorySandbox
	candidateLimit int // 0 means unbounded
}

func (e v2Engine) version() string { return e.version_ }

func (e v2Engine) run(ctx context.Context, intents []contracts.SwapIntent, maxLen int, deltaEpsilon float64) engineOutcome {
	limited := false
	if e.candidateLimit > 0 && len(intents) > e.candidateLimit {
		intents = intents[:e.candidateLimit]
		limited = true
	}

	errored := false
	var categoryMatch func(contracts.WantAlternative, contracts.AssetDescriptor) bool
	if e.sandbox != nil {
		categoryMatch = func(alt contracts.WantAlternative, asset contracts.AssetDescriptor) bool {
			ok, err := e.sandbox.Match(ctx, alt, asset)
			if err != nil {
				errored = true
				return false
			}
			return ok
		}
	}

	adj := buildAdjacency(intents, categoryMatch)
	cycles := enumerateCycles(adj, maxLen)
	return engineOutcome{
		cycles:           cycles,
		errored:          errored,
		timedOut:         ctx.Err() != nil,
		limited:          limited,
		nonNegativeDelta: topCycleExceedsEpsilon(intents, adj, cycles, deltaEpsilon),
	}
}

// topCycleExceedsEpsilon reports whether the best-ranked cycle's total
// absolute value delta exceeds deltaEpsilon: a degenerate-match health
// signal sampled into the canary's non_negative_delta_rate_bps.
func topCycleExceedsEpsilon(intents []contracts.SwapIntent, adj [][]edge, cycles [][]int, deltaEpsilon float64) bool {
	if len(cycles) == 0 {
		return false
	}
	scored := make([]scoredCycle, len(cycles))
	for i, c := range cycles {
		scored[i] = buildLegs(intents, adj, c)
	}
	rankCycles(scored)
	return scored[0].absValueDelta > deltaEpsilon
}

// engineVersionEligible reports whether candidateVersion satisfies the
// configured minimum-version constraint for routing to v2. An
// unparseable constraint or version fails closed (not eligible).
func engineVersionEligible(candidateVersion, minConstraint string) bool {
	if minConstraint == "" {
		return true
	}
	c, err := semver.NewConstraint(minConstraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(candidateVersion)
	if err != nil {
		return false
	}
	return c.Check(v)
}
