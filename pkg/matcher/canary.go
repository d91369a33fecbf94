package matcher

import "github.com/swapmesh/marketd/pkg/contracts"

// RollbackThresholds configures the sample rates, in basis points, past
// which the canary engine is rolled back (spec.md §4.7).
//
//nolint:govet // fieldalignment: struct layout is human-readable
type RollbackThresholds struct {
	ErrorRateBps            uint64
	TimeoutRateBps          uint64
	LimitedRateBps          uint64
	NonNegativeDeltaRateBps uint64
	MinSamples              uint64 // runs required before rates are evaluated at all
}

// recordSample folds one v2 run's outcome into state's running sample
// counters and, once MinSamples runs have accumulated, evaluates
// whether any rate crosses its threshold. Once active, rollback never
// clears itself here: re-enabling v2 is an operator action, not
// something a clean sample run can undo.
func recordSample(state contracts.CanaryState, outcome engineOutcome, thresholds RollbackThresholds) contracts.CanaryState {
	s := state.Samples
	s.Runs++
	if outcome.errored {
		s.Errors++
	}
	if outcome.timedOut {
		s.Timeouts++
	}
	if outcome.limited {
		s.Limited++
	}
	if outcome.nonNegativeDelta {
		s.NonNegativeDeltaCount++
	}
	state.Samples = s

	if state.Rollback.Active || s.Runs < thresholds.MinSamples {
		return state
	}

	if reason, tripped := tripReason(s, thresholds); tripped {
		state.Rollback.Active = true
		state.Rollback.ReasonCode = reason
	}
	return state
}

func tripReason(s contracts.CanarySamples, t RollbackThresholds) (string, bool) {
	if bps(s.Errors, s.Runs) > t.ErrorRateBps {
		return "v2_error_rate_exceeded", true
	}
	if bps(s.Timeouts, s.Runs) > t.TimeoutRateBps {
		return "v2_timeout_rate_exceeded", true
	}
	if bps(s.Limited, s.Runs) > t.LimitedRateBps {
		return "v2_limited_rate_exceeded", true
	}
	if bps(s.NonNegativeDeltaCount, s.Runs) > t.NonNegativeDeltaRateBps {
		return "v2_non_negative_delta_rate_exceeded", true
	}
	return "", false
}

func bps(count, total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return count * 10000 / total
}
