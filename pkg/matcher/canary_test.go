package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swapmesh/marketd/pkg/contracts"
)

func TestRecordSample_NoTripBelowMinSamples(t *testing.T) {
	thresholds := RollbackThresholds{ErrorRateBps: 1, MinSamples: 5}
	state := contracts.CanaryState{}

	state = recordSample(state, engineOutcome{errored: true}, thresholds)

	assert.False(t, state.Rollback.Active)
	assert.Equal(t, uint64(1), state.Samples.Runs)
	assert.Equal(t, uint64(1), state.Samples.Errors)
}

func TestRecordSample_TripsOnceThresholdCrossedAfterMinSamples(t *testing.T) {
	thresholds := RollbackThresholds{ErrorRateBps: 2000, MinSamples: 2}
	state := contracts.CanaryState{}

	state = recordSample(state, engineOutcome{errored: true}, thresholds)
	assert.False(t, state.Rollback.Active)

	state = recordSample(state, engineOutcome{errored: true}, thresholds)

	assert.True(t, state.Rollback.Active)
	assert.Equal(t, "v2_error_rate_exceeded", state.Rollback.ReasonCode)
}

func TestRecordSample_RollbackStaysActiveAcrossCleanRuns(t *testing.T) {
	thresholds := RollbackThresholds{ErrorRateBps: 2000, MinSamples: 1}
	state := contracts.CanaryState{}
	state = recordSample(state, engineOutcome{errored: true}, thresholds)
	if !state.Rollback.Active {
		t.Fatal("expected rollback to have tripped")
	}

	state = recordSample(state, engineOutcome{}, thresholds)

	assert.True(t, state.Rollback.Active)
	assert.Equal(t, "v2_error_rate_exceeded", state.Rollback.ReasonCode)
}

func TestTripReason_ChecksEachRateIndependently(t *testing.T) {
	thresholds := RollbackThresholds{
		ErrorRateBps:            10000, // never trips on errors in this test
		TimeoutRateBps:          1000,
		LimitedRateBps:          10000,
		NonNegativeDeltaRateBps: 10000,
	}
	samples := contracts.CanarySamples{Runs: 10, Timeouts: 3}

	reason, tripped := tripReason(samples, thresholds)

	assert.True(t, tripped)
	assert.Equal(t, "v2_timeout_rate_exceeded", reason)
}

func TestTripReason_NoTripWhenAllRatesWithinThresholds(t *testing.T) {
	thresholds := RollbackThresholds{
		ErrorRateBps:            1000,
		TimeoutRateBps:          1000,
		LimitedRateBps:          1000,
		NonNegativeDeltaRateBps: 1000,
	}
	samples := contracts.CanarySamples{Runs: 100, Errors: 1, Timeouts: 1, Limited: 1, NonNegativeDeltaCount: 1}

	_, tripped := tripReason(samples, thresholds)

	assert.False(t, tripped)
}

func TestBps_ZeroTotalIsZero(t *testing.T) {
	assert.Equal(t, uint64(0), bps(5, 0))
}
