package contracts

// CanarySamples accumulates the outcome counters the matcher's v2 engine
// canary observes across runs, per spec.md §4.7 / §9.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CanarySamples struct {
	Runs                  uint64 `json:"runs"`
	Errors                uint64 `json:"errors"`
	Timeouts              uint64 `json:"timeouts"`
	Limited               uint64 `json:"limited"`
	NonNegativeDeltaCount uint64 `json:"non_negative_delta_count"`
}

// CanaryState is the persisted, cross-run canary accumulator: the raw
// sample counters plus the rollback decision they have produced so far.
type CanaryState struct {
	Samples  CanarySamples `json:"samples"`
	Rollback RollbackState `json:"rollback"`
}
