package delegation

import (
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/store"
)

func spendDayKey(delegationID string, now time.Time) string {
	return delegationID + "|" + now.UTC().Format("2006-01-02")
}

// checkAndRecordSpend enforces spec.md §4.11 step 4 and the invariant
// that the running sum of committed intent value under a delegation,
// per UTC day, never exceeds its spend_cap_per_day_usd. Unlike budget's
// SimpleEnforcer.Check (pkg/budget/enforcer.go), which resets counters
// on a naive calendar-rollover comparison against the last update, this
// keys directly off the UTC calendar day so no reset bookkeeping is
// needed: a new day is simply a new map key.
func checkAndRecordSpend(st *store.State, d contracts.Delegation, amountUSD float64, now time.Time) error {
	if d.SpendCapPerDayUSD <= 0 {
		return nil
	}
	key := spendDayKey(d.DelegationID, now)
	used := st.SpendByDelegationDay[key]
	if used+amountUSD > d.SpendCapPerDayUSD {
		return apierr.New(apierr.CodeOperationNotPermitted, "delegation daily spend cap exceeded").
			WithReason(contracts.ReasonSpendCapExceeded).
			WithDetails(map[string]interface{}{"used_usd": used, "cap_usd": d.SpendCapPerDayUSD})
	}
	st.SpendByDelegationDay[key] = used + amountUSD
	return nil
}
