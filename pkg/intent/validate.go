package intent

import (
	"time"

	"github.com/swapmesh/marketd/pkg/apierr"
	"github.com/swapmesh/marketd/pkg/contracts"
)

// fields is the subset of a SwapIntent that create and update both
// validate, mirroring the teacher's IntentValidator shape (a validator
// separate from the entity it validates) but over swap-intent fields
// instead of decision-card constraints.
type fields struct {
	Offer           []contracts.AssetDescriptor
	WantSpec        contracts.WantSpec
	ValueBand       contracts.ValueBand
	TimeConstraints contracts.TimeConstraints
}

// validate rejects the three semantic failures spec.md §4.6 names: an
// expired expiry, a non-monotone value band, and an empty offer or want
// spec. now is the request's effective clock (honoring x-now-iso
// overrides), never time.Now() directly, so validation is reproducible
// on replay.
func validate(f fields, now time.Time) error {
	if len(f.Offer) == 0 {
		return apierr.New(apierr.CodeValidation, "offer must not be empty").WithReason("offer_empty")
	}
	if len(f.WantSpec.Any) == 0 {
		return apierr.New(apierr.CodeValidation, "want_spec must not be empty").WithReason("want_spec_empty")
	}
	if !f.ValueBand.Valid() {
		return apierr.New(apierr.CodeValidation, "value_band must be monotone (0 <= min_usd <= max_usd)").WithReason("value_band_non_monotone")
	}
	if !f.TimeConstraints.ExpiresAt.After(now) {
		return apierr.New(apierr.CodeValidation, "time_constraints.expires_at has already passed").WithReason("time_constraints_expired")
	}
	return nil
}
