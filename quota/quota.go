// Package quota rescales raw gateway quota numbers into display units.
//
// Gateways are inconsistent about what a "quota" number means: some
// report dollars, others report raw token counts where a fixed factor
// (commonly 500000) equals one dollar. The normalizer resolves a
// scaling unit per account — persisted value first, then a unit
// embedded in the response, then a heuristic guess — and reports any
// newly inferred unit back to the caller so it can be persisted and
// never re-inferred.
package quota

import (
	"math"

	"github.com/hazyhaar/checkin/apiclient"
)

// Inference sources, recorded alongside a persisted unit.
const (
	SourceResponse  = "response"
	SourceHeuristic = "heuristic-500000"
)

// Inference is a unit the normalizer derived for an account that had
// none persisted. The caller is expected to store it.
type Inference struct {
	Unit   float64
	Source string
}

// Heuristic is the fallback unit guess. The constant is tuned to the
// New-API deployment family; both the unit and its acceptance window
// are overridable per Normalizer.
type Heuristic struct {
	// Unit is the candidate scaling factor. Default: 500000.
	Unit float64
	// MinScaled / MaxScaled bound the quotient (rounded to 2 decimals)
	// for the guess to be accepted. Defaults: 0.01 and 1000000.
	MinScaled float64
	MaxScaled float64
	// MaxDrift is the tolerated gap between the quotient and its
	// 2-decimal rounding. Default: 0.05.
	MaxDrift float64
}

func (h *Heuristic) defaults() {
	if h.Unit <= 0 {
		h.Unit = 500000
	}
	if h.MinScaled <= 0 {
		h.MinScaled = 0.01
	}
	if h.MaxScaled <= 0 {
		h.MaxScaled = 1000000
	}
	if h.MaxDrift <= 0 {
		h.MaxDrift = 0.05
	}
}

// Normalizer rescales quota values.
type Normalizer struct {
	heuristic Heuristic
}

// New creates a Normalizer. A zero Heuristic selects the defaults.
func New(h Heuristic) *Normalizer {
	h.defaults()
	return &Normalizer{heuristic: h}
}

// looksLikeMoney reports whether value/unit lands in the acceptance
// window with tolerable rounding drift.
func (n *Normalizer) looksLikeMoney(value float64) bool {
	h := n.heuristic
	if math.IsNaN(value) || value <= 0 || value < h.Unit {
		return false
	}
	scaled := value / h.Unit
	rounded := math.Round(scaled*100) / 100
	if rounded < h.MinScaled || rounded > h.MaxScaled {
		return false
	}
	return math.Abs(rounded-scaled) <= h.MaxDrift
}

// guessUnit returns the heuristic unit when either raw value passes the
// money check, 0 otherwise.
func (n *Normalizer) guessUnit(info *apiclient.UserInfo) float64 {
	var quota, used float64
	if info.Quota != nil {
		quota = *info.Quota
	}
	if info.UsedQuota != nil {
		used = *info.UsedQuota
	}
	if quota <= 0 && used <= 0 {
		return 0
	}
	if n.looksLikeMoney(quota) || n.looksLikeMoney(used) {
		return n.heuristic.Unit
	}
	return 0
}

// Normalize rescales info by the resolved unit. accountUnit is the
// account's persisted quota_unit (<=0 or 1 means none). When a unit is
// resolved from the response or the heuristic while the account had
// none, the returned Inference is non-nil so the caller can persist it.
// The input is never mutated; nil quota values stay nil.
func (n *Normalizer) Normalize(info *apiclient.UserInfo, accountUnit float64) (*apiclient.UserInfo, *Inference) {
	if info == nil {
		return nil, nil
	}

	unit := accountUnit
	if math.IsNaN(unit) || unit <= 0 {
		unit = 1
	}
	var inferred *Inference
	if unit == 1 {
		switch {
		case info.QuotaUnit != nil && *info.QuotaUnit > 0:
			unit = *info.QuotaUnit
			inferred = &Inference{Unit: unit, Source: SourceResponse}
		default:
			if guessed := n.guessUnit(info); guessed > 0 {
				unit = guessed
				inferred = &Inference{Unit: unit, Source: SourceHeuristic}
			}
		}
	}

	if unit == 1 {
		out := *info
		return &out, inferred
	}

	out := *info
	if info.Quota != nil {
		q := *info.Quota / unit
		out.Quota = &q
	}
	if info.UsedQuota != nil {
		u := *info.UsedQuota / unit
		out.UsedQuota = &u
	}
	return &out, inferred
}
