package quota_test

import (
	"math"
	"testing"

	"github.com/hazyhaar/checkin/apiclient"
	"github.com/hazyhaar/checkin/quota"
)

func f(v float64) *float64 { return &v }

func TestNormalize_HeuristicInfersUnit(t *testing.T) {
	// WHAT: raw 116310000 with no configured unit infers 500000 and
	// yields 232.62, reported as a heuristic inference.
	// WHY: New-API family reports raw token counts, not dollars.
	n := quota.New(quota.Heuristic{})

	info := &apiclient.UserInfo{Quota: f(116310000), UsedQuota: f(0)}
	out, inf := n.Normalize(info, 0)

	if out.Quota == nil || math.Abs(*out.Quota-232.62) > 1e-9 {
		t.Fatalf("got quota %v, want 232.62", out.Quota)
	}
	if out.UsedQuota == nil || *out.UsedQuota != 0 {
		t.Fatalf("got used %v, want 0", out.UsedQuota)
	}
	if inf == nil || inf.Unit != 500000 || inf.Source != quota.SourceHeuristic {
		t.Fatalf("got inference %+v, want heuristic 500000", inf)
	}
}

func TestNormalize_ConfiguredUnitOne(t *testing.T) {
	// WHAT: quota_unit=1 passes values through unscaled with no inference.
	n := quota.New(quota.Heuristic{})

	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(50), UsedQuota: f(10)}, 1)
	if *out.Quota != 50 || *out.UsedQuota != 10 {
		t.Fatalf("got %v/%v, want 50/10", *out.Quota, *out.UsedQuota)
	}
	if inf != nil {
		t.Fatalf("got inference %+v, want nil", inf)
	}
}

func TestNormalize_PersistedUnitWins(t *testing.T) {
	// WHAT: a persisted account unit is used as-is, no re-inference.
	n := quota.New(quota.Heuristic{})

	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(1000), QuotaUnit: f(500000)}, 100)
	if *out.Quota != 10 {
		t.Fatalf("got quota %v, want 10", *out.Quota)
	}
	if inf != nil {
		t.Fatalf("got inference %+v, want nil", inf)
	}
}

func TestNormalize_ResponseUnit(t *testing.T) {
	// WHAT: a unit embedded in the response applies and is reported so
	// the account record can be updated.
	n := quota.New(quota.Heuristic{})

	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(5000), QuotaUnit: f(100)}, 0)
	if *out.Quota != 50 {
		t.Fatalf("got quota %v, want 50", *out.Quota)
	}
	if inf == nil || inf.Unit != 100 || inf.Source != quota.SourceResponse {
		t.Fatalf("got inference %+v, want response unit 100", inf)
	}
}

func TestNormalize_SmallValuesNotGuessed(t *testing.T) {
	// WHAT: values below the candidate unit never trigger the heuristic.
	n := quota.New(quota.Heuristic{})

	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(499999), UsedQuota: f(12)}, 0)
	if *out.Quota != 499999 {
		t.Fatalf("got quota %v, want passthrough", *out.Quota)
	}
	if inf != nil {
		t.Fatalf("got inference %+v, want nil", inf)
	}
}

func TestNormalize_QuotientOutsideWindowRejected(t *testing.T) {
	// WHAT: a quotient above MaxScaled is rejected and values pass through.
	n := quota.New(quota.Heuristic{})

	raw := 500000.0 * 2000000 // scaled 2e6 > 1e6 ceiling
	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(raw)}, 0)
	if *out.Quota != raw {
		t.Fatalf("got quota %v, want passthrough", *out.Quota)
	}
	if inf != nil {
		t.Fatalf("got inference %+v, want nil", inf)
	}
}

func TestNormalize_NilValuesStayNil(t *testing.T) {
	n := quota.New(quota.Heuristic{})

	out, _ := n.Normalize(&apiclient.UserInfo{Quota: f(5000000), UsedQuota: nil}, 0)
	if out.UsedQuota != nil {
		t.Fatalf("got used %v, want nil", out.UsedQuota)
	}
	if out.Quota == nil || *out.Quota != 10 {
		t.Fatalf("got quota %v, want 10", out.Quota)
	}
}

func TestNormalize_InputNotMutated(t *testing.T) {
	n := quota.New(quota.Heuristic{})

	in := &apiclient.UserInfo{Quota: f(5000000)}
	n.Normalize(in, 0)
	if *in.Quota != 5000000 {
		t.Fatalf("input mutated to %v", *in.Quota)
	}
}

func TestNormalize_CustomHeuristic(t *testing.T) {
	// WHAT: the candidate unit is pluggable.
	n := quota.New(quota.Heuristic{Unit: 1000})

	out, inf := n.Normalize(&apiclient.UserInfo{Quota: f(2500)}, 0)
	if *out.Quota != 2.5 {
		t.Fatalf("got quota %v, want 2.5", *out.Quota)
	}
	if inf == nil || inf.Unit != 1000 {
		t.Fatalf("got inference %+v, want unit 1000", inf)
	}
}
