package quota

import (
	"errors"
	"math"
	"testing"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

func TestTemplateRegistrationFreeTier(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	cases := []struct {
		name     string
		existing int
		slides   int
		allowed  bool
	}{
		{"first template at slide limit", 0, 5, true},
		{"first template over slide limit", 0, 6, false},
		{"second template small", 1, 1, false},
		{"second template at limit", 1, 5, false},
		{"empty template", 0, 0, true},
	}
	for _, tc := range cases {
		err := g.CheckTemplateRegistration(model.TierFree, tc.existing, tc.slides)
		if tc.allowed && err != nil {
			t.Fatalf("%s: expected allow, got %v", tc.name, err)
		}
		if !tc.allowed && !errors.Is(err, model.ErrQuotaExceeded) {
			t.Fatalf("%s: expected quota error, got %v", tc.name, err)
		}
	}
}

func TestConversionSubmissionFreeTier(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	if err := g.CheckConversionSubmission(model.TierFree, 10); err != nil {
		t.Fatalf("expected 10 pairs to be allowed: %v", err)
	}
	err := g.CheckConversionSubmission(model.TierFree, 11)
	if !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("expected 11 pairs to be denied, got %v", err)
	}
	var qe *model.QuotaError
	if !errors.As(err, &qe) || qe.Reason == "" {
		t.Fatalf("expected a reason on the quota error")
	}
}

func TestPaidTiersNeverDenied(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	for _, tier := range []model.Tier{model.TierMonthly, model.TierLifetime, "enterprise"} {
		if err := g.CheckTemplateRegistration(tier, 10000, math.MaxInt32); err != nil {
			t.Fatalf("%s: unexpected template denial: %v", tier, err)
		}
		if err := g.CheckConversionSubmission(tier, math.MaxInt32); err != nil {
			t.Fatalf("%s: unexpected conversion denial: %v", tier, err)
		}
	}
}

func TestEmptyTierIsFree(t *testing.T) {
	g := NewGuard(DefaultPolicy())
	if err := g.CheckConversionSubmission("", 11); err == nil {
		t.Fatalf("expected empty tier to be treated as free")
	}
}

func TestCustomPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.Tiers[model.TierMonthly] = Limits{MaxTemplates: 20, MaxSlidesPerTemplate: Unlimited, MaxPairsPerJob: 500}
	g := NewGuard(p)
	if err := g.CheckTemplateRegistration(model.TierMonthly, 20, 1); err == nil {
		t.Fatalf("expected 21st monthly template to be denied")
	}
	if err := g.CheckConversionSubmission(model.TierMonthly, 500); err != nil {
		t.Fatalf("expected 500 pairs to be allowed: %v", err)
	}
}
