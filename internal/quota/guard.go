// Package quota decides whether a caller's tier allows an operation. It does
// no I/O: every check is a function of the policy and its arguments.
package quota

import (
	"fmt"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// Unlimited disables a limit.
const Unlimited = -1

// Limits is one row of the policy table.
type Limits struct {
	MaxTemplates         int `yaml:"max_templates"`
	MaxSlidesPerTemplate int `yaml:"max_slides_per_template"`
	MaxPairsPerJob       int `yaml:"max_pairs_per_job"`
}

// Policy maps tiers to limits. Tiers missing from Tiers use Default.
type Policy struct {
	Tiers   map[model.Tier]Limits `yaml:"tiers"`
	Default Limits                `yaml:"default"`
}

// DefaultPolicy is the free/paid split: free callers get one template of at
// most five slides and ten substitution pairs per job, every other tier is
// unbounded.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[model.Tier]Limits{
			model.TierFree: {MaxTemplates: 1, MaxSlidesPerTemplate: 5, MaxPairsPerJob: 10},
		},
		Default: Limits{MaxTemplates: Unlimited, MaxSlidesPerTemplate: Unlimited, MaxPairsPerJob: Unlimited},
	}
}

// LimitsFor returns the row that applies to tier.
func (p Policy) LimitsFor(tier model.Tier) Limits {
	if tier == "" {
		tier = model.TierFree
	}
	if l, ok := p.Tiers[tier]; ok {
		return l
	}
	return p.Default
}

// Guard applies a Policy.
type Guard struct {
	policy Policy
}

// NewGuard creates a Guard.
func NewGuard(policy Policy) *Guard {
	return &Guard{policy: policy}
}

// Policy returns the policy the guard enforces.
func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckTemplateRegistration returns a *model.QuotaError when tier may not
// register another template with slideCount slides. The template count is
// checked first so a full account is denied whatever the new slide count.
func (g *Guard) CheckTemplateRegistration(tier model.Tier, currentTemplates, slideCount int) error {
	limits := g.policy.LimitsFor(tier)
	if exceeds(currentTemplates+1, limits.MaxTemplates) {
		return &model.QuotaError{
			Tier:   tier,
			Reason: fmt.Sprintf("%s plan allows at most %d template(s); upgrade to register more", tier, limits.MaxTemplates),
		}
	}
	if exceeds(slideCount, limits.MaxSlidesPerTemplate) {
		return &model.QuotaError{
			Tier:   tier,
			Reason: fmt.Sprintf("%s plan only accepts templates with at most %d slides (got %d)", tier, limits.MaxSlidesPerTemplate, slideCount),
		}
	}
	return nil
}

// CheckConversionSubmission returns a *model.QuotaError when tier may not
// submit a job with pairCount substitution pairs.
func (g *Guard) CheckConversionSubmission(tier model.Tier, pairCount int) error {
	limits := g.policy.LimitsFor(tier)
	if exceeds(pairCount, limits.MaxPairsPerJob) {
		return &model.QuotaError{
			Tier:   tier,
			Reason: fmt.Sprintf("%s plan allows at most %d substitution pairs per conversion (got %d)", tier, limits.MaxPairsPerJob, pairCount),
		}
	}
	return nil
}

func exceeds(value, limit int) bool {
	return limit != Unlimited && limit >= 0 && value > limit
}
