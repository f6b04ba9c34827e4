package model

import "time"

// Tier is a caller's subscription level.
type Tier string

const (
	TierFree     Tier = "free"
	TierMonthly  Tier = "monthly"
	TierLifetime Tier = "lifetime"
)

// SubscriptionStatus tracks whether a paid plan is still in effect.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// Subscription is the quota record for one caller.
type Subscription struct {
	OwnerID   string             `json:"ownerId"`
	Tier      Tier               `json:"tier"`
	Status    SubscriptionStatus `json:"status"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// EffectiveTier is the tier quota checks should use. A paid plan that is no
// longer active counts as free.
func (s *Subscription) EffectiveTier(now time.Time) Tier {
	if s == nil || s.Tier == "" {
		return TierFree
	}
	if s.Tier == TierFree {
		return TierFree
	}
	if s.Status != "" && s.Status != SubscriptionActive {
		return TierFree
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return TierFree
	}
	return s.Tier
}
