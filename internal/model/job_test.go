package model

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestPredecessorMatchesTransitions(t *testing.T) {
	for _, s := range []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		prev, ok := s.Predecessor()
		if !ok {
			if s != StatusPending {
				t.Fatalf("expected predecessor for %s", s)
			}
			continue
		}
		if !prev.CanTransition(s) {
			t.Fatalf("predecessor %s cannot transition to %s", prev, s)
		}
	}
}

func TestPatchApply(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusProcessing}
	now := time.Now().UTC()
	JobPatch{Status: StatusCompleted, Result: &BlobRef{Key: "k", URL: "u"}}.Apply(job, now)
	if job.Status != StatusCompleted || job.Result == nil || job.Result.Key != "k" {
		t.Fatalf("unexpected job after patch: %+v", job)
	}
	if !job.IsDone() {
		t.Fatalf("expected completed job to be done")
	}
	if !job.UpdatedAt.Equal(now) {
		t.Fatalf("expected UpdatedAt to be set")
	}
}

func TestEffectiveTier(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	var nilSub *Subscription
	if nilSub.EffectiveTier(now) != TierFree {
		t.Fatalf("missing subscription should be free")
	}
	paid := &Subscription{Tier: TierMonthly, Status: SubscriptionActive}
	if paid.EffectiveTier(now) != TierMonthly {
		t.Fatalf("active monthly should stay monthly")
	}
	expired := &Subscription{Tier: TierMonthly, Status: SubscriptionActive, ExpiresAt: &past}
	if expired.EffectiveTier(now) != TierFree {
		t.Fatalf("expired plan should fall back to free")
	}
	canceled := &Subscription{Tier: TierLifetime, Status: SubscriptionCanceled}
	if canceled.EffectiveTier(now) != TierFree {
		t.Fatalf("canceled plan should fall back to free")
	}
}

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	var err error = &QuotaError{Tier: TierFree, Reason: "too many"}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected QuotaError to match ErrQuotaExceeded")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("QuotaError must not match ErrForbidden")
	}
}

func TestCloneIsDeep(t *testing.T) {
	j := &Job{ID: "a", ImageMappings: map[string]string{"{{logo}}": "images/1.png"}, Result: &BlobRef{Key: "k"}}
	c := j.Clone()
	c.ImageMappings["{{logo}}"] = "changed"
	c.Result.Key = "changed"
	if j.ImageMappings["{{logo}}"] != "images/1.png" || j.Result.Key != "k" {
		t.Fatalf("clone shares state with original")
	}
}
