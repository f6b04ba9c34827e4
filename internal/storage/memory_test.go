package storage

import (
	"context"
	"testing"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateJob(ctx, &model.Job{ID: "j", OwnerID: "alice", Status: model.StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := m.GetJob(ctx, "j")
	got.Status = model.StatusCompleted
	again, _ := m.GetJob(ctx, "j")
	if again.Status != model.StatusPending {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestPutSubscriptionReplaces(t *testing.T) {
	m := NewMemoryStore()
	m.PutSubscription(&model.Subscription{OwnerID: "alice", Tier: model.TierFree, Status: model.SubscriptionActive})
	m.PutSubscription(&model.Subscription{OwnerID: "alice", Tier: model.TierLifetime, Status: model.SubscriptionActive})
	sub, err := m.GetSubscription(context.Background(), "alice")
	if err != nil || sub.Tier != model.TierLifetime {
		t.Fatalf("expected lifetime, got %+v err=%v", sub, err)
	}
}
