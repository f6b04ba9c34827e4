package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/SlideFill/internal/database"
	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// SubscriptionRepository wraps the SQL for the subscriptions table.
type SubscriptionRepository struct {
	db *database.Handle
}

// NewSubscriptionRepository constructs a repository.
func NewSubscriptionRepository(db *database.Handle) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// GetSubscription returns the owner's quota record.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, ownerID string) (*model.Subscription, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	var sub model.Subscription
	err = pool.QueryRow(ctx, `
		SELECT owner_id, tier, status, expires_at, created_at, updated_at
		FROM subscriptions WHERE owner_id=$1
	`, ownerID).Scan(&sub.OwnerID, &sub.Tier, &sub.Status, &sub.ExpiresAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", ownerID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	return &sub, nil
}

// CreateSubscription inserts sub unless the owner already has a record.
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return err
	}
	created, updated := stamps(sub.CreatedAt, sub.UpdatedAt)
	_, err = pool.Exec(ctx, `
		INSERT INTO subscriptions (owner_id, tier, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (owner_id) DO NOTHING
	`, sub.OwnerID, sub.Tier, sub.Status, sub.ExpiresAt, created, updated)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}
