package repository

import (
	"context"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

// SnapshotStore persists holdings snapshots and fans change notifications out
// to every gateway instance.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.HoldingsSnapshot) error
	GetSnapshots(ctx context.Context, scopes []string) ([]string, error)
	SubscribeToFeed(ctx context.Context, scope string) error
	UnsubscribeFromFeed(ctx context.Context, scope string) error
	RunPubSub(ctx context.Context, onMessage func(scope string, payload string))
	Close() error
}
