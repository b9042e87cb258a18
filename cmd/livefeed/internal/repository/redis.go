package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/portfolio-live/pkg/models"
)

const (
	keyPrefix     = "holdings:"
	channelPrefix = "holdings."

	// unscopedName stands in for the empty scope in keys and channels.
	unscopedName = "_"
)

// Compile-time check to ensure RedisStore implements SnapshotStore
var _ SnapshotStore = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex // serialises (un)subscribe calls on pubsub
	pubsub *redis.PubSub
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		pubsub: client.Subscribe(context.Background()),
	}
}

func keyFor(scope string) string     { return keyPrefix + scopeName(scope) }
func channelFor(scope string) string { return channelPrefix + scopeName(scope) }

func scopeName(scope string) string {
	if scope == "" {
		return unscopedName
	}
	return scope
}

// SaveSnapshot stores the latest snapshot and announces it in one round trip.
func (r *RedisStore) SaveSnapshot(ctx context.Context, snap models.HoldingsSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", snap.Scope, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, keyFor(snap.Scope), payload, r.ttl)
	pipe.Publish(ctx, channelFor(snap.Scope), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot %q: %w", snap.Scope, err)
	}
	return nil
}

// GetSnapshots returns the stored snapshots of scopes (MGET), skipping scopes
// with nothing stored.
func (r *RedisStore) GetSnapshots(ctx context.Context, scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(scopes))
	for i, s := range scopes {
		keys[i] = keyFor(s)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) SubscribeToFeed(ctx context.Context, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Subscribe(ctx, channelFor(scope))
}

func (r *RedisStore) UnsubscribeFromFeed(ctx context.Context, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub.Unsubscribe(ctx, channelFor(scope))
}

// RunPubSub blocks, passing each announced snapshot to onMessage until ctx is
// done or the store is closed.
func (r *RedisStore) RunPubSub(ctx context.Context, onMessage func(scope string, payload string)) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			scope, found := strings.CutPrefix(msg.Channel, channelPrefix)
			if !found {
				continue
			}
			if scope == unscopedName {
				scope = ""
			}
			onMessage(scope, msg.Payload)
		}
	}
}

func (r *RedisStore) Close() error {
	if err := r.pubsub.Close(); err != nil {
		return err
	}
	return r.client.Close()
}
