package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBlobNotFound is returned when no persisted session exists for an account.
var ErrBlobNotFound = errors.New("session blob not found")

// RedisStore keeps per-account session blobs and online presence in Redis.
type RedisStore struct {
	client *redis.Client
}

var _ SessionBlobStore = (*RedisStore)(nil)
var _ PresenceStore = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Check connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func blobKey(accountID string) string {
	return fmt.Sprintf("session:blob:%s", accountID)
}

func presenceKey(accountID string) string {
	return fmt.Sprintf("session:online:%s", accountID)
}

func (r *RedisStore) SaveBlob(ctx context.Context, accountID string, blob []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, blobKey(accountID), blob, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session blob: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadBlob(ctx context.Context, accountID string) ([]byte, error) {
	data, err := r.client.Get(ctx, blobKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session blob: %w", err)
	}
	return data, nil
}

func (r *RedisStore) DeleteBlob(ctx context.Context, accountID string) error {
	if err := r.client.Del(ctx, blobKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session blob: %w", err)
	}
	return nil
}

func (r *RedisStore) SetOnline(ctx context.Context, accountID string, online bool) error {
	if !online {
		return r.client.Del(ctx, presenceKey(accountID)).Err()
	}
	// Presence self-expires so a crashed process never leaves accounts marked
	// online forever.
	return r.client.Set(ctx, presenceKey(accountID), time.Now().UTC().Format(time.RFC3339), 5*time.Minute).Err()
}

// Online lists account ids currently marked online.
func (r *RedisStore) Online(ctx context.Context) ([]string, error) {
	keys, err := r.client.Keys(ctx, "session:online:*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[len("session:online:"):])
	}
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
