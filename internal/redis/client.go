// Package redis wraps the relay's Redis usage: read-state watermarks for
// support conversations and presence bookkeeping for connected parties.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mobilebarber/support-rtc/config"
	"github.com/redis/go-redis/v9"
)

const (
	// readStateTTL bounds how long a conversation watermark survives;
	// chat history itself is not persisted, so stale watermarks are noise.
	readStateTTL = 30 * 24 * time.Hour

	presenceKey = "support:online"
)

// Store is the relay's Redis-backed state.
type Store struct {
	client *redis.Client
}

// Connect initializes the Redis client and verifies the connection.
func Connect(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// MarkRead stores the watermark "reader has seen everything from peer up to
// now". Unread counts are derived client-side; the relay only persists the
// high-water mark.
func (s *Store) MarkRead(ctx context.Context, readerID, peerID string, at time.Time) error {
	key := readStateKey(readerID, peerID)
	return s.client.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), readStateTTL).Err()
}

// LastRead returns the stored watermark, or the zero time when none exists.
func (s *Store) LastRead(ctx context.Context, readerID, peerID string) (time.Time, error) {
	key := readStateKey(readerID, peerID)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt read watermark %s: %w", key, err)
	}
	return t, nil
}

// SetOnline adds or removes a party from the presence set.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	if online {
		return s.client.SAdd(ctx, presenceKey, userID).Err()
	}
	return s.client.SRem(ctx, presenceKey, userID).Err()
}

// Online returns the IDs of all currently connected parties.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, presenceKey).Result()
}

func readStateKey(readerID, peerID string) string {
	return "support:read:" + readerID + ":" + peerID
}
