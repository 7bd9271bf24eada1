package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/sessionflow/core"
)

// DefaultRedisTTL bounds how long an abandoned session's data survives.
const DefaultRedisTTL = 24 * time.Hour

// RedisStore keeps each session's entries in one Redis hash, one field per
// key, JSON encoded. Values read back are JSON-decoded, so numbers come back
// as float64.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "sessionflow").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets the expiry applied to a session hash on every write.
// Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "sessionflow",
		ttl:    DefaultRedisTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedisStore parses a redis:// URL, connects and pings the server.
func OpenRedisStore(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis URL is required")
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:data", s.prefix, sessionID)
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, sessionID, key string, value any, producerNodeID string) error {
	hashKey := s.key(sessionID)
	now := s.now().UTC()

	entry := core.SessionDataEntry{
		SessionID:      sessionID,
		Key:            key,
		Value:          value,
		ProducerNodeID: producerNodeID,
		DataType:       core.DataTypeOf(value),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	prev, err := s.Get(ctx, sessionID, key)
	switch {
	case err == nil:
		entry.CreatedAt = prev.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal session data %q: %w", key, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey, key, payload)
	if s.ttl > 0 {
		pipe.Expire(ctx, hashKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set session data %q: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID, key string) (core.SessionDataEntry, error) {
	raw, err := s.client.HGet(ctx, s.key(sessionID), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.SessionDataEntry{}, ErrNotFound
		}
		return core.SessionDataEntry{}, fmt.Errorf("failed to get session data %q: %w", key, err)
	}
	var entry core.SessionDataEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return core.SessionDataEntry{}, fmt.Errorf("failed to unmarshal session data %q: %w", key, err)
	}
	return entry, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]core.SessionDataEntry, error) {
	all, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session data: %w", err)
	}
	entries := make([]core.SessionDataEntry, 0, len(all))
	for field, raw := range all {
		var entry core.SessionDataEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session data %q: %w", field, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session data: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
