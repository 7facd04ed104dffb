package preload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ArtifactStore is a shared tier for greeting audio. Credentials are never
// stored in it.
type ArtifactStore interface {
	GetAudio(ctx context.Context, contentID string) ([]byte, bool, error)
	PutAudio(ctx context.Context, contentID string, audio []byte) error
}

// RedisStore keeps greeting audio in redis with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithRedisTTL sets the expiry of stored audio. Zero disables expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    time.Hour,
		prefix: "pagevoice",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) GetAudio(ctx context.Context, contentID string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.audioKey(contentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

func (s *RedisStore) PutAudio(ctx context.Context, contentID string, audio []byte) error {
	if err := s.client.Set(ctx, s.audioKey(contentID), audio, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) audioKey(contentID string) string {
	return fmt.Sprintf("%s:greeting:%s", s.prefix, contentID)
}
