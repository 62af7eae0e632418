package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultKeyPrefix namespaces session keys in Redis
const DefaultKeyPrefix = "doorlock:session:"

// redisClient is the subset of redis.Cmdable used by RedisStore
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisOptions configures a Redis connection
type RedisOptions struct {
	Address      string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultRedisOptions returns the default Redis options
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Address:      "localhost:6379",
		KeyPrefix:    DefaultKeyPrefix,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore keeps sessions in Redis so every server replica sees them.
// Redis failures fall back to an in-memory store; sessions written there
// are only visible to this replica.
type RedisStore struct {
	client    redisClient
	keyPrefix string
	fallback  Store
	logger    *logrus.Logger
	closer    func() error
}

// NewRedisStore connects to Redis using opts
func NewRedisStore(opts RedisOptions, fallback Store, logger *logrus.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	s := newRedisStore(client, opts.KeyPrefix, fallback, logger)
	s.closer = client.Close
	return s
}

func newRedisStore(client redisClient, prefix string, fallback Store, logger *logrus.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		fallback:  fallback,
		logger:    logger,
	}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		s.logger.Warnf("Redis session write failed, using in-memory fallback: %v", err)
		if s.fallback == nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
		return s.fallback.Put(ctx, sess)
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		if s.fallback != nil {
			return s.fallback.Get(ctx, id)
		}
		return Session{}, ErrNotFound
	}
	if err != nil {
		s.logger.Warnf("Redis session read failed, using in-memory fallback: %v", err)
		if s.fallback == nil {
			return Session{}, fmt.Errorf("failed to read session: %w", err)
		}
		return s.fallback.Get(ctx, id)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return Session{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if s.fallback != nil {
		_ = s.fallback.Delete(ctx, id)
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
