// Package cache provides the Redis-backed short-term store for market
// snapshots, the live regime mirror, circuit breaker state, and counters.
// When Redis is unavailable the service degrades to the in-process LRU and
// callers fall back to recomputing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"perp-trading-agent/internal/logging"
)

// Key layout
const (
	keySnapshot     = "snapshot:%s"       // per unified symbol
	keyRegime       = "regime:current"
	keyEnvironment  = "environment:current"
	keyBreaker      = "risk:breaker"
	keyCounter      = "counter:%s:%s"     // name, UTC date
)

// Config holds Redis connection settings.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Service is the short-term cache with graceful degradation.
type Service struct {
	client *redis.Client
	cfg    Config
	log    *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int

	lru *lruCache
}

const maxFailures = 3

// NewService connects to Redis; an unreachable server yields a degraded
// service rather than an error so the agent can start without it.
func NewService(cfg Config) *Service {
	s := &Service{
		cfg: cfg,
		log: logging.New("cache"),
		lru: newLRU(256),
	}
	if !cfg.Enabled {
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s
	}

	s.healthy = true
	s.log.Info().Str("address", cfg.Address).Msg("redis connected")
	return s
}

// IsHealthy reports whether Redis is currently usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy && s.client != nil
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// SetJSON stores a JSON-encoded value under key with a TTL, writing both the
// LRU front and Redis.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}

	s.lru.put(key, data, ttl)

	if !s.IsHealthy() {
		return nil
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure(err)
		return nil
	}
	s.recordSuccess()
	return nil
}

// GetJSON loads a value by key, trying the LRU front first. Returns false
// when the key is absent or expired everywhere.
func (s *Service) GetJSON(ctx context.Context, key string, target interface{}) (bool, error) {
	if data, ok := s.lru.get(key); ok {
		return true, json.Unmarshal(data, target)
	}

	if !s.IsHealthy() {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return false, nil
	}
	if err != nil {
		s.recordFailure(err)
		return false, nil
	}
	s.recordSuccess()
	return true, json.Unmarshal(data, target)
}

// Delete removes a key from both tiers.
func (s *Service) Delete(ctx context.Context, key string) {
	s.lru.remove(key)
	if s.IsHealthy() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.recordFailure(err)
		}
	}
}

// IncrementCounter atomically bumps a named daily counter, used for venue
// request accounting. Counters live in Redis only; a degraded cache returns 0.
func (s *Service) IncrementCounter(ctx context.Context, name string, by int64) (int64, error) {
	if !s.IsHealthy() {
		return 0, nil
	}
	key := fmt.Sprintf(keyCounter, name, time.Now().UTC().Format("20060102"))
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, by)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		s.recordFailure(err)
		return 0, err
	}
	s.recordSuccess()
	return incr.Val(), nil
}

// SnapshotKey returns the cache key for a symbol's market snapshot.
func SnapshotKey(symbol string) string { return fmt.Sprintf(keySnapshot, symbol) }

// RegimeKey returns the cache key for the current regime mirror.
func RegimeKey() string { return keyRegime }

// EnvironmentKey returns the cache key for the current environment.
func EnvironmentKey() string { return keyEnvironment }

// BreakerKey returns the cache key for persisted circuit breaker state.
func BreakerKey() string { return keyBreaker }

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= maxFailures && s.healthy {
		s.log.Warn().Err(err).Int("failures", s.failureCount).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy && s.client != nil {
		s.log.Info().Msg("redis recovered")
	}
	if s.client != nil {
		s.healthy = true
	}
	s.failureCount = 0
}
