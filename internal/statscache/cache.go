// Package statscache keeps computed patient stats in Redis between lap recordings.
package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/laptracker/internal/domain"
)

const keyPrefix = "laptracker:stats:"

// Cache implements domain.StatsCache on top of a Redis client.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// Connect returns a client for addr, or nil when addr is empty.
func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// New builds a cache. A non-positive ttl keeps entries until invalidated.
func New(client redis.Cmdable, ttl time.Duration) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns nil without error on a miss.
func (c *Cache) Get(ctx context.Context, patientID string) (*domain.PatientStats, error) {
	raw, err := c.client.Get(ctx, key(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached stats: %w", err)
	}
	var stats domain.PatientStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, key(patientID)).Err()
		return nil, nil
	}
	return &stats, nil
}

// Set stores stats under the patient's key.
func (c *Cache) Set(ctx context.Context, stats domain.PatientStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := c.client.Set(ctx, key(stats.PatientID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached stats: %w", err)
	}
	return nil
}

// Invalidate removes the patient's entry. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, patientID string) error {
	if err := c.client.Del(ctx, key(patientID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached stats: %w", err)
	}
	return nil
}

func key(patientID string) string {
	return keyPrefix + patientID
}
