// Package settings exposes runtime feature flags backed by Redis, so an
// operator can flip behavior without restarting the relay.
package settings

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyObjectDetectionEnabled gates the object detection leg of the frame
	// pipeline.
	KeyObjectDetectionEnabled = "object_detection_enabled"

	// KeyDetectionWebhookEnabled gates webhook delivery of detection results.
	// Viewers and storage are unaffected.
	KeyDetectionWebhookEnabled = "detection_webhook_enabled"

	keyPrefix = "settings:"

	// DefaultCacheTTL bounds how stale a cached value may get. The pipeline
	// reads flags once per frame, hitting Redis that often would be wasteful.
	DefaultCacheTTL = 5 * time.Second
)

type cached struct {
	value   string
	ok      bool
	fetched time.Time
}

// Provider is a read-through cache over the settings hash in Redis.
type Provider struct {
	client *redis.Client

	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

func NewProvider(client *redis.Client) *Provider {
	return &Provider{
		client:   client,
		CacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cached),
		now:      time.Now,
	}
}

// Get returns the raw setting value and whether it is set. Redis errors are
// logged and reported as unset; a flag read must never take the pipeline down.
func (p *Provider) Get(ctx context.Context, key string) (string, bool) {
	p.mu.Lock()
	c, hit := p.cache[key]
	now := p.now()
	p.mu.Unlock()
	if hit && now.Sub(c.fetched) < p.CacheTTL {
		return c.value, c.ok
	}

	val, err := p.client.Get(ctx, keyPrefix+key).Result()
	ok := true
	if err == redis.Nil {
		val, ok = "", false
	} else if err != nil {
		log.Printf("settings: get %s: %v", key, err)
		val, ok = "", false
	}

	p.mu.Lock()
	p.cache[key] = cached{value: val, ok: ok, fetched: now}
	p.mu.Unlock()
	return val, ok
}

// Set writes a setting and invalidates the local cache entry.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	if err := p.client.Set(ctx, keyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
	return nil
}

// Bool interprets a setting as a flag. Missing or unrecognized values are
// false.
func (p *Provider) Bool(ctx context.Context, key string) bool {
	val, ok := p.Get(ctx, key)
	if !ok {
		return false
	}
	switch val {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}
