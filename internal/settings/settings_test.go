package settings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewProvider(client), mr
}

func TestGetMissing(t *testing.T) {
	p, _ := newTestProvider(t)
	if _, ok := p.Get(context.Background(), "nope"); ok {
		t.Error("expected missing key to be unset")
	}
}

func TestSetThenGet(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	if err := p.Set(ctx, KeyObjectDetectionEnabled, "true"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !mr.Exists("settings:" + KeyObjectDetectionEnabled) {
		t.Error("expected prefixed key in redis")
	}

	val, ok := p.Get(ctx, KeyObjectDetectionEnabled)
	if !ok || val != "true" {
		t.Errorf("expected true, got %q ok=%v", val, ok)
	}
}

func TestBool(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if p.Bool(ctx, KeyObjectDetectionEnabled) {
		t.Error("missing flag must be false")
	}

	for val, want := range map[string]bool{"1": true, "true": true, "on": true, "yes": true, "0": false, "off": false, "banana": false} {
		p.Set(ctx, "flag", val)
		if got := p.Bool(ctx, "flag"); got != want {
			t.Errorf("value %q: expected %v, got %v", val, want, got)
		}
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	mr.Set("settings:flag", "true")
	if val, _ := p.Get(ctx, "flag"); val != "true" {
		t.Fatalf("expected true, got %q", val)
	}

	// Change behind the cache's back; within the TTL we still see the old value.
	mr.Set("settings:flag", "false")
	if val, _ := p.Get(ctx, "flag"); val != "true" {
		t.Errorf("expected cached true, got %q", val)
	}

	// Past the TTL the fresh value comes through.
	now = now.Add(DefaultCacheTTL + time.Second)
	if val, _ := p.Get(ctx, "flag"); val != "false" {
		t.Errorf("expected refreshed false, got %q", val)
	}
}

func TestSetInvalidatesCache(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	p.Set(ctx, "flag", "true")
	p.Get(ctx, "flag")
	p.Set(ctx, "flag", "false")

	if val, _ := p.Get(ctx, "flag"); val != "false" {
		t.Errorf("expected false after Set, got %q", val)
	}
}
