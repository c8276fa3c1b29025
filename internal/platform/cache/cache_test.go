package cache

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid-redis", "redis://localhost:6379", false},
		{"valid-with-db", "redis://localhost:6379/0", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	ctx := t.Context()
	_, err := New(ctx, Options{URL: "redis://localhost:59999", ClientName: "test"})
	if err == nil {
		t.Fatal("New() should return error for unreachable host")
	}
}

func TestIdentityKey(t *testing.T) {
	if got := identityKey("abc-123"); got != "review:base:abc-123" {
		t.Errorf("identityKey() = %q", got)
	}
}

func TestNewIdentityCache_DefaultTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:59999"})
	defer func() { _ = client.Close() }()

	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"zero uses default", 0, defaultIdentityTTL},
		{"negative uses default", -time.Second, defaultIdentityTTL},
		{"explicit", time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewIdentityCache(client, tt.ttl).ttl; got != tt.want {
				t.Errorf("ttl = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentityCache_UnreachableIsMiss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:59999", DialTimeout: 200 * time.Millisecond})
	defer func() { _ = client.Close() }()
	c := NewIdentityCache(client, time.Minute)

	ctx := t.Context()
	c.SetBase(ctx, "variant-1", "base-1")
	if base, ok := c.GetBase(ctx, "variant-1"); ok {
		t.Errorf("GetBase() = %q, true; want a miss when redis is down", base)
	}
	if got := c.GetBases(ctx, []string{"variant-1", "variant-2"}); len(got) != 0 {
		t.Errorf("GetBases() = %v, want no hits when redis is down", got)
	}
}

func TestIdentityCache_GetBasesEmpty(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:59999"})
	defer func() { _ = client.Close() }()

	// No ids means no round trip, so an unreachable server is never dialled.
	if got := NewIdentityCache(client, 0).GetBases(t.Context(), nil); got == nil || len(got) != 0 {
		t.Errorf("GetBases(nil) = %v, want an empty map", got)
	}
}
