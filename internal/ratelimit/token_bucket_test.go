package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidatesArguments(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	cases := []struct {
		name     string
		client   redis.UniversalClient
		capacity int
		window   time.Duration
	}{
		{name: "nil client", client: nil, capacity: 1, window: time.Second},
		{name: "zero capacity", client: client, capacity: 0, window: time.Second},
		{name: "zero window", client: client, capacity: 1, window: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRedisTokenBucket(tc.client, tc.capacity, tc.window, ""); err == nil {
				t.Fatal("expected constructor error")
			}
		})
	}

	limiter, err := NewRedisTokenBucket(client, 10, time.Minute, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.keyPrefix != "normthumb:ratelimit" {
		t.Fatalf("expected default key prefix, got %q", limiter.keyPrefix)
	}
}

func TestAllowNRejectsCostAboveCapacity(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	limiter, err := NewRedisTokenBucket(client, 2, time.Second, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := limiter.AllowN(context.Background(), "user-1", 3); err == nil {
		t.Fatal("expected error for cost above capacity")
	}
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{in: int64(7), want: 7, ok: true},
		{in: 3, want: 3, ok: true},
		{in: 2.9, want: 2, ok: true},
		{in: "42", want: 42, ok: true},
		{in: "x", ok: false},
		{in: []byte("1"), ok: false},
	}
	for _, tc := range cases {
		got, err := toInt64(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("toInt64(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("toInt64(%v) expected error", tc.in)
		}
	}
}

func TestKeyDefaultsAnonymousSubject(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	limiter, err := NewRedisTokenBucket(client, 5, time.Second, "rl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := limiter.key("  "); got != "rl:anonymous" {
		t.Fatalf("expected rl:anonymous, got %q", got)
	}
	if got := limiter.key("user-1:/v1/render"); got != "rl:user-1:/v1/render" {
		t.Fatalf("unexpected key %q", got)
	}
}
