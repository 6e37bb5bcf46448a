package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalLimiterExhaustsPerSubject(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("allow returned error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}

	denied, err := l.Allow(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("allow returned error: %v", err)
	}
	if denied.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if denied.RetryAfter <= 0 || denied.RetryAfter > 31*time.Second {
		t.Fatalf("expected retry-after within one refill interval, got %s", denied.RetryAfter)
	}

	other, err := l.Allow(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("allow returned error: %v", err)
	}
	if !other.Allowed {
		t.Fatal("expected a different subject to have its own bucket")
	}

	now = now.Add(30 * time.Second)
	refilled, err := l.Allow(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("allow returned error: %v", err)
	}
	if !refilled.Allowed {
		t.Fatal("expected a token after one refill interval")
	}
}

func TestLocalLimiterTreatsBlankSubjectAsAnonymous(t *testing.T) {
	l := NewLocalLimiter(1, time.Hour)
	if d, _ := l.Allow(context.Background(), "  "); !d.Allowed {
		t.Fatal("expected first anonymous request to be allowed")
	}
	if d, _ := l.Allow(context.Background(), "anonymous"); d.Allowed {
		t.Fatal("expected blank subject and anonymous to share a bucket")
	}
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestLocalLimiterAllowNSpendsCost(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	d, err := l.AllowN(context.Background(), "user-1", 2)
	if err != nil || !d.Allowed {
		t.Fatalf("expected cost 2 to pass, got %+v err=%v", d, err)
	}
	if d.Remaining != 1 {
		t.Fatalf("expected 1 token left, got %d", d.Remaining)
	}

	d, err = l.AllowN(context.Background(), "user-1", 2)
	if err != nil {
		t.Fatalf("allow returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second cost-2 request to be denied")
	}
	if d.Remaining != 1 {
		t.Fatalf("a denied request must not spend tokens, got remaining=%d", d.Remaining)
	}

	if _, err := l.AllowN(context.Background(), "user-1", 4); !errors.Is(err, ErrCostTooHigh) {
		t.Fatalf("expected ErrCostTooHigh, got %v", err)
	}
}

func TestRedisTokenBucketRejectsCostAboveCapacity(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bucket, err := NewRedisTokenBucket(client, 2, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if bucket.keyPrefix != DefaultKeyPrefix {
		t.Fatalf("expected default key prefix, got %q", bucket.keyPrefix)
	}
	if _, err := bucket.AllowN(context.Background(), "user-1", 3); !errors.Is(err, ErrCostTooHigh) {
		t.Fatalf("expected ErrCostTooHigh, got %v", err)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(0), int64(0), int64(1500)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Allowed || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", d)
	}

	d, err = parseDecision([]any{int64(1), "7", int64(0)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Allowed || d.Remaining != 7 {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := parseDecision([]any{int64(1)}); err == nil {
		t.Fatal("expected error for short response")
	}
	if _, err := parseDecision([]any{int64(1), []byte("x"), int64(0)}); err == nil {
		t.Fatal("expected error for unsupported value type")
	}
}
