// Package ratelimit meters upload and render requests per subject.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultKeyPrefix = "backdrop:ratelimit"

var ErrCostTooHigh = errors.New("request cost exceeds bucket capacity")

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
	// AllowN spends cost tokens at once.
	AllowN(ctx context.Context, subject string, cost int) (Decision, error)
}

// LocalLimiter keeps one in-process token bucket per subject. It is used
// when no Redis is configured, so limits are per replica.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func NewLocalLimiter(capacity int, window time.Duration) *LocalLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(capacity)),
		burst:    capacity,
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

func (l *LocalLimiter) AllowN(_ context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if cost > l.burst {
		return Decision{}, fmt.Errorf("%w: cost %d exceeds capacity %d", ErrCostTooHigh, cost, l.burst)
	}

	subject = normalizeSubject(subject)
	now := l.now()

	l.mu.Lock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = lim
	}
	l.mu.Unlock()

	reservation := lim.ReserveN(now, cost)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, Remaining: max(0, int64(lim.TokensAt(now))), RetryAfter: delay}, nil
	}

	return Decision{Allowed: true, Remaining: max(0, int64(lim.TokensAt(now)))}, nil
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
