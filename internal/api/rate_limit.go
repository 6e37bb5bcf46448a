package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/backdrop/internal/ratelimit"
)

// Starting a job spends a removal-service call, so it weighs more than the
// cheap bookkeeping routes.
const startJobCost = 2

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		route := s.route(r)
		subject := s.userID(r)
		if subject == "" {
			subject = "anonymous"
		}

		decision, err := s.rateLimiter.AllowN(r.Context(), subject+":"+route, routeCost(route))
		if err != nil {
			if errors.Is(err, ratelimit.ErrCostTooHigh) {
				s.logger.Printf("rate limit capacity below route cost route=%s err=%v", route, err)
			} else {
				s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func routeCost(route string) int {
	if route == "/v1/jobs/{id}/start" {
		return startJobCost
	}
	return 1
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method == http.MethodGet {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/jobs")
}
