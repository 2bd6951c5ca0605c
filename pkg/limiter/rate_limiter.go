package limiter

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds the token bucket settings for the HTTP surface
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// RateLimiter is a single token bucket shared by all requests
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a rate limiter. A zero rate disables limiting.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		return &RateLimiter{}
	}

	burst := config.Burst
	if burst <= 0 {
		burst = int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)}
}

// Allow checks if the request is allowed without waiting
func (rl *RateLimiter) Allow() bool {
	if rl.limiter == nil {
		return true
	}
	return rl.limiter.Allow()
}

// Enabled reports whether requests are limited at all
func (rl *RateLimiter) Enabled() bool {
	return rl.limiter != nil
}

// Middleware rejects requests over the limit by calling reject instead of next
func (rl *RateLimiter) Middleware(next http.Handler, reject http.HandlerFunc) http.Handler {
	if rl.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow() {
			reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
