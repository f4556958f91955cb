package middleware

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
	"gatekeeper/internal/platform/config"
)

type RateLimiter struct {
	store  *sync.Map // map[string]*Bucket
	limits map[string]int
}

type Bucket struct {
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	limits := map[string]int{
		"auth":      cfg.AuthPerMinute,
		"api_read":  cfg.APIReadPerMinute,
		"api_write": cfg.APIWritePerMinute,
	}
	if limits["auth"] <= 0 {
		limits["auth"] = 30
	}
	if limits["api_read"] <= 0 {
		limits["api_read"] = 600
	}
	if limits["api_write"] <= 0 {
		limits["api_write"] = 120
	}

	rl := &RateLimiter{
		store:  &sync.Map{},
		limits: limits,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.store.Range(func(key, value interface{}) bool {
			bucket := value.(*Bucket)
			bucket.mu.Lock()
			if now.Sub(bucket.lastAccess) > 10*time.Minute {
				rl.store.Delete(key)
			}
			bucket.mu.Unlock()
			return true
		})
	}
}

func (rl *RateLimiter) Allow(key string, limit int) bool {
	now := time.Now()

	val, _ := rl.store.LoadOrStore(key, &Bucket{
		tokens:     limit,
		lastRefill: now,
		lastAccess: now,
	})

	bucket := val.(*Bucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.lastAccess = now

	elapsed := now.Sub(bucket.lastRefill)
	refillRate := float64(limit) / 60.0
	refillTokens := int(elapsed.Seconds() * refillRate)

	if refillTokens > 0 {
		if bucket.tokens+refillTokens > limit {
			bucket.tokens = limit
		} else {
			bucket.tokens += refillTokens
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// Limit keys authenticated requests by user and anonymous requests by
// client address, per limit class.
func (rl *RateLimiter) Limit(limitType string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var key string
			if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok && claims != nil {
				key = fmt.Sprintf("%s:%s", claims.UserID, limitType)
			} else {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				key = fmt.Sprintf("%s:%s", ip, limitType)
			}

			limit, ok := rl.limits[limitType]
			if !ok {
				limit = 60
			}

			if !rl.Allow(key, limit) {
				w.Header().Set("Retry-After", "60")
				errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
				return
			}

			next(w, r)
		}
	}
}
