package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bifrosthq/bifrost/internal/api/dto"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
)

// RateLimiter throttles per caller with a Redis INCR+EXPIRE window.
type RateLimiter struct {
	redis *pkgredis.Client
}

func NewRateLimiter(redisClient *pkgredis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows `limit` requests per caller per `window`. Redis being down
// fails open; throttling is not worth an outage.
func (rl *RateLimiter) Limit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("bifrost:ratelimit:%s", callerKey(r))

			allowed, remaining, err := rl.redis.RateLimit(r.Context(), key, limit, window)
			if err != nil {
				log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(window).Unix()))

			if !allowed {
				metrics.RecordRateLimitHit(r.URL.Path)
				dto.TooManyRequests(w, r, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// callerKey identifies the requester: user id for signed-in callers, a hash
// of the API key for key callers, client IP for everyone else.
func callerKey(r *http.Request) string {
	if caller, ok := CallerFrom(r.Context()); ok && caller.UserID != nil {
		return "user:" + caller.UserID.String()
	}
	if raw, ok := RawAPIKeyFrom(r.Context()); ok {
		sum := sha256.Sum256([]byte(raw))
		return "key:" + hex.EncodeToString(sum[:8])
	}

	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return "ip:" + ip
}
