package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-drover/internal/config"
)

// AuthMiddleware gates every endpoint except the health check behind a
// shared bearer token. With no token configured it passes through, which
// matches the default loopback-only bind.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := ExtractToken(r)
		if candidate == "" {
			http.Error(w, `{"error":"missing auth token"}`, http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			http.Error(w, `{"error":"invalid auth token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the auth token from, in order, the Authorization
// bearer header, the X-Auth-Token header, and the token query parameter.
// The query parameter exists for websocket clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.Header.Get("X-Auth-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// NewCORSMiddleware builds a CORS wrapper from the allow-origins list.
// An empty list means same-origin only and yields a pass-through.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	origins := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request body size.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// TokenBucket is a per-client rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes one token when available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// RateLimitMiddleware enforces per-client limits, keyed by remote IP.
// Idle buckets are evicted on a slow cycle so the map stays bounded.
type RateLimitMiddleware struct {
	buckets map[string]*TokenBucket
	cfg     config.GatewayConfig
	mu      sync.Mutex
	lastGC  time.Time
}

func NewRateLimitMiddleware(cfg config.GatewayConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		buckets: make(map[string]*TokenBucket),
		cfg:     cfg,
		lastGC:  time.Now(),
	}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if !rl.bucket(key).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastGC) > 10*time.Minute {
		cutoff := time.Now().Add(-30 * time.Minute)
		for k, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastAccess.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, k)
			}
		}
		rl.lastGC = time.Now()
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = NewTokenBucket(rl.cfg.RateLimitPerMinute, rl.cfg.RateLimitBurst)
		rl.buckets[key] = b
	}
	return b
}

func clientKey(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return addr
}
