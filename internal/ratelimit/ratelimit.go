// Package ratelimit throttles /v1 API clients with a token bucket per IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// MaxClients bounds the bucket table. The least recently seen client is
	// forgotten first, which only ever grants it a fresh burst.
	MaxClients int
}

func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20, MaxClients: 10_000}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	perSec float64
	burst  float64
	now    func() time.Time

	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	cache, err := lru.New[string, *bucket](cfg.MaxClients)
	if err != nil {
		panic(err) // size is positive
	}
	return &Limiter{
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		burst:   float64(cfg.BurstSize),
		now:     time.Now,
		buckets: cache,
	}
}

// WithClock swaps the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow spends one token for key. When the bucket is empty it returns false
// and how long until a token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets.Add(key, b)
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// Clients is the number of buckets currently tracked.
func (l *Limiter) Clients() int {
	return l.buckets.Len()
}

// Middleware rejects over-limit clients with 429 and a Retry-After header
// rounded up to whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate_limited",
			"message":    "Request rate exceeded, retry later",
			"retryAfter": secs,
		})
	}
}
