// Package ratelimit throttles API requests per caller. Authenticated callers
// get their plan's requests-per-minute; anonymous callers share a default
// keyed by client IP.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kizuna-ai-lab/sokuji/internal/auth"
)

type Config struct {
	RequestsPerMinute int           // default allowance
	BurstSize         int           // bucket depth
	IdleTTL           time.Duration // buckets unused this long are dropped
}

func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, IdleTTL: 2 * time.Minute}
}

// RateFunc returns a subject's requests-per-minute allowance. ok=false falls
// back to Config.RequestsPerMinute.
type RateFunc func(ctx context.Context, subjectType, subjectID string) (rpm int, ok bool)

type bucket struct {
	lim      *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// Limiter holds one token bucket per caller key.
type Limiter struct {
	cfg  Config
	rate RateFunc
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// WithRate sets the per-subject allowance source.
func (l *Limiter) WithRate(fn RateFunc) *Limiter {
	l.rate = fn
	return l
}

// Stop ends the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(l.cfg.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Allow spends one token for key at the default allowance.
func (l *Limiter) Allow(key string) bool {
	ok, _, _ := l.take(key, l.cfg.RequestsPerMinute)
	return ok
}

// take spends one token at rpm. It returns the whole tokens left and, when
// denied, how long until the next token.
func (l *Limiter) take(key string, rpm int) (bool, int, time.Duration) {
	now := l.now()
	perSec := rate.Limit(float64(rpm) / 60)

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(perSec, l.cfg.BurstSize), rpm: rpm}
		l.buckets[key] = b
	} else if b.rpm != rpm {
		// plan changed since the bucket was created
		b.lim.SetLimitAt(now, perSec)
		b.rpm = rpm
	}
	b.lastSeen = now
	lim := b.lim
	l.mu.Unlock()

	if lim.AllowN(now, 1) {
		return true, int(lim.TokensAt(now)), 0
	}
	missing := 1 - lim.TokensAt(now)
	wait := time.Duration(missing / float64(perSec) * float64(time.Second))
	return false, 0, wait
}

// Middleware keys authenticated callers by subject and everyone else by
// client IP. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, rpm := "ip:"+c.ClientIP(), l.cfg.RequestsPerMinute
		if typ, id, ok := auth.GetSubject(c); ok {
			key = "subject:" + typ + ":" + id
			if l.rate != nil {
				if n, ok := l.rate(c.Request.Context(), typ, id); ok && n > 0 {
					rpm = n
				}
			}
		}

		allowed, remaining, wait := l.take(key, rpm)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rpm))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if allowed {
			c.Next()
			return
		}

		retryAfter := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests for your plan. Retry shortly.",
			"retry_after": retryAfter,
		})
	}
}
