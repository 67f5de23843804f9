// Package ratelimit throttles task submissions per caller with a token
// bucket per key. Buckets live in memory and are evicted LRU-first.
package ratelimit

import (
	"container/list"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordanhubbard/taskhub/internal/clock"
)

const DefaultMaxKeys = 100000

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next token, set when denied.
	RetryAfter time.Duration
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used

	interval time.Duration
	perToken time.Duration // refill time for one token
	burst    int
	maxKeys  int
	keyFunc  KeyFunc
	clk      clock.Clock
	denied   prometheus.Counter
}

type bucket struct {
	key      string
	tokens   float64
	updated  time.Time
	lastSeen time.Time
}

type Option func(*Limiter)

// WithCounter increments c on every rejected request.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.denied = c }
}

// WithMaxKeys caps tracked keys. The least recently used is evicted first.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithKeyFunc sets how requests map to buckets. The default is ClientIP.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clk = c }
}

// New returns a limiter that grants rate requests per interval per key with
// bursts up to burst. Tokens refill continuously.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		maxKeys: DefaultMaxKeys,
		keyFunc: ClientIP,
		clk:     clock.System{},
	}
	l.setLimits(rate, burst, interval)
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) setLimits(rate, burst int, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	if rate < 1 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	l.interval = interval
	l.perToken = interval / time.Duration(rate)
	l.burst = burst
}

// ClientIP keys requests by X-Real-IP, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Middleware rejects requests over the caller's limit with 429 and a JSON
// error body. Every response carries X-RateLimit-Limit and
// X-RateLimit-Remaining.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Take(l.keyFunc(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		if l.denied != nil {
			l.denied.Inc()
		}
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": secs,
		})
	})
}

// Take spends one token from key's bucket if one is available.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	b := l.lookup(key, now)
	b.lastSeen = now

	if elapsed := now.Sub(b.updated); elapsed > 0 {
		b.tokens = math.Min(float64(l.burst), b.tokens+float64(elapsed)/float64(l.perToken))
		b.updated = now
	}

	d := Decision{Limit: l.burst}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = time.Duration((1 - b.tokens) * float64(l.perToken))
	}
	d.Remaining = int(b.tokens)
	return d
}

func (l *Limiter) lookup(key string, now time.Time) *bucket {
	if el, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*bucket)
	}
	if len(l.buckets) >= l.maxKeys {
		if el := l.lru.Back(); el != nil {
			l.lru.Remove(el)
			delete(l.buckets, el.Value.(*bucket).key)
		}
	}
	b := &bucket{key: key, tokens: float64(l.burst), updated: now}
	l.buckets[key] = l.lru.PushFront(b)
	return b
}

// Cleanup drops buckets idle for longer than maxIdle and returns how many
// were removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clk.Now().Add(-maxIdle)
	removed := 0
	for el := l.lru.Back(); el != nil; {
		b := el.Value.(*bucket)
		if !b.lastSeen.Before(cutoff) {
			break
		}
		prev := el.Prev()
		l.lru.Remove(el)
		delete(l.buckets, b.key)
		removed++
		el = prev
	}
	return removed
}

// SetLimits changes rate and burst for every key, keeping the refill
// interval. Existing buckets keep their tokens up to the new burst.
func (l *Limiter) SetLimits(rate, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLimits(rate, burst, l.interval)
	for el := l.lru.Front(); el != nil; el = el.Next() {
		if b := el.Value.(*bucket); b.tokens > float64(l.burst) {
			b.tokens = float64(l.burst)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
