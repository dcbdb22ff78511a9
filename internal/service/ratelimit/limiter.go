package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of token buckets keyed by name (one per exchange, or one per
// client for the public API).
type Limiter struct {
	mu        sync.Mutex
	m         map[string]*bucket
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// LimiterOption configures Limiter.
type LimiterOption func(*Limiter)

// WithIdleEviction drops buckets unused for d. A bucket idle that long has
// refilled, so a fresh one behaves the same. Zero keeps buckets forever.
func WithIdleEviction(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.idle = d }
}

func New(opts ...LimiterOption) *Limiter {
	l := &Limiter{m: make(map[string]*bucket), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string, capacity, refillPerSec float64) bool {
	now := l.now()
	return l.get(key, capacity, refillPerSec, now).AllowN(now, 1)
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, capacity, refillPerSec float64) error {
	now := l.now()
	r := l.get(key, capacity, refillPerSec, now).ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("ratelimit: no token can ever be reserved for %s", key)
	}
	d := r.DelayFrom(now)
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(l.now())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) get(key string, capacity, refillPerSec float64, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idle > 0 && now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.m {
			if now.Sub(b.lastSeen) >= l.idle {
				delete(l.m, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.m[key]
	if !ok {
		burst := int(capacity)
		if burst < 1 {
			burst = 1
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(refillPerSec), burst)}
		l.m[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Gate caps in-flight requests to one exchange and paces them through a
// token bucket.
type Gate struct {
	key     string
	sem     chan struct{}
	limiter *Limiter
	burst   float64
	perSec  float64
}

func NewGate(key string, concurrency int, burst, perSec float64, limiter *Limiter) *Gate {
	if concurrency <= 0 {
		concurrency = 1
	}
	if limiter == nil {
		limiter = New()
	}
	return &Gate{
		key:     key,
		sem:     make(chan struct{}, concurrency),
		limiter: limiter,
		burst:   burst,
		perSec:  perSec,
	}
}

// Acquire waits for a concurrency slot and a rate token. The returned release
// must be called once the request is done.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.perSec > 0 {
		if err := g.limiter.Wait(ctx, g.key, g.burst, g.perSec); err != nil {
			<-g.sem
			return nil, err
		}
	}
	var once sync.Once
	return func() { once.Do(func() { <-g.sem }) }, nil
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int { return len(g.sem) }
