// Package quota bounds upstream traffic with token buckets and in-flight caps,
// both globally and per proxy endpoint.
package quota

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

// busyRetryAfter is the hint returned when a scope is at its in-flight cap.
const busyRetryAfter = 100 * time.Millisecond

// Scope selects which bucket an acquisition draws from.
type Scope struct {
	key   string
	proxy bool
}

// Global is the scope shared by every retrieval.
func Global() Scope { return Scope{key: "global"} }

// PerProxy is the scope of one proxy endpoint.
func PerProxy(id string) Scope { return Scope{key: "proxy:" + id, proxy: true} }

func (s Scope) String() string { return s.key }

// Limits configures one bucket. Rate <= 0 disables the token bucket and
// Concurrency <= 0 disables the in-flight cap.
type Limits struct {
	Rate        float64 // tokens per second
	Burst       int     // bucket capacity
	Concurrency int
}

type bucket struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

func newBucket(l Limits) *bucket {
	b := &bucket{limiter: rate.NewLimiter(rate.Inf, 0)}
	if l.Rate > 0 {
		burst := l.Burst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(l.Rate), burst)
	}
	if l.Concurrency > 0 {
		b.sem = semaphore.NewWeighted(int64(l.Concurrency))
	}
	return b
}

// Guard is the rate limiter / quota guard.
type Guard struct {
	global   *bucket
	perProxy Limits
	proxies  sync.Map // scope key → *bucket
	now      func() time.Time
}

// New creates a guard with the given global and per-proxy limits.
func New(global, perProxy Limits) *Guard {
	return &Guard{
		global:   newBucket(global),
		perProxy: perProxy,
		now:      time.Now,
	}
}

// FromConfig builds a guard from engine configuration.
func FromConfig(c engine.Config) *Guard {
	return New(
		Limits{Rate: c.GlobalRate, Burst: c.GlobalBurst, Concurrency: c.GlobalConcurrency},
		Limits{Rate: c.ProxyRate, Burst: c.ProxyBurst, Concurrency: c.ProxyConcurrency},
	)
}

func (g *Guard) bucket(s Scope) *bucket {
	if !s.proxy {
		return g.global
	}
	if b, ok := g.proxies.Load(s.key); ok {
		return b.(*bucket)
	}
	b, _ := g.proxies.LoadOrStore(s.key, newBucket(g.perProxy))
	return b.(*bucket)
}

// Permit is one granted in-flight slot. Release it when the upstream call ends.
type Permit struct {
	b    *bucket
	once sync.Once
}

// Release frees the in-flight slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.b.sem != nil {
			p.b.sem.Release(1)
		}
	})
}

// TryAcquire grants a permit for scope s or fails immediately with a
// RateLimited error carrying how long to wait. The in-flight slot is taken
// before the token so a denied token never leaks a slot, and a denied slot
// never spends a token.
func (g *Guard) TryAcquire(s Scope) (*Permit, error) {
	b := g.bucket(s)
	op := "quota." + s.key

	if b.sem != nil && !b.sem.TryAcquire(1) {
		return nil, engine.RateLimited(op, busyRetryAfter, fmt.Errorf("%s at in-flight limit", s))
	}

	now := g.now()
	if !b.limiter.AllowN(now, 1) {
		if b.sem != nil {
			b.sem.Release(1)
		}
		return nil, engine.RateLimited(op, retryAfter(b.limiter, now), fmt.Errorf("%s bucket empty", s))
	}
	return &Permit{b: b}, nil
}

// retryAfter estimates when the next token will be available.
func retryAfter(l *rate.Limiter, now time.Time) time.Duration {
	lim := float64(l.Limit())
	if lim <= 0 || math.IsInf(lim, 1) {
		return busyRetryAfter
	}
	missing := 1 - l.TokensAt(now)
	if missing <= 0 {
		return time.Millisecond
	}
	return time.Duration(math.Ceil(missing / lim * float64(time.Second)))
}
