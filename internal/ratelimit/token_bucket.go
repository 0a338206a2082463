// Package ratelimit provides the in-memory token bucket the proxy uses to cap
// how fast a single client address may open connections.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter allowing ratePerSecond events/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond; it is never below one token.
func New(ratePerSecond, burst float64) *Limiter {
	return newAt(ratePerSecond, burst, time.Now())
}

func newAt(rate, burst float64, now time.Time) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rate: rate, burst: burst, tokens: burst, lastRefill: now}
}

// Allow consumes one token and reports whether the event is permitted.
func (l *Limiter) Allow() bool {
	return l.allowAt(time.Now())
}

func (l *Limiter) allowAt(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elapsed := now.Sub(l.lastRefill).Seconds(); elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.lastRefill = now
	}
	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// Clients keeps one Limiter per client address. Addresses idle long enough
// for their bucket to refill completely are forgotten, so the map stays
// proportional to the set of recently active clients.
type Clients struct {
	mu        sync.Mutex
	limiters  map[string]*client
	rate      float64
	burst     float64
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type client struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Option configures Clients.
type Option func(*Clients)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Clients) { c.now = now }
}

// NewClients creates a per-client limiter whose buckets share rate and burst.
func NewClients(ratePerSecond, burst float64, opts ...Option) *Clients {
	c := &Clients{
		limiters: make(map[string]*client),
		rate:     ratePerSecond,
		burst:    burst,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	full := burst
	if full <= 0 {
		full = ratePerSecond
	}
	c.idle = time.Minute
	if ratePerSecond > 0 {
		if refill := time.Duration(full / ratePerSecond * float64(time.Second)); refill > c.idle {
			c.idle = refill
		}
	}
	c.lastSweep = c.now()
	return c
}

// Allow reports whether key may proceed, creating its bucket on first use.
func (c *Clients) Allow(key string) bool {
	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastSweep) >= c.idle {
		c.sweep(now)
	}
	cl, ok := c.limiters[key]
	if !ok {
		cl = &client{limiter: newAt(c.rate, c.burst, now)}
		c.limiters[key] = cl
	}
	cl.lastSeen = now
	c.mu.Unlock()

	return cl.limiter.allowAt(now)
}

// Len returns the number of tracked client addresses.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limiters)
}

// sweep must be called with c.mu held.
func (c *Clients) sweep(now time.Time) {
	for key, cl := range c.limiters {
		if now.Sub(cl.lastSeen) >= c.idle {
			delete(c.limiters, key)
		}
	}
	c.lastSweep = now
}
