// Package ratelimit implements the token-bucket limiter keyed by clientId
// that gates every inbound message before it reaches server business logic.
//
// Grounded directly on the teacher's internal/relay.RateLimiter (per-IP
// rate.Limiter map with a stale-entry eviction goroutine), generalized from
// per-IP HTTP request limiting to per-clientId message limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the limiter's sustained rate and burst.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	StaleAfter        time.Duration // entries idle longer than this are evicted
	CleanupInterval   time.Duration
}

// DefaultConfig mirrors the teacher's "friends and family" defaults,
// retuned for a per-message rather than per-HTTP-request cadence.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		StaleAfter:        10 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-clientId token bucket with periodic stale-entry cleanup.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cfg      Config
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Limiter and starts its background cleanup loop. Call
// Shutdown to stop the loop when the limiter is no longer needed.
func New(cfg Config) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			for id, e := range l.entries {
				if time.Since(e.lastSeen) > l.cfg.StaleAfter {
					delete(l.entries, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) get(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.entries[clientID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Result is the outcome of Consume.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
}

// Consume reports whether clientID may send one more message right now.
func (l *Limiter) Consume(clientID string) Result {
	lim := l.get(clientID)
	if lim.Allow() {
		return Result{Allowed: true}
	}
	reservation := lim.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return Result{Allowed: false, RetryAfterMs: delay.Milliseconds()}
}

// Shutdown stops the background cleanup loop. Safe to call more than once.
func (l *Limiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
