// Package ratelimit provides a per-owner in-process limiter for the
// gateway: a token bucket for request rate and a semaphore cap on
// concurrent chat streams. Single-process only; state is not shared
// across replicas.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// RPS and Burst configure the per-owner token bucket. Zero disables
	// rate limiting.
	RPS   float64
	Burst int

	// MaxConcurrentStreams caps simultaneous chat streams per owner.
	// Zero disables the cap.
	MaxConcurrentStreams int

	// Bounds for the owner map so abandoned keys do not accumulate.
	MaxOwners int
	OwnerTTL  time.Duration
}

// Limiter tracks one bucket and one stream semaphore per owner.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	owners map[string]*ownerState
}

type ownerState struct {
	mu sync.Mutex

	tokens float64
	last   time.Time

	streams  chan struct{}
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxOwners <= 0 {
		cfg.MaxOwners = 10_000
	}
	if cfg.OwnerTTL <= 0 {
		cfg.OwnerTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:    cfg,
		owners: make(map[string]*ownerState),
	}
}

// Release returns a stream slot to the owner. Safe to call more than once.
type Release func()

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Release    Release
}

// AllowRequest admits or rejects one request for the owner under the
// token bucket. RetryAfter is whole seconds until a token frees up.
func (l *Limiter) AllowRequest(ownerID string, now time.Time) Decision {
	if l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	st := l.ownerLocked(ownerID, now)

	st.mu.Lock()
	defer st.mu.Unlock()

	capacity := float64(l.cfg.Burst)
	if st.last.IsZero() {
		st.tokens = capacity
		st.last = now
	}
	if elapsed := now.Sub(st.last).Seconds(); elapsed > 0 {
		st.tokens = math.Min(capacity, st.tokens+elapsed*l.cfg.RPS)
		st.last = now
	}
	if st.tokens >= 1.0 {
		st.tokens -= 1.0
		return Decision{Allowed: true}
	}
	retry := int(math.Ceil((1.0 - st.tokens) / l.cfg.RPS))
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// AcquireStream claims a concurrent-stream slot for the owner. The
// caller must invoke Release when the stream ends.
func (l *Limiter) AcquireStream(ownerID string, now time.Time) Decision {
	if l.cfg.MaxConcurrentStreams <= 0 {
		return Decision{Allowed: true, Release: func() {}}
	}
	st := l.ownerLocked(ownerID, now)

	select {
	case st.streams <- struct{}{}:
		var once sync.Once
		return Decision{
			Allowed: true,
			Release: func() { once.Do(func() { <-st.streams }) },
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) ownerLocked(ownerID string, now time.Time) *ownerState {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.owners) >= l.cfg.MaxOwners {
		for k, v := range l.owners {
			if now.Sub(v.lastSeen) > l.cfg.OwnerTTL {
				delete(l.owners, k)
			}
		}
		// Still full: evict one arbitrary owner. Bounded memory wins
		// over fairness here.
		if len(l.owners) >= l.cfg.MaxOwners {
			for k := range l.owners {
				delete(l.owners, k)
				break
			}
		}
	}

	st, ok := l.owners[ownerID]
	if !ok {
		slots := l.cfg.MaxConcurrentStreams
		if slots < 1 {
			slots = 1
		}
		st = &ownerState{streams: make(chan struct{}, slots)}
		l.owners[ownerID] = st
	}
	st.lastSeen = now
	return st
}
