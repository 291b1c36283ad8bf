package ratelimit

import (
	"testing"
	"time"
)

func TestAllowRequestTokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if d := l.AllowRequest("alice", now); !d.Allowed {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	denied := l.AllowRequest("alice", now)
	if denied.Allowed {
		t.Fatal("request over burst should be denied")
	}
	if denied.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", denied.RetryAfter)
	}

	// Tokens refill with time.
	if d := l.AllowRequest("alice", now.Add(time.Second)); !d.Allowed {
		t.Fatal("request after refill denied")
	}
	// Other owners have their own bucket.
	if d := l.AllowRequest("bob", now); !d.Allowed {
		t.Fatal("fresh owner denied")
	}
}

func TestAllowRequestDisabled(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if d := l.AllowRequest("alice", now); !d.Allowed {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestAcquireStreamEnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentStreams: 1})
	now := time.Now()

	first := l.AcquireStream("alice", now)
	if !first.Allowed || first.Release == nil {
		t.Fatalf("first: allowed=%v release=%v", first.Allowed, first.Release)
	}
	if second := l.AcquireStream("alice", now); second.Allowed {
		t.Fatal("second concurrent stream should be denied")
	}
	if other := l.AcquireStream("bob", now); !other.Allowed {
		t.Fatal("other owner's stream should be independent")
	}

	first.Release()
	first.Release() // idempotent
	if third := l.AcquireStream("alice", now); !third.Allowed {
		t.Fatal("stream after release should be allowed")
	}
}

func TestOwnerMapIsBounded(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxOwners: 4, OwnerTTL: time.Minute})
	now := time.Now()

	for i := 0; i < 10; i++ {
		l.AllowRequest(string(rune('a'+i)), now)
	}
	l.mu.Lock()
	n := len(l.owners)
	l.mu.Unlock()
	if n > 4 {
		t.Fatalf("owner map grew to %d, want <= 4", n)
	}
}
